package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Paywire Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		type answer struct{ key, value string }
		answers := []answer{
			{"seller.address", prompt(scanner, "Seller payment address", cfg.Seller.Address)},
			{"seller.price", prompt(scanner, "Price per "+cfg.Seller.Service, strconv.FormatFloat(cfg.Seller.Price, 'g', -1, 64))},
			{"buyer.max_price", prompt(scanner, "Buyer spending limit", strconv.FormatFloat(cfg.Buyer.MaxPrice, 'g', -1, 64))},
			{"llm.enabled", prompt(scanner, "Phrase messages with an LLM (true/false)", strconv.FormatBool(cfg.LLM.Enabled))},
		}
		if answers[len(answers)-1].value == "true" {
			answers = append(answers,
				answer{"llm.base_url", prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)},
				answer{"llm.api_key", prompt(scanner, "LLM API key", cfg.LLM.APIKey)},
				answer{"llm.model", prompt(scanner, "LLM model name", cfg.LLM.Model)},
			)
		}
		answers = append(answers,
			answer{"telegram.token", prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)},
			answer{"telegram.chat_id", prompt(scanner, "Telegram chat id (optional)", strconv.FormatInt(cfg.Telegram.ChatID, 10))},
		)

		for _, a := range answers {
			if a.value == "" {
				continue
			}
			if err := config.SetValue(cfgPath, a.key, a.value); err != nil {
				return fmt.Errorf("save %s: %w", a.key, err)
			}
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
