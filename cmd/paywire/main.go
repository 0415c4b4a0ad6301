package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/api"
	"github.com/user/paywire/internal/config"
)

var (
	cfgPath string
	apiURL  string
)

var rootCmd = &cobra.Command{
	Use:           "paywire",
	Short:         "Agent-to-agent purchases over HTTP 402",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join(home, ".paywire", "config.json"), "config file path")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (defaults to http.listen from config)")
}

func main() {
	err := rootCmd.Execute()
	if errors.Is(err, errRestart) {
		execPath, execErr := os.Executable()
		if execErr == nil {
			execErr = syscall.Exec(execPath, os.Args, os.Environ())
		}
		err = fmt.Errorf("re-exec: %w", execErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// apiClient talks to a running daemon.
func apiClient() *api.Client {
	if apiURL != "" {
		return api.NewClient(apiURL)
	}
	cfg := loadConfig()
	return api.NewClient("http://" + cfg.HTTP.Listen)
}
