package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/paywire/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	configListCmd.Flags().Bool("show-secrets", false, "print secrets unmasked")
	configListCmd.Flags().Bool("json", false, "print as a JSON object keyed by section")
	configListCmd.Flags().String("section", "", "only list keys in this section (buyer, seller, payment, ...)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration values grouped by section",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		show, _ := cmd.Flags().GetBool("show-secrets")
		asJSON, _ := cmd.Flags().GetBool("json")
		section, _ := cmd.Flags().GetString("section")
		values, err := config.ListValues(cfgPath, !show)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		sections := groupConfigKeys(values)
		if section != "" {
			keys, ok := sections[section]
			if !ok {
				return fmt.Errorf("unknown config section: %s", section)
			}
			sections = map[string]map[string]any{section: keys}
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sections)
		}
		writeConfigSections(os.Stdout, sections)
		return nil
	},
}

// groupConfigKeys splits flattened keys on their first dot. Top-level keys
// land in the "general" section.
func groupConfigKeys(values map[string]any) map[string]map[string]any {
	sections := make(map[string]map[string]any)
	for k, v := range values {
		section, name := "general", k
		if i := strings.IndexByte(k, '.'); i > 0 {
			section, name = k[:i], k[i+1:]
		}
		if sections[section] == nil {
			sections[section] = make(map[string]any)
		}
		sections[section][name] = v
	}
	return sections
}

func writeConfigSections(w io.Writer, sections map[string]map[string]any) {
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", name)
		keys := make([]string, 0, len(sections[name]))
		for k := range sections[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %v\n", k, sections[name][k])
		}
	}
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
