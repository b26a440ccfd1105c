package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "timeout", "queue", "json", "pretty", "gzip"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage heimdallctl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":  serverURL,
				"timeout": timeout.String(),
				"queue":   queuePath,
				"json":    outputJSON,
				"pretty":  prettyJSON,
				"gzip":    compress,
			})
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverURL)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  Queue: %s\n", queuePath)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(out, "  Gzip: %v\n", compress)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  heimdallctl config set server http://ingest.internal:8080
  heimdallctl config set timeout 60s
  heimdallctl config set gzip true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		switch key {
		case "json", "pretty", "gzip":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
			viper.Set(key, b)
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for timeout: %w", err)
			}
			viper.Set(key, d.String())
		case "server", "queue":
			viper.Set(key, value)
		default:
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
		}

		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("queue", defaultQueuePath())
		viper.Set("json", false)
		viper.Set("pretty", false)
		viper.Set("gzip", false)

		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configPath)
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, queue and server connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ heimdallctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "  ⚠️  Config file: not found (using defaults)\n")
		}

		if checkJQAvailable() {
			fmt.Fprintf(out, "  ✅ jq: available\n")
		} else {
			fmt.Fprintf(out, "  ⚠️  jq: not found in PATH\n")
		}

		fmt.Fprintf(out, "  ✅ Queue: %s (%d events)\n", queuePath, openQueue(cmd).Len())

		st, code, err := checkHealth()
		switch {
		case err != nil:
			fmt.Fprintf(out, "  ❌ Server connectivity: %v\n", err)
		case code != http.StatusOK:
			fmt.Fprintf(out, "  ❌ Server health: %s\n", st.Message)
		default:
			fmt.Fprintf(out, "  ✅ Server: %s\n", serverURL)
		}
	},
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".heimdallctl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
