package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/spf13/cobra"
)

var settingsDir string

var rootCmd = &cobra.Command{
	Use:          "chatclient",
	Short:        "Multilingual live chat client",
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&settingsDir, "settings-dir", "", "preferences directory (default is $XDG_CONFIG_HOME/livechat)")

	rootCmd.AddCommand(newRunCmd(), newSettingsCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "[livechat] ", log.LstdFlags)
}

// openSettings opens the preferences store in dir, falling back to the
// user config directory.
func openSettings(dir string, logger *log.Logger) (*settings.PebbleProvider, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(base, "livechat")
	}
	return settings.OpenPebble(dir, logger)
}
