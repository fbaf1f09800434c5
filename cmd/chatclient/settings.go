package main

import (
	"fmt"
	"sort"

	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change stored preferences",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get [key]",
			Short: "Print one preference, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				keys := knownKeys()
				if len(args) == 1 {
					if err := checkKey(args[0]); err != nil {
						return err
					}
					keys = args
				}
				return withSettings(func(p settings.Provider) error {
					for _, k := range keys {
						fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, p.Get(k))
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a preference",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := checkKey(args[0]); err != nil {
					return err
				}
				return withSettings(func(p settings.Provider) error {
					return p.Set(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "reset <key>",
			Short: "Restore a preference to its default",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := checkKey(args[0]); err != nil {
					return err
				}
				return withSettings(func(p settings.Provider) error {
					return p.Reset(args[0])
				})
			},
		},
	)
	return cmd
}

func withSettings(fn func(settings.Provider) error) error {
	logger := newLogger()
	p, err := openSettings(settingsDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Println("settings close:", err)
		}
	}()
	return fn(p)
}

func knownKeys() []string {
	keys := make([]string, 0, len(settings.Defaults))
	for k := range settings.Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkKey(key string) error {
	if _, ok := settings.Defaults[key]; !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}
