package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/open-feature/flagsync/pkg/override"
)

// overrideCmd groups the commands managing local overrides in the persistent store.
var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage local flag overrides",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set <flag> <value>",
	Short: "Override a flag by its full name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOverrides(cmd, func(o *override.Store) error {
			return o.Set(cmd.Context(), args[0], args[1])
		})
	},
}

var overrideClearCmd = &cobra.Command{
	Use:   "clear [flag]",
	Short: "Clear one override, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOverrides(cmd, func(o *override.Store) error {
			if len(args) == 0 {
				return o.ClearAll(cmd.Context())
			}
			return o.Clear(cmd.Context(), args[0])
		})
	},
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withOverrides(cmd, func(o *override.Store) error {
			keys := o.Keys()
			slices.Sort(keys)
			for _, k := range keys {
				v, _ := o.Get(k)
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
			}
			return nil
		})
	},
}

func withOverrides(cmd *cobra.Command, fn func(*override.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	o := override.New(st, nil)
	if err := o.Load(cmd.Context()); err != nil {
		return err
	}
	return fn(o)
}

func init() {
	overrideCmd.AddCommand(overrideSetCmd, overrideClearCmd, overrideListCmd)
	rootCmd.AddCommand(overrideCmd)
}
