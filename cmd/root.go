package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/open-feature/flagsync/pkg/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flagsync",
	Short: "Synchronize and resolve feature flag configuration",
	Long: `flagsync runs a flag resolution engine against a configuration server or file,
serves configuration files to engines, and manages local flag overrides.`,
	SilenceUsage: true,
}

func init() {
	defaults := config.DefaultConfig()
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./flagsync.yaml)")
	rootCmd.PersistentFlags().String("store-dir", defaults.StoreDir, "directory of the persistent cache and overrides")
	rootCmd.PersistentFlags().String("store-driver", defaults.StoreDriver, "persistent store: file, sqlite or memory")
	rootCmd.PersistentFlags().String("debug-level", "", `set to "verbose" for debug logging`)
}

// loadConfig merges the config file, environment and the flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if cfg.DebugLevel == "verbose" {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
