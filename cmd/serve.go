package cmd

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/open-feature/flagsync/pkg/service"
)

var (
	servePort          int32
	serveAPIKeys       []string
	serveDevModeSecret string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve <file>",
	Short: "Serve a configuration file to flag engines",
	Long: `Serve a JSON or YAML configuration file on /configuration/{apiKey}. The file is
validated before it is served and reloaded whenever it changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithField("component", "serve")
		src, err := service.NewSource(args[0], logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go func() {
			if err := src.Watch(ctx); err != nil {
				logger.Errorf("watching %s: %v", args[0], err)
			}
		}()

		svc := &service.HTTPService{
			HTTPServiceConfiguration: &service.HTTPServiceConfiguration{
				Port:          servePort,
				APIKeys:       serveAPIKeys,
				DevModeSecret: serveDevModeSecret,
			},
			Logger: logger,
		}
		logger.Infof("listening on :%d", servePort)
		return svc.Serve(ctx, src)
	},
}

func init() {
	serveCmd.Flags().Int32VarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringSliceVar(&serveAPIKeys, "api-keys", nil, "api keys to serve, all when empty")
	serveCmd.Flags().StringVar(&serveDevModeSecret, "dev-mode-secret", "", "secret clients must present")
	rootCmd.AddCommand(serveCmd)
}
