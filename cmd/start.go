package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/open-feature/flagsync/pkg/config"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/runtime"
	"github.com/open-feature/flagsync/pkg/service"
	"github.com/open-feature/flagsync/pkg/transport"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a flag engine and log its fetches",
	Long: `Start a flag engine against --uri, log every configuration fetch, and optionally
expose its metrics. Boolean flags named with --flag are resolved after every fetch.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		flagNames, _ := cmd.Flags().GetStringSlice("flag")
		metricsPort, _ := cmd.Flags().GetInt32("metrics-port")
		return start(cmd.Context(), cfg, flagNames, metricsPort)
	},
}

func start(ctx context.Context, cfg *config.Config, flagNames []string, metricsPort int32) error {
	logger := log.WithField("component", "start")

	st, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var tr transport.Transport
	if !cfg.DisableNetworkFetch {
		if tr, err = cfg.Transport(logger); err != nil {
			return err
		}
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	rt := runtime.New(
		runtime.WithTransport(tr),
		runtime.WithStore(st),
		runtime.WithLogger(log.StandardLogger()),
		runtime.WithRegisterer(reg),
	)
	defer rt.Shutdown()

	rt.SetUnhandledErrorHandler(func(trigger model.ErrorTrigger, err error) {
		logger.WithField("trigger", trigger).Error(err)
	})
	opts.ImpressionHandler = func(r model.Reporting, _ model.EvaluationContext) {
		logger.WithFields(log.Fields{"flag": r.Name, "value": r.Value, "targeting": r.Targeting}).Info("impression")
	}
	opts.ConfigurationFetchedHandler = func(res model.FetcherResult) {
		logger.WithFields(log.Fields{"status": res.Status, "hasChanges": res.HasChanges}).Info("configuration fetched")
		for _, name := range flagNames {
			rt.DynamicIsEnabled(name, false, nil)
		}
	}

	// Serve ------------------------------------------------------------------
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if metricsPort > 0 {
		svc := &service.HTTPService{
			HTTPServiceConfiguration: &service.HTTPServiceConfiguration{Port: metricsPort, Gatherer: reg},
			Logger:                   logger,
		}
		go func() {
			if err := svc.Serve(ctx, nil); err != nil {
				logger.Errorf("metrics endpoint: %v", err)
			}
		}()
	}

	res, err := rt.Setup(ctx, cfg.APIKey, opts)
	if err != nil {
		return err
	}
	if res.Status == model.ErrorFetchFailed {
		logger.Warnf("no configuration applied: %s", res.ErrorDetails)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func init() {
	defaults := config.DefaultConfig()
	startCmd.Flags().StringP("uri", "f", "", "configuration server base URL or configuration file path")
	startCmd.Flags().String("api-key", "", "api key sent to the configuration server")
	startCmd.Flags().String("version", "", "application version sent with every fetch")
	startCmd.Flags().String("platform", defaults.Platform, "platform sent with every fetch")
	startCmd.Flags().String("freeze", "", "default freeze level: none, untilForeground or untilLaunch")
	startCmd.Flags().Bool("disable-network-fetch", false, "only use the cache and the embedded configuration")
	startCmd.Flags().String("dev-mode-secret", "", "dev mode secret sent with every fetch")
	startCmd.Flags().Int("fetch-interval-in-sec", defaults.FetchIntervalInSec, "scheduled fetch interval in seconds (minimum 30)")
	startCmd.Flags().Duration("fetch-timeout", defaults.FetchTimeout, "timeout of a single network fetch")
	startCmd.Flags().String("embedded", "", "configuration file applied when network and cache are unusable")
	startCmd.Flags().StringSlice("flag", nil, "full names of boolean flags to resolve after every fetch")
	startCmd.Flags().Int32P("metrics-port", "p", 0, "port of the metrics endpoint, 0 to disable")
	rootCmd.AddCommand(startCmd)
}
