package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/app"
	"github.com/JakeFAU/linkcheck-crawler/internal/config"
	"github.com/JakeFAU/linkcheck-crawler/internal/logging"
	"github.com/JakeFAU/linkcheck-crawler/internal/notify"
)

const closeTimeout = 30 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// needsAppAnnotation marks commands that require the application container.
const needsAppAnnotation = "linkcrawler/needs-app"

// App is what commands need from the application container. It lets tests
// inject a fake.
type App interface {
	Run(ctx context.Context) (notify.Summary, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLogger builds the process logger; tests replace it.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
}

// newRootCmd creates and configures the root command. v receives every
// bound flag so flags override file and environment values.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	var logger *zap.Logger

	cmd := &cobra.Command{
		Use:   "linkcrawler",
		Short: "Crawls a site and reports every broken link and resource.",
		Long: `linkcrawler starts from a seed URL, verifies every link and subresource
it finds, renders internal pages to discover more, and reports the status of
each resource it checked.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application before the subcommand runs. The seed may come
		// from the subcommand's first argument.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[needsAppAnnotation] != "true" {
				return nil
			}
			if len(args) > 0 {
				v.Set("crawler.seed_url", args[0])
			}
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err = newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Shuts services down once the subcommand returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				closeApp(cmd.Context(), appInstance)
			}
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./linkcrawler.yaml or $HOME/.linkcrawler/linkcrawler.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dev-logs", false, "human friendly console logs")
	bindFlags(v, flags, map[string]string{
		"logging.level":       "log-level",
		"logging.development": "dev-logs",
	})

	cmd.AddCommand(newCrawlCmd(v))
	return cmd
}

// bindFlags maps config keys to flags. A flag only overrides the file or
// environment when it is set explicitly.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %q: %v", name, err))
		}
	}
}

// closeApp shuts the application down. Close is idempotent, so both the
// subcommand and the post-run hook may call it.
func closeApp(parent context.Context, appInstance App) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), closeTimeout)
	defer cancel()
	if err := appInstance.Close(ctx); err != nil {
		appInstance.Logger().Warn("error closing application services", zap.Error(err))
	}
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(viper.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errBrokenLinks) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
