// Package cmd defines and implements the CLI commands for the linkcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errBrokenLinks = errors.New("broken links found")

// newCrawlCmd creates and configures the 'crawl' subcommand.
// It retrieves the application instance from the context and runs one crawl to completion.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	var failOnBroken bool

	cmd := &cobra.Command{
		Use:   "crawl [seed-url]",
		Short: "Crawls a site and reports broken links",
		Long: `Verifies every link and subresource reachable from the seed URL. Internal
pages are rendered so links added by scripts are found too. The seed may be
given as an argument or through crawler.seed_url in the configuration.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{needsAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, failOnBroken)
		},
	}

	flags := cmd.Flags()
	flags.String("renderer", "chromedp", "page renderer (chromedp, static or disabled)")
	flags.String("report", "log", "report driver (log, postgres, sqlite, local, gcs)")
	flags.Bool("api", false, "serve the control API while crawling")
	flags.Int("api-port", 8080, "control API port")
	flags.BoolVar(&failOnBroken, "fail-on-broken", false, "exit non-zero when any broken link is found")
	bindFlags(v, flags, map[string]string{
		"renderer.mode": "renderer",
		"report.driver": "report",
		"api.enabled":   "api",
		"api.port":      "api-port",
	})
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, failOnBroken bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	// Post-run hooks are skipped when RunE fails.
	defer closeApp(cmd.Context(), appInstance)
	logger := appInstance.Logger()

	summary, err := appInstance.Run(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}

	logger.Info("Crawl command finished.",
		zap.String("run_id", summary.RunID),
		zap.String("state", summary.State),
		zap.Int64("verified", summary.Verified),
		zap.Int64("broken", summary.Broken),
		zap.Duration("duration", summary.Duration),
	)
	if failOnBroken && summary.Broken > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "%d broken links found\n", summary.Broken)
		return errBrokenLinks
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
