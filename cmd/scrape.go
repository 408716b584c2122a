package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/api"
	"github.com/JakeFAU/divar-listing-bot/internal/clock"
	"github.com/JakeFAU/divar-listing-bot/internal/id"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/report"
	"github.com/JakeFAU/divar-listing-bot/internal/server"
	memoryStorage "github.com/JakeFAU/divar-listing-bot/internal/storage/memory"
)

func newScrapeCmd() *cobra.Command {
	var out string
	var factor float64

	cmd := &cobra.Command{
		Use:   "scrape URL",
		Short: "Scrape one Divar search and write the workbook to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			target, err := api.ValidateSearchURL(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("factor") {
				if factor < 0 {
					return fmt.Errorf("--factor must be >= 0, got %v", factor)
				}
				rt.cfg.Scraper.OutlierFactor = factor
			}

			scraper, closeScraper, err := server.NewScraper(rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer closeScraper()

			runner, err := pipeline.NewRunner(pipeline.Deps{
				Scraper: scraper,
				Jobs:    memoryStorage.NewJobStore(),
				Blobs:   memoryStorage.NewBlobStore(),
				Clock:   clock.System{},
				IDs:     id.UUID{},
			}, pipeline.Config{
				Mode:          rt.cfg.Scraper.Mode,
				OutlierFactor: rt.cfg.Scraper.OutlierFactor,
				BlobPrefix:    rt.cfg.Storage.Prefix,
			}, rt.logger.Named("pipeline"))
			if err != nil {
				return err
			}

			job, res, err := runner.ScrapeNow(cmd.Context(), target, pipeline.SourceCLI)
			if err != nil {
				return fmt.Errorf("scrape %s: %w", target, err)
			}
			if err := os.WriteFile(out, res.Report, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			rt.logger.Info("workbook written",
				zap.String("job_id", job.ID),
				zap.String("path", out),
				zap.Int("collected", res.Collected),
				zap.Int("dropped", res.Stats.Dropped),
			)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Caption())
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", report.Filename, "output workbook path")
	cmd.Flags().Float64Var(&factor, "factor", 1.5, "IQR multiplier for the low-price cutoff")
	return cmd
}
