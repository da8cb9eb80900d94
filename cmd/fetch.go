// cmd/fetch.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/marketwatch/internal/market"
	"github.com/xkilldash9x/marketwatch/internal/observability"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

type fetchOptions struct {
	maxPages    int
	concurrency int
	format      string
	output      string
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	fetchOpts := &fetchOptions{}

	fetchCmd := &cobra.Command{
		Use:   "fetch <item name>",
		Short: "Collect the listings for one item and print them",
		Long: `Runs a single collection for the item and writes the merged result
as JSON or YAML, to stdout or to --output.`,
		Example: `  marketwatch fetch "Red Potion"
  marketwatch fetch "Red Potion" --max-pages 10 --concurrency 4 --format yaml -o potions.yaml`,
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{logToStderrAnnotation: "true"},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			fetchOpts.format = strings.ToLower(fetchOpts.format)
			if fetchOpts.format != formatJSON && fetchOpts.format != formatYAML {
				return fmt.Errorf("unsupported format %q (want %s or %s)", fetchOpts.format, formatJSON, formatYAML)
			}
			if fetchOpts.maxPages < 0 {
				return fmt.Errorf("--max-pages must be a positive integer")
			}
			if fetchOpts.concurrency < 0 {
				return fmt.Errorf("--concurrency must be a positive integer")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Multi-word names may be passed unquoted.
			term := strings.Join(args, " ")
			return runFetch(cmd, opts, fetchOpts, term)
		},
	}

	fetchCmd.Flags().IntVar(&fetchOpts.maxPages, "max-pages", 0, "maximum number of listing pages to fetch (default scraper.default_max_pages)")
	fetchCmd.Flags().IntVar(&fetchOpts.concurrency, "concurrency", 0, "number of pages fetched at once (default scraper.default_concurrency)")
	fetchCmd.Flags().StringVarP(&fetchOpts.format, "format", "f", formatJSON, "output format: json or yaml")
	fetchCmd.Flags().StringVarP(&fetchOpts.output, "output", "o", "", "write the result to this file instead of stdout")

	return fetchCmd
}

func runFetch(cmd *cobra.Command, opts *rootOptions, fetchOpts *fetchOptions, term string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	collector, err := opts.newCollector(opts.cfg, logger, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	agg, err := collector.Collect(ctx, market.Query{
		Term:        term,
		MaxPages:    fetchOpts.maxPages,
		Concurrency: fetchOpts.concurrency,
	})
	if err != nil {
		return fmt.Errorf("collection failed: %w", err)
	}
	logger.Info("Fetch finished.", zap.Duration("elapsed", time.Since(start)))

	out := cmd.OutOrStdout()
	if fetchOpts.output != "" {
		f, err := os.Create(fetchOpts.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := writeAggregate(out, agg, fetchOpts.format); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if fetchOpts.output != "" {
		logger.Info("Result written.", zap.String("path", fetchOpts.output))
	}
	return nil
}

// writeAggregate encodes agg to w. Numbers decoded from the listing API
// are json.Number values; jsoniter writes them as numbers and Record's
// MarshalYAML does the same for YAML.
func writeAggregate(w io.Writer, agg *market.Aggregate, format string) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(agg); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(agg)
	}
}
