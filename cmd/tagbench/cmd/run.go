package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/tagfabric-go/client"
	"github.com/rocketbitz/tagfabric-go/internal/bench"
	"github.com/rocketbitz/tagfabric-go/internal/config"
)

type runOptions struct {
	mode        string
	minSize     int
	maxSize     int
	pairs       int
	iterations  int
	dumpMetrics bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a transfer pattern over doubling message sizes",
		Long: `Replay one transfer pattern for every size from --min to --max, doubling
each step. Sends are posted before their receives so every message crosses
the receiver's unexpected list. Each pair runs on its own fabric in parallel.

Modes: tsend, tsendv, tsendmsg, tsenddata, trecvv, trecvmsg, tinject, client.

Examples:
  tagbench run --mode tsend --max 65536
  tagbench run --mode client --pairs 4 --metrics
  tagbench run --mode tinject -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(config.Options{
				Mode:    opts.mode,
				MinSize: opts.minSize,
				MaxSize: opts.maxSize,
				Pairs:   opts.pairs,
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if opts.iterations > 0 {
				cfg.Bench.Iterations = opts.iterations
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBench(ctx, cmd.OutOrStdout(), root.outputFormat, cfg, logger, opts.dumpMetrics)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Transfer pattern (default from config: tsend)")
	cmd.Flags().IntVar(&opts.minSize, "min", 0, "Smallest message size in bytes")
	cmd.Flags().IntVar(&opts.maxSize, "max", 0, "Largest message size in bytes")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 0, "Endpoint pairs to run in parallel")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 0, "Transfers per size")
	cmd.Flags().BoolVar(&opts.dumpMetrics, "metrics", false, "Print client metrics in Prometheus text format (client mode)")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, format string, cfg *config.Config, logger *zap.Logger, dumpMetrics bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := prometheus.NewRegistry()
	metrics, err := client.NewPrometheusMetrics(client.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	logger.Info("bench starting",
		zap.String("mode", cfg.Bench.Mode),
		zap.Int("min", cfg.Bench.MinSize),
		zap.Int("max", cfg.Bench.MaxSize),
		zap.Int("pairs", cfg.Bench.Pairs),
	)
	results, err := bench.New(cfg, logger, bench.WithMetrics(metrics)).Run(ctx)
	if err != nil {
		logger.Error("bench failed", zap.Error(err))
		return err
	}
	logger.Info("bench finished", zap.Int("results", len(results)))

	if done, err := writeStructured(out, format, results); done {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "PAIR\tMODE\tSIZE\tPATH\tITER\tELAPSED\tMB/s\t")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%.2f\t\n",
			r.Pair, r.Mode, r.Size, r.Path, r.Iterations, r.Elapsed, r.Throughput()/1e6)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !dumpMetrics {
		return nil
	}
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
