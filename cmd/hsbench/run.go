package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/internal/workload"
	"github.com/moatus/histstore/log"
)

var runFlags struct {
	backends    []string
	dir         string
	keys        int
	versions    int
	valueSize   int
	runs        int
	updateRatio float64
	modifyRatio float64
	verify      bool
	metrics     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Time writes and historical reads on each backend",
	Long: `run writes the same synthetic update history into a fresh store for every
timing run and backend, resolves it back at the newest, recent and oldest
versions, and prints min/median/max timings per test.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	wc := workload.DefaultConfig()
	f := runCmd.Flags()
	f.StringSliceVarP(&runFlags.backends, "backends", "b",
		[]string{histstore.BackendMemtree, histstore.BackendPebble, histstore.BackendBadger, histstore.BackendBolt},
		"backends to run")
	f.StringVar(&runFlags.dir, "dir", "", "scratch directory for on-disk backends (default: a temporary directory)")
	f.IntVar(&runFlags.keys, "keys", wc.NumKeys, "distinct records")
	f.IntVar(&runFlags.versions, "versions", wc.NumVersions, "versions per rewritten record")
	f.IntVar(&runFlags.valueSize, "value-size", wc.ValueSize, "bytes per full value")
	f.IntVar(&runFlags.runs, "runs", wc.NumRuns, "timing runs per test")
	f.Float64Var(&runFlags.updateRatio, "update-ratio", wc.UpdateRatio, "fraction of records rewritten per version")
	f.Float64Var(&runFlags.modifyRatio, "modify-ratio", wc.ModifyRatio, "fraction of rewrites stored as modifies")
	f.BoolVar(&runFlags.verify, "verify", false, "check every resolved value against the generated history first")
	f.StringVar(&runFlags.metrics, "metrics", "", "write prometheus counters for every backend to this file in text format")
	rootCmd.AddCommand(runCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	base, err := loadConfig()
	if err != nil {
		return err
	}
	wc := workload.DefaultConfig()
	wc.NumKeys = runFlags.keys
	wc.NumVersions = runFlags.versions
	wc.ValueSize = runFlags.valueSize
	wc.NumRuns = runFlags.runs
	wc.UpdateRatio = runFlags.updateRatio
	wc.ModifyRatio = runFlags.modifyRatio

	logger := log.L()
	suite, err := workload.NewSuite(wc, logger)
	if err != nil {
		return err
	}

	dir := runFlags.dir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "hsbench-"); err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	for _, backend := range runFlags.backends {
		backend = strings.ToLower(strings.TrimSpace(backend))
		stats := &histstore.CountingSink{}
		var sink histstore.StatsSink = stats
		if runFlags.metrics != "" {
			prom, err := histstore.NewPromSink(prometheus.WrapRegistererWith(prometheus.Labels{"backend": backend}, reg))
			if err != nil {
				return errors.Wrapf(err, "register metrics for %s", backend)
			}
			sink = histstore.Tee(stats, prom)
		}
		open := factory(base, backend, dir, sink)
		if runFlags.verify {
			if err := verify(ctx, suite, open); err != nil {
				return errors.Wrapf(err, "verify %s", backend)
			}
			logger.Info("history verified", zap.String("backend", backend))
		}
		if err := suite.Run(ctx, backend, open); err != nil {
			return err
		}
		logger.Info("backend finished",
			zap.String("backend", backend),
			zap.String("resolves", humanize.Comma(stats.Get(histstore.StatSearch))),
			zap.String("squashes", humanize.Comma(stats.Get(histstore.StatReadSquash))),
			zap.String("positionSkips", humanize.Comma(stats.Get(histstore.StatPositionSkip))))
	}
	suite.Results().PrintSummary(cmd.OutOrStdout(), "History store backends")
	if runFlags.metrics != "" {
		if err := prometheus.WriteToTextfile(runFlags.metrics, reg); err != nil {
			return errors.Wrap(err, "write metrics")
		}
		logger.Info("metrics written", zap.String("path", runFlags.metrics))
	}
	return nil
}

// factory opens stores of one backend, each on-disk store in its own
// directory under dir.
func factory(base histstore.Config, backend, dir string, stats histstore.StatsSink) workload.Factory {
	return func() (*histstore.Store, error) {
		cfg := base
		cfg.Backend = backend
		if backend != histstore.BackendMemtree {
			sub, err := os.MkdirTemp(dir, backend+"-")
			if err != nil {
				return nil, err
			}
			cfg.Path = sub
			if backend == histstore.BackendBolt {
				cfg.Path = filepath.Join(sub, "history.db")
			}
		}
		return histstore.Open(cfg, histstore.WithStats(stats), histstore.WithLogger(log.L()))
	}
}

func verify(ctx context.Context, suite *workload.Suite, open workload.Factory) (err error) {
	st, err := open()
	if err != nil {
		return err
	}
	defer func() { err = errors.CombineErrors(err, st.Close()) }()
	if _, err := suite.Plan().Populate(st); err != nil {
		return err
	}
	return suite.Verify(ctx, st)
}
