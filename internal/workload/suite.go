package workload

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/txn"
)

// Config sizes a workload.
type Config struct {
	NumKeys     int     // distinct records
	NumVersions int     // versions written per updated record
	ValueSize   int     // bytes per full value
	UpdateRatio float64 // fraction of records rewritten per version
	ModifyRatio float64 // fraction of rewrites stored as modifies
	NumRuns     int     // timing runs per test
	TableID     uint32
	Seed        int64
}

// DefaultConfig returns a quick configuration, overridable through HSBENCH_*
// environment variables.
func DefaultConfig() Config {
	cfg := Config{
		NumKeys:     10000,
		NumVersions: 50,
		ValueSize:   1024,
		UpdateRatio: 0.05,
		ModifyRatio: 0.8,
		NumRuns:     5,
		TableID:     1,
		Seed:        12345,
	}
	if n, ok := envPositive("HSBENCH_KEYS"); ok {
		cfg.NumKeys = n
	}
	if n, ok := envPositive("HSBENCH_VERSIONS"); ok {
		cfg.NumVersions = n
	}
	if n, ok := envPositive("HSBENCH_VALUE_SIZE"); ok {
		cfg.ValueSize = n
	}
	if n, ok := envPositive("HSBENCH_RUNS"); ok {
		cfg.NumRuns = n
	}
	if f, ok := envFraction("HSBENCH_UPDATE_RATIO"); ok {
		cfg.UpdateRatio = f
	}
	if f, ok := envFraction("HSBENCH_MODIFY_RATIO"); ok {
		cfg.ModifyRatio = f
	}
	return cfg
}

func envPositive(name string) (int, bool) {
	n, err := strconv.Atoi(os.Getenv(name))
	return n, err == nil && n > 0
}

func envFraction(name string) (float64, bool) {
	f, err := strconv.ParseFloat(os.Getenv(name), 64)
	return f, err == nil && f >= 0 && f <= 1
}

// Validate rejects configurations the plan cannot be built from.
func (c Config) Validate() error {
	switch {
	case c.NumKeys <= 0:
		return errors.Newf("workload: %d keys", c.NumKeys)
	case c.NumVersions <= 0:
		return errors.Newf("workload: %d versions", c.NumVersions)
	case c.ValueSize < 0:
		return errors.Newf("workload: value size %d", c.ValueSize)
	case c.UpdateRatio < 0 || c.UpdateRatio > 1:
		return errors.Newf("workload: update ratio %v", c.UpdateRatio)
	case c.ModifyRatio < 0 || c.ModifyRatio > 1:
		return errors.Newf("workload: modify ratio %v", c.ModifyRatio)
	case c.NumRuns <= 0:
		return errors.Newf("workload: %d runs", c.NumRuns)
	}
	return nil
}

// Factory opens an empty store for one run.
type Factory func() (*histstore.Store, error)

// Suite runs every test of the workload against store factories.
type Suite struct {
	cfg     Config
	plan    *Plan
	hot     [][]byte
	results *Results
	logger  *zap.Logger
}

// NewSuite generates the plan for cfg.
func NewSuite(cfg Config, logger *zap.Logger) (*Suite, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	plan := NewPlan(cfg)
	return &Suite{
		cfg:     cfg,
		plan:    plan,
		hot:     HotKeys(plan.Keys),
		results: NewResults(),
		logger:  logger,
	}, nil
}

func (s *Suite) Plan() *Plan       { return s.plan }
func (s *Suite) Results() *Results { return s.results }
func (s *Suite) Config() Config    { return s.cfg }

// Run times every test against stores from open and records the results
// under backend.
func (s *Suite) Run(ctx context.Context, backend string, open Factory) error {
	s.logger.Info("running workload",
		zap.String("backend", backend),
		zap.Int("keys", s.cfg.NumKeys),
		zap.Int("versions", s.cfg.NumVersions),
		zap.Int("valueSize", s.cfg.ValueSize))

	tests := []struct {
		name     string
		populate bool
		fn       func(*histstore.Store, int) (int, error)
	}{
		{"Write", false, s.write},
		{"Latest", true, s.latest},
		{"Historical", true, s.historical},
		{"Genesis", true, s.genesis},
	}
	for _, t := range tests {
		if err := s.measure(ctx, backend, t.name, open, t.populate, t.fn); err != nil {
			return errors.Wrapf(err, "%s/%s", backend, t.name)
		}
	}
	return nil
}

func (s *Suite) measure(
	ctx context.Context, backend, test string, open Factory, populate bool,
	fn func(*histstore.Store, int) (int, error),
) error {
	times := make([]time.Duration, 0, s.cfg.NumRuns)
	allocs := make([]int64, 0, s.cfg.NumRuns)
	allocBytes := make([]int64, 0, s.cfg.NumRuns)
	ops := 0

	for run := 0; run < s.cfg.NumRuns; run++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := open()
		if err != nil {
			return err
		}
		if populate {
			if _, err := s.plan.Populate(st); err != nil {
				return errors.CombineErrors(err, st.Close())
			}
		}

		var ms1, ms2 runtime.MemStats
		runtime.ReadMemStats(&ms1)
		start := time.Now()
		n, err := fn(st, run)
		elapsed := time.Since(start)
		runtime.ReadMemStats(&ms2)
		if err = errors.CombineErrors(err, st.Close()); err != nil {
			return err
		}

		ops = n
		times = append(times, elapsed)
		allocs = append(allocs, int64(ms2.Mallocs-ms1.Mallocs))
		allocBytes = append(allocBytes, int64(ms2.TotalAlloc-ms1.TotalAlloc))
		s.logger.Debug("run finished",
			zap.String("backend", backend),
			zap.String("test", test),
			zap.Int("run", run),
			zap.Duration("elapsed", elapsed))
	}

	lo, med, hi := CalculateStats(times)
	s.results.Add(Result{
		Backend:    backend,
		Test:       test,
		Ops:        ops,
		TimeMin:    lo,
		TimeMedian: med,
		TimeMax:    hi,
		Allocs:     MedianInt64(allocs),
		Bytes:      MedianInt64(allocBytes),
	})
	return nil
}

func (s *Suite) write(st *histstore.Store, _ int) (int, error) {
	return s.plan.Populate(st)
}

func (s *Suite) resolve(st *histstore.Store, key []byte, ts uint64) (histstore.UpdateValue, error) {
	return st.Resolve(nil, histstore.ResolveRequest{
		TableID:       s.plan.TableID,
		Key:           key,
		Format:        histstore.FormatRaw,
		ReadTimestamp: ts,
	})
}

// latest reads hot and rewritten keys at the newest version, plus a few
// records that were never written.
func (s *Suite) latest(st *histstore.Store, run int) (int, error) {
	keys := make([][]byte, 0, len(s.hot)+s.plan.Updated)
	keys = append(keys, s.hot...)
	keys = append(keys, s.plan.Keys[:s.plan.Updated]...)
	for i := 0; i < max(1, len(keys)/20); i++ {
		keys = append(keys, []byte(fmt.Sprintf("missing_%d", i)))
	}
	rng := rand.New(rand.NewSource(int64(98765 + run)))
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	for _, k := range keys {
		if _, err := s.resolve(st, k, histstore.TSNone); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// historical reads every key at a mix of recent and random versions, landing
// between commits half of the time.
func (s *Suite) historical(st *histstore.Store, run int) (int, error) {
	rng := rand.New(rand.NewSource(int64(77777 + run)))
	latest := s.cfg.NumVersions
	for _, k := range s.plan.Keys {
		var v int
		switch p := rng.Float64(); {
		case p < 0.5:
			v = max(latest-1, 1)
		case p < 0.8:
			v = max(latest-10, 1)
		default:
			v = 1 + rng.Intn(latest)
		}
		ts := Timestamp(v) + uint64(rng.Intn(2))*5
		if _, err := s.resolve(st, k, ts); err != nil {
			return 0, err
		}
	}
	return len(s.plan.Keys), nil
}

// genesis reads the rewritten keys as of the first version, past their whole
// history.
func (s *Suite) genesis(st *histstore.Store, _ int) (int, error) {
	for _, k := range s.plan.Keys[:s.plan.Updated] {
		if _, err := s.resolve(st, k, Timestamp(1)); err != nil {
			return 0, err
		}
	}
	return s.plan.Updated, nil
}

// Verify resolves every record at every version, between versions and before
// the first one, and compares against the plan.
func (s *Suite) Verify(ctx context.Context, st *histstore.Store) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range s.plan.Keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.verifyKey(st, i)
		})
	}
	return g.Wait()
}

func (s *Suite) verifyKey(st *histstore.Store, i int) error {
	key := s.plan.Keys[i]
	check := func(ts uint64) error {
		uv, err := s.resolve(st, key, ts)
		if err != nil {
			return err
		}
		want, ok := s.plan.Expected(i, ts)
		if uv.Found() != ok {
			return errors.Newf("workload: %q at %d: found=%t, want %t", key, ts, uv.Found(), ok)
		}
		if ok && !bytes.Equal(uv.Payload, want) {
			return errors.Newf("workload: %q at %d: value mismatch", key, ts)
		}
		if ok && uv.TimeWindow.StartTxn != txn.TxnNone {
			return errors.Newf("workload: %q at %d: start txn %d", key, ts, uv.TimeWindow.StartTxn)
		}
		return nil
	}
	if err := check(Timestamp(1) - 1); err != nil {
		return err
	}
	for v := 1; v <= s.plan.lastVersion(i); v++ {
		if err := check(Timestamp(v)); err != nil {
			return err
		}
		if err := check(Timestamp(v) + 5); err != nil {
			return err
		}
	}
	return check(histstore.TSNone)
}
