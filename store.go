package histstore

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/moatus/histstore/log"
	"github.com/moatus/histstore/ordered"
	"github.com/moatus/histstore/ordered/badgertree"
	"github.com/moatus/histstore/ordered/bolttree"
	"github.com/moatus/histstore/ordered/memtree"
	"github.com/moatus/histstore/ordered/pebbletree"
	"github.com/moatus/histstore/txn"
)

// Store is a history store over one ordered structure.
type Store struct {
	cfg     Config
	tree    ordered.Tree
	stats   StatsSink
	alloc   Allocator
	applier DeltaApplier
	logger  *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithStats routes events to sink.
func WithStats(sink StatsSink) Option { return func(s *Store) { s.stats = sink } }

// WithAllocator sets the scratch allocator.
func WithAllocator(a Allocator) Option { return func(s *Store) { s.alloc = a } }

// WithApplier sets the delta applier.
func WithApplier(a DeltaApplier) Option { return func(s *Store) { s.applier = a } }

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithTree uses tree instead of opening the configured backend. The store
// takes ownership of tree.
func WithTree(tree ordered.Tree) Option { return func(s *Store) { s.tree = tree } }

// Open opens the store described by cfg.
func Open(cfg Config, opts ...Option) (*Store, error) {
	s := &Store{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.L()
	}
	if s.stats == nil {
		s.stats = NopSink
	}
	if s.applier == nil {
		s.applier = DefaultApplier{}
	}
	if s.alloc == nil {
		if cfg.ScratchLimit > 0 {
			s.alloc = NewLimitedAllocator(cfg.ScratchLimit)
		} else {
			s.alloc = PoolAllocator{}
		}
	}
	if s.tree == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		tree, err := openTree(cfg, s.logger)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s history store", cfg.Backend)
		}
		s.tree = tree
	}
	s.logger.Info("history store opened",
		zap.String("backend", s.tree.Name()),
		zap.String("path", cfg.Path))
	return s, nil
}

func openTree(cfg Config, logger *zap.Logger) (ordered.Tree, error) {
	switch cfg.Backend {
	case BackendMemtree, "":
		return memtree.New(nil, cfg.PageEntries), nil
	case BackendPebble:
		return pebbletree.Open(pebbletree.Options{
			Dir:             cfg.Path,
			CacheMB:         cfg.CacheMB,
			Sync:            cfg.Sync,
			BloomBits:       cfg.BloomBits,
			BlockKB:         cfg.BlockKB,
			InlineThreshold: cfg.InlineThreshold,
			BlobCacheMB:     cfg.BlobCacheMB,
			Timestamp:       KeyTimestamp,
			Logger:          logger,
		})
	case BackendBadger:
		return badgertree.Open(badgertree.Options{
			Dir:    cfg.Path,
			Sync:   cfg.Sync,
			Logger: logger,
		})
	case BackendBolt:
		return bolttree.Open(bolttree.Options{
			Path:   cfg.Path,
			Sync:   cfg.Sync,
			Logger: logger,
		})
	}
	return nil, errors.Wrapf(ErrInvalidArgument, "unknown backend %q", cfg.Backend)
}

// Tree returns the underlying ordered structure.
func (s *Store) Tree() ordered.Tree { return s.tree }

// Stats returns the store's stats sink.
func (s *Store) Stats() StatsSink { return s.stats }

// NewCursor opens a cursor reading under t, which may be nil.
func (s *Store) NewCursor(t *txn.Txn) (*Cursor, error) {
	return newCursor(s.tree, t, s.stats)
}

// Resolver returns a resolver sharing the store's collaborators.
func (s *Store) Resolver() *Resolver {
	return &Resolver{
		store:   s,
		stats:   s.stats,
		alloc:   s.alloc,
		applier: s.applier,
		logger:  s.logger,
	}
}

// Resolve is shorthand for s.Resolver().Resolve(t, req).
func (s *Store) Resolve(t *txn.Txn, req ResolveRequest) (UpdateValue, error) {
	return s.Resolver().Resolve(t, req)
}

// Insert writes rec under k on behalf of writer.
func (s *Store) Insert(k Key, rec Record, writer uint64) (err error) {
	c, err := s.NewCursor(nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	c.SetKey(k.TableID, k.RecordKey, k.Timestamp, k.Counter)
	if _, err := PositionAt(c, c.SearchKey(), true); err != nil {
		return err
	}
	return ApplyDirect(c, Update{Txn: writer, Record: rec})
}

// Close closes the ordered structure.
func (s *Store) Close() error {
	s.logger.Info("history store closed", zap.String("backend", s.tree.Name()))
	return structural(s.tree.Close(), "close")
}
