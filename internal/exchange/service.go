package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxTxAttempts   = 5
	DefaultRetryDelay      = 50 * time.Millisecond
	DefaultChunkSize       = 400
	DefaultPublishDebounce = 2 * time.Second

	maxRetryDelay = 1200 * time.Millisecond
)

// Metrics receives engine events. internal/metrics provides the Prometheus
// implementation.
type Metrics interface {
	TradeExecuted(side Side, qty, total int64)
	TradeRejected(code string)
	VoteCast(category VoteCategory)
	TxRetried(op string)
	ProfilePublished(err error)
	BulkChunk(job string, updated int, err error)
}

type nopMetrics struct{}

func (nopMetrics) TradeExecuted(Side, int64, int64) {}
func (nopMetrics) TradeRejected(string)             {}
func (nopMetrics) VoteCast(VoteCategory)            {}
func (nopMetrics) TxRetried(string)                 {}
func (nopMetrics) ProfilePublished(error)           {}
func (nopMetrics) BulkChunk(string, int, error)     {}

type Options struct {
	MaxTxAttempts   int
	RetryDelay      time.Duration
	ChunkSize       int
	PublishDebounce time.Duration
	StarterCash     int64
	Now             func() time.Time
	Metrics         Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxTxAttempts <= 0 {
		o.MaxTxAttempts = DefaultMaxTxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PublishDebounce <= 0 {
		o.PublishDebounce = DefaultPublishDebounce
	}
	if o.StarterCash <= 0 {
		o.StarterCash = StarterCash
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

type Service struct {
	store   Store
	log     *slog.Logger
	opts    Options
	metrics Metrics
	locks   *keyedMutex
	changes *Changes
	pub     *Publisher
}

func NewService(store Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	s := &Service{
		store:   store,
		log:     logger,
		opts:    opts,
		metrics: opts.Metrics,
		locks:   newKeyedMutex(),
		changes: NewChanges(defaultChangeBuffer),
	}
	s.pub = newPublisher(s, opts.PublishDebounce)
	return s
}

func (s *Service) Changes() *Changes { return s.changes }

func (s *Service) Publisher() *Publisher { return s.pub }

// Close stops pending profile publishes.
func (s *Service) Close() {
	s.pub.Close()
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// runTx runs fn in a store transaction, retrying the whole closure with
// fresh reads while the store reports write conflicts.
func (s *Service) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	retryDelay := s.opts.RetryDelay
	for attempt := 0; attempt < s.opts.MaxTxAttempts; attempt++ {
		err := s.store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
		if attempt == s.opts.MaxTxAttempts-1 {
			break
		}
		s.metrics.TxRetried(op)
		s.log.Debug("transaction conflict, retrying", "op", op, "attempt", attempt+1)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	s.log.Warn("transaction retries exhausted", "op", op, "attempts", s.opts.MaxTxAttempts)
	return ErrTransactionConflict
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
