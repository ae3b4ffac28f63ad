package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"roomsync/internal/metrics"
)

// ErrSaveDeferred reports that a snapshot was handed to the background retry
// loop instead of being written before Save returned.
var ErrSaveDeferred = errors.New("snapshot save deferred to background retry")

type RetryOptions struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MinDelay <= 0 {
		o.MinDelay = 500 * time.Millisecond
	}
	if o.MaxDelay < o.MinDelay {
		o.MaxDelay = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

type pendingSave struct {
	data []byte
}

// RetryingStore decorates a Store so that a failed Save is still reported to
// the caller but keeps being retried in the background. Until a retry lands,
// Load serves the unsaved bytes so a reopened room restores the newest state.
// Saves for the same room code never run concurrently, so an older retry
// cannot overwrite a newer snapshot.
type RetryingStore struct {
	inner Store
	log   *zap.Logger
	opts  RetryOptions

	mu       sync.Mutex
	pending  map[string]*pendingSave
	retrying map[string]bool
	keyLocks map[string]*keyLock

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewRetryingStore(inner Store, log *zap.Logger, opts RetryOptions) *RetryingStore {
	return &RetryingStore{
		inner:    inner,
		log:      log,
		opts:     opts.withDefaults(),
		pending:  make(map[string]*pendingSave),
		retrying: make(map[string]bool),
		keyLocks: make(map[string]*keyLock),
		done:     make(chan struct{}),
	}
}

func (s *RetryingStore) Load(ctx context.Context, roomCode string) ([]byte, error) {
	s.mu.Lock()
	p, ok := s.pending[roomCode]
	s.mu.Unlock()
	if ok {
		return append([]byte(nil), p.data...), nil
	}
	return s.inner.Load(ctx, roomCode)
}

// Save writes data through to the inner store. When a background retry for
// the same room is mid-write, Save does not wait for it: data replaces the
// pending snapshot, the retry loop writes it next and ErrSaveDeferred is
// returned.
func (s *RetryingStore) Save(ctx context.Context, roomCode string, data []byte) error {
	unlock, ok := s.acquire(roomCode, false)
	if !ok {
		s.mu.Lock()
		s.queueLocked(roomCode, data)
		s.mu.Unlock()
		return ErrSaveDeferred
	}
	defer unlock()

	s.mu.Lock()
	prev := s.pending[roomCode]
	s.mu.Unlock()

	err := s.inner.Save(ctx, roomCode, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if s.pending[roomCode] == prev {
			delete(s.pending, roomCode)
		}
		return nil
	}
	if s.pending[roomCode] == prev {
		s.queueLocked(roomCode, data)
	}
	return err
}

// queueLocked makes data the pending snapshot for roomCode and starts a
// retry loop if none is running. Callers hold s.mu.
func (s *RetryingStore) queueLocked(roomCode string, data []byte) {
	s.pending[roomCode] = &pendingSave{data: append([]byte(nil), data...)}
	if s.retrying[roomCode] {
		return
	}
	select {
	case <-s.done:
	default:
		s.retrying[roomCode] = true
		s.wg.Add(1)
		go s.retry(roomCode)
	}
}

// Pending reports whether a snapshot for roomCode is waiting to be retried.
func (s *RetryingStore) Pending(roomCode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[roomCode]
	return ok
}

// Close stops background retries. Snapshots still pending are dropped.
func (s *RetryingStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *RetryingStore) retry(roomCode string) {
	defer s.wg.Done()

	var (
		current  *pendingSave
		attempts int
		b        = &backoff.Backoff{Min: s.opts.MinDelay, Max: s.opts.MaxDelay, Factor: 2, Jitter: true}
	)
	for {
		s.mu.Lock()
		p, ok := s.pending[roomCode]
		if !ok {
			delete(s.retrying, roomCode)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if p != current {
			current, attempts = p, 0
			b.Reset()
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		attempts++
		saved, err := s.attempt(roomCode, current)
		if err == nil {
			if saved {
				metrics.SnapshotRetries.WithLabelValues("success").Inc()
				s.log.Info("snapshot retry succeeded", zap.String("room", roomCode), zap.Int("attempt", attempts))
			}
			continue
		}
		metrics.SnapshotRetries.WithLabelValues("failure").Inc()
		s.log.Warn("snapshot retry failed", zap.String("room", roomCode), zap.Int("attempt", attempts), zap.Error(err))
		if attempts < s.opts.MaxAttempts {
			continue
		}

		s.mu.Lock()
		if s.pending[roomCode] == current {
			delete(s.pending, roomCode)
		}
		s.mu.Unlock()
		metrics.SnapshotRetries.WithLabelValues("abandoned").Inc()
		s.log.Error("snapshot dropped after retries",
			zap.String("room", roomCode),
			zap.Int("attempts", attempts),
			zap.Int("bytes", len(current.data)))
	}
}

// attempt saves p unless a newer Save already replaced or cleared it, in
// which case it reports (false, nil).
func (s *RetryingStore) attempt(roomCode string, p *pendingSave) (bool, error) {
	unlock, _ := s.acquire(roomCode, true)
	defer unlock()

	s.mu.Lock()
	stillPending := s.pending[roomCode] == p
	s.mu.Unlock()
	if !stillPending {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	if err := s.inner.Save(ctx, roomCode, p.data); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.pending[roomCode] == p {
		delete(s.pending, roomCode)
	}
	s.mu.Unlock()
	return true, nil
}

// acquire takes the per-room write lock. Without wait it reports false
// instead of blocking when the lock is held.
func (s *RetryingStore) acquire(roomCode string, wait bool) (func(), bool) {
	s.mu.Lock()
	kl, ok := s.keyLocks[roomCode]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.keyLocks[roomCode] = kl
	}
	kl.refs++
	s.mu.Unlock()

	if wait {
		kl.sem <- struct{}{}
	} else {
		select {
		case kl.sem <- struct{}{}:
		default:
			s.release(roomCode, kl, false)
			return nil, false
		}
	}
	return func() { s.release(roomCode, kl, true) }, true
}

func (s *RetryingStore) release(roomCode string, kl *keyLock, held bool) {
	if held {
		<-kl.sem
	}
	s.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.keyLocks, roomCode)
	}
	s.mu.Unlock()
}
