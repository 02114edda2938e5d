// Package artifact tracks processed outputs waiting to be downloaded.
package artifact

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/image_toolkit/internal/clock"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/periodic"
	"github.com/italolelis/image_toolkit/internal/telemetry"
	"github.com/spf13/afero"
)

const (
	// DefaultTTL is how long a record stays downloadable.
	DefaultTTL = 10 * time.Minute

	DefaultSweepInterval = 5 * time.Minute
)

// Record describes one processed output pending download. Records are
// immutable; the store hands out copies.
type Record struct {
	ID          string
	Location    string // backing file, owned by the store while the record exists
	DisplayName string
	MediaType   string
	Size        int64
	CreatedAt   time.Time
}

// ReleaseFunc is notified after a record has been released.
type ReleaseFunc func(ctx context.Context, rec Record)

// Store maps artifact ids to records. Releasing a record, whether explicitly
// or through expiry, also deletes its backing file.
type Store struct {
	mu        sync.Mutex
	records   map[string]Record
	onRelease []ReleaseFunc

	fs        afero.Fs
	ttl       time.Duration
	clock     clock.Clock
	telemetry *telemetry.Telemetry
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for creation times and expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithTelemetry records store activity.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Store) { s.telemetry = t }
}

// NewStore creates a store whose backing files live on fsys.
func NewStore(fsys afero.Fs, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Store{
		records: make(map[string]Record),
		fs:      fsys,
		ttl:     ttl,
		clock:   clock.Real{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TTL returns how long records stay downloadable.
func (s *Store) TTL() time.Duration { return s.ttl }

// OnRelease registers fn to be called for every released record.
func (s *Store) OnRelease(fn ReleaseFunc) {
	s.mu.Lock()
	s.onRelease = append(s.onRelease, fn)
	s.mu.Unlock()
}

// Create registers a new record for the file at location.
func (s *Store) Create(location, displayName, mediaType string, size int64) Record {
	rec := Record{
		ID:          uuid.NewString(),
		Location:    location,
		DisplayName: displayName,
		MediaType:   mediaType,
		Size:        size,
		CreatedAt:   s.clock.Now(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()

	s.telemetry.RecordArtifactCreated()

	return rec
}

// Get returns the record for id. Records past their TTL read as absent even
// before the sweep has removed them.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || s.expired(rec, s.clock.Now()) {
		return Record{}, false
	}

	return rec, true
}

// Delete releases the record and deletes its backing file. It reports
// whether a record was removed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	s.release(ctx, rec, "deleted")

	return true
}

// Sweep releases every record older than the TTL and returns how many it
// removed. File deletion is best-effort: failures are logged, not returned.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.clock.Now()

	var expired []Record

	s.mu.Lock()
	for id, rec := range s.records {
		if s.expired(rec, now) {
			delete(s.records, id)
			expired = append(expired, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range expired {
		s.release(ctx, rec, "expired")
	}

	return len(expired)
}

// Len returns the number of tracked records, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// falls back to DefaultSweepInterval.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	periodic.Run(ctx, "artifact_sweep", interval, false, func(ctx context.Context) error {
		_, err := s.telemetry.InstrumentSweep(ctx, "artifacts", func(ctx context.Context) (int, error) {
			removed := s.Sweep(ctx)
			if removed > 0 {
				logctx.LoggerFromContext(ctx).InfoContext(ctx, "expired artifacts released", "count", removed)
			}

			return removed, nil
		})

		return err
	})
}

func (s *Store) expired(rec Record, now time.Time) bool {
	return now.Sub(rec.CreatedAt) > s.ttl
}

// release runs outside the lock: the record is already unreachable, so the
// file and the subscribers can be handled without blocking other callers.
func (s *Store) release(ctx context.Context, rec Record, reason string) {
	logger := logctx.LoggerFromContext(ctx)

	if rec.Location != "" {
		if err := s.fs.Remove(rec.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WarnContext(ctx, "failed to delete artifact file", "artifact_id", rec.ID, "file", rec.Location, "err", err)
		}
	}

	logger.DebugContext(ctx, "artifact released", "artifact_id", rec.ID, "reason", reason)
	s.telemetry.RecordArtifactReleased(reason)

	s.mu.Lock()
	subscribers := append([]ReleaseFunc(nil), s.onRelease...)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(ctx, rec)
	}
}
