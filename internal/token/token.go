// Package token issues single-use download tokens for artifacts.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/image_toolkit/internal/artifact"
	"github.com/italolelis/image_toolkit/internal/clock"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/periodic"
	"github.com/italolelis/image_toolkit/internal/telemetry"
)

const (
	// DefaultTTL is how long an issued token can be consumed.
	DefaultTTL = 2 * time.Minute

	DefaultSweepInterval = time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenUsed    = errors.New("token already used")
)

// Entry is a token together with a snapshot of the artifact it unlocks.
// The snapshot outlives the record, though the backing file may not.
type Entry struct {
	Token       string
	ArtifactID  string
	Location    string
	DisplayName string
	MediaType   string
	CreatedAt   time.Time
	Consumed    bool
}

// Service keeps issued tokens in memory.
type Service struct {
	mu      sync.Mutex
	entries map[string]*Entry

	ttl       time.Duration
	clock     clock.Clock
	telemetry *telemetry.Telemetry
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for issue times and expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithTelemetry records token activity.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Service) { s.telemetry = t }
}

func NewService(ttl time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &Service{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		clock:   clock.Real{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TTL returns how long tokens stay valid.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue creates an unconsumed token for rec. Issuing twice for the same
// record yields two independent tokens.
func (s *Service) Issue(rec artifact.Record) Entry {
	e := &Entry{
		Token:       uuid.NewString(),
		ArtifactID:  rec.ID,
		Location:    rec.Location,
		DisplayName: rec.DisplayName,
		MediaType:   rec.MediaType,
		CreatedAt:   s.clock.Now(),
	}

	s.mu.Lock()
	s.entries[e.Token] = e
	s.mu.Unlock()

	s.telemetry.RecordTokenIssued()

	return *e
}

// Consume marks the token as used and returns its snapshot. The check and
// the transition happen under one lock, so a token authorizes at most one
// download. Expired tokens are removed as a side effect.
func (s *Service) Consume(token string) (Entry, error) {
	entry, err := s.consume(token)

	result := "ok"

	switch {
	case errors.Is(err, ErrInvalidToken):
		result = "invalid"
	case errors.Is(err, ErrTokenExpired):
		result = "expired"
	case errors.Is(err, ErrTokenUsed):
		result = "used"
	}

	s.telemetry.RecordTokenConsumption(result)

	return entry, err
}

func (s *Service) consume(token string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Entry{}, ErrInvalidToken
	}

	if s.expired(e, s.clock.Now()) {
		delete(s.entries, token)

		return Entry{}, ErrTokenExpired
	}

	if e.Consumed {
		return Entry{}, ErrTokenUsed
	}

	e.Consumed = true

	return *e, nil
}

// Delete removes the token unconditionally.
func (s *Service) Delete(token string) {
	s.mu.Lock()
	delete(s.entries, token)
	s.mu.Unlock()
}

// RevokeArtifact removes every token bound to artifactID and returns how
// many were removed.
func (s *Service) RevokeArtifact(artifactID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for token, e := range s.entries {
		if e.ArtifactID == artifactID {
			delete(s.entries, token)
			n++
		}
	}

	return n
}

// Sweep removes every entry older than the TTL, consumed or not.
func (s *Service) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int

	for token, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, token)
			n++
		}
	}

	return n
}

// Len returns the number of tracked tokens.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// falls back to DefaultSweepInterval.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	periodic.Run(ctx, "token_sweep", interval, false, func(ctx context.Context) error {
		_, err := s.telemetry.InstrumentSweep(ctx, "tokens", func(ctx context.Context) (int, error) {
			removed := s.Sweep()
			if removed > 0 {
				logctx.LoggerFromContext(ctx).DebugContext(ctx, "expired download tokens removed", "count", removed)
			}

			return removed, nil
		})

		return err
	})
}

// ReleaseHook adapts RevokeArtifact to artifact.Store.OnRelease.
func (s *Service) ReleaseHook(_ context.Context, rec artifact.Record) {
	s.RevokeArtifact(rec.ID)
}

func (s *Service) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > s.ttl
}
