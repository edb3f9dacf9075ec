// Package scheduler runs durable delayed tasks. An entry becomes due after
// its delay; the scheduler claims it with a lease, invokes the handler
// registered for its kind and removes it only once the handler succeeds. A
// crashed or failing handler leaves the entry to be claimed again when the
// lease expires.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("schedule entry not found")

const (
	dueKey      = "gas:schedule:due"
	entriesKey  = "gas:schedule:entries"
	attemptsKey = "gas:schedule:attempts"

	claimBatch = 50
)

// Entry is one scheduled task.
type Entry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	DueAt       time.Time       `json:"due_at"`
	Attempts    int             `json:"attempts"`
}

// Handler processes a due entry. Returning nil removes the entry.
type Handler func(ctx context.Context, e Entry) error

// claimScript leases up to ARGV[3] entries due at ARGV[1] until ARGV[2] and
// bumps their attempt counters.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[2], id)
	local n = redis.call('HINCRBY', KEYS[3], id, 1)
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		table.insert(out, body)
		table.insert(out, n)
	else
		redis.call('ZREM', KEYS[1], id)
		redis.call('HDEL', KEYS[3], id)
	end
end
return out
`)

type Config struct {
	PollInterval time.Duration
	Lease        time.Duration
}

// Scheduler stores entries in a Redis sorted set scored by due time.
type Scheduler struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// SetClock overrides the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Handle registers fn for entries of kind.
func (s *Scheduler) Handle(kind string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Schedule persists a new entry that becomes due after delay.
func (s *Scheduler) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := s.now().UTC()
	e := &Entry{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		ScheduledAt: now,
		DueAt:       now.Add(delay),
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entriesKey, e.ID, body)
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(e.DueAt.UnixMilli()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", kind, err)
	}
	return e, nil
}

// Get returns a stored entry with its current attempt count.
func (s *Scheduler) Get(ctx context.Context, id string) (*Entry, error) {
	body, err := s.client.HGet(ctx, entriesKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	n, err := s.client.HGet(ctx, attemptsKey, id).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	e.Attempts = n
	return &e, nil
}

// Cancel removes an entry whether or not it is due.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, dueKey, id)
	pipe.HDel(ctx, entriesKey, id)
	pipe.HDel(ctx, attemptsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel entry: %w", err)
	}
	return nil
}

// Pending reports how many entries are stored, due or not.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, dueKey).Result()
}

// Run polls for due entries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := jitterbug.New(s.cfg.PollInterval, &jitterbug.Norm{Stdev: s.cfg.PollInterval / 10})
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval, "lease", s.cfg.Lease)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler poll failed", "error", err)
		}
	}
}

// RunDue claims every entry due now and runs its handler. It returns how
// many entries completed.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	done := 0
	for {
		entries, err := s.claim(ctx)
		if err != nil {
			return done, err
		}
		for _, e := range entries {
			if s.dispatch(ctx, e) {
				done++
			}
		}
		if len(entries) < claimBatch {
			return done, nil
		}
	}
}

func (s *Scheduler) claim(ctx context.Context) ([]Entry, error) {
	now := s.now()
	res, err := claimScript.Run(ctx, s.client, []string{dueKey, entriesKey, attemptsKey},
		now.UnixMilli(), now.Add(s.cfg.Lease).UnixMilli(), claimBatch).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}

	entries := make([]Entry, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		body, _ := res[i].(string)
		attempts, _ := res[i+1].(int64)
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			s.logger.Error("dropping undecodable schedule entry", "error", err)
			continue
		}
		e.Attempts = int(attempts)
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Scheduler) dispatch(ctx context.Context, e Entry) bool {
	log := s.logger.With("entry_id", e.ID, "kind", e.Kind, "attempts", e.Attempts)

	s.mu.RLock()
	fn, ok := s.handlers[e.Kind]
	s.mu.RUnlock()
	if !ok {
		log.Error("no handler for schedule entry; leaving it for a later claim")
		return false
	}

	if err := fn(ctx, e); err != nil {
		log.Warn("schedule entry failed; will retry after lease", "error", err)
		return false
	}
	if err := s.Cancel(ctx, e.ID); err != nil {
		log.Error("failed to remove completed schedule entry", "error", err)
		return false
	}
	log.Debug("schedule entry completed", "scheduled_at", e.ScheduledAt, "due_at", e.DueAt)
	return true
}
