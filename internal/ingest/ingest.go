package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexuscrm/usagewatch/internal/idgen"
	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/retry"
	"github.com/nexuscrm/usagewatch/internal/syncutil"
	"github.com/nexuscrm/usagewatch/internal/traces"
	"github.com/nexuscrm/usagewatch/internal/usage"
)

var ErrAgentNotAllowed = errors.New("ingest: agent not allowed for tier")

// RetryAfterSeconds is advertised to the platform for dead-lettered events.
const RetryAfterSeconds = 60

const followUpTimeout = 30 * time.Second

// UsageChecker re-evaluates a user's monthly usage after an event lands.
type UsageChecker interface {
	CheckUserUsage(ctx context.Context, userID string) error
}

// Broadcaster publishes stored events to the live feed.
type Broadcaster interface {
	BroadcastUsage(ev *usage.Event) int
}

// Escalator raises an operational message to humans.
type Escalator interface {
	Escalate(ctx context.Context, text string) error
}

// Result describes what happened to an accepted event.
type Result struct {
	EventID      string
	DeadLettered bool
	RetryAfter   int
}

// Ingestor stores usage events and fans out the follow-up work.
type Ingestor struct {
	store       usage.Store
	deadLetters DeadLetterStore
	policy      retry.Policy
	checker     UsageChecker
	broadcaster Broadcaster
	escalator   Escalator
	locks       *syncutil.KeyLock
	logger      *slog.Logger
	now         func() time.Time

	wg sync.WaitGroup
}

// Option configures an Ingestor.
type Option func(*Ingestor)

func WithRetryPolicy(p retry.Policy) Option { return func(in *Ingestor) { in.policy = p } }
func WithUsageChecker(c UsageChecker) Option { return func(in *Ingestor) { in.checker = c } }
func WithBroadcaster(b Broadcaster) Option { return func(in *Ingestor) { in.broadcaster = b } }
func WithEscalator(e Escalator) Option { return func(in *Ingestor) { in.escalator = e } }
func WithClock(now func() time.Time) Option { return func(in *Ingestor) { in.now = now } }
func WithDeadLetters(s DeadLetterStore) Option { return func(in *Ingestor) { in.deadLetters = s } }

// NewIngestor creates an ingestor writing to store.
func NewIngestor(store usage.Store, logger *slog.Logger, opts ...Option) *Ingestor {
	in := &Ingestor{
		store:       store,
		deadLetters: NewMemoryDeadLetters(),
		policy:      retry.DefaultPolicy(),
		locks:       syncutil.NewKeyLock(0),
		logger:      logger.With("component", "ingest"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest checks the tier allowance and stores ev. Storage failures that
// outlast the retry policy are dead-lettered and reported in the Result
// rather than as an error.
func (in *Ingestor) Ingest(ctx context.Context, ev *usage.Event) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.Ingest", traces.UserID(ev.UserID), traces.AgentID(ev.AgentID))
	var err error
	defer func() { traces.End(span, err) }()

	if !usage.LimitsFor(ev.Tier).AllowsAgent(ev.AgentID) {
		metrics.UsageEventsTotal.WithLabelValues("rejected").Inc()
		err = fmt.Errorf("%w: agent %s not allowed for tier %s", ErrAgentNotAllowed, ev.AgentID, ev.Tier)
		return Result{}, err
	}
	if !usage.KnownAgent(ev.AgentID) {
		in.logger.Warn("unrecognized agent", "agent_id", ev.AgentID, "user_id", ev.UserID)
	}
	if ev.ID == "" {
		ev.ID = idgen.Ordered()
	}

	attempts := 0
	err = in.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		aerr := in.store.Append(ctx, ev)
		if errors.Is(aerr, usage.ErrInvalidEvent) {
			return retry.Permanent(aerr)
		}
		return aerr
	})
	if errors.Is(err, usage.ErrInvalidEvent) {
		metrics.UsageEventsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	if err != nil {
		in.deadLetter(ctx, ev, err, attempts)
		err = nil
		return Result{EventID: ev.ID, DeadLettered: true, RetryAfter: RetryAfterSeconds}, nil
	}

	metrics.UsageEventsTotal.WithLabelValues("stored").Inc()
	metrics.UsageTokensTotal.WithLabelValues(ev.AgentID).Add(float64(ev.TokensUsed))

	if in.broadcaster != nil {
		in.broadcaster.BroadcastUsage(ev)
	}
	if in.checker != nil {
		in.wg.Add(1)
		go in.followUp(context.WithoutCancel(ctx), ev.UserID)
	}
	return Result{EventID: ev.ID}, nil
}

// followUp runs the per-user usage check. Checks for the same user are
// serialized so concurrent events cannot race on one cooldown window.
func (in *Ingestor) followUp(ctx context.Context, userID string) {
	defer in.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("panic in usage follow-up", "user_id", userID, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, followUpTimeout)
	defer cancel()

	unlock, err := in.locks.Lock(ctx, userID)
	if err != nil {
		in.logger.Warn("usage follow-up skipped", "user_id", userID, "error", err)
		return
	}
	defer unlock()

	if err := in.checker.CheckUserUsage(ctx, userID); err != nil {
		in.logger.Error("usage follow-up failed", "user_id", userID, "error", err)
	}
}

func (in *Ingestor) deadLetter(ctx context.Context, ev *usage.Event, cause error, attempts int) {
	metrics.UsageEventsTotal.WithLabelValues("dead_lettered").Inc()
	now := in.now().UTC()
	dl := &DeadLetter{ID: ev.ID, Event: ev, LastError: cause.Error(), Attempts: attempts, CreatedAt: now}

	// The caller's context may be what failed; the record must still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := in.deadLetters.Put(saveCtx, dl); err != nil {
		in.logger.Error("dead letter store failed", "event_id", ev.ID, "error", err)
	}

	in.logger.Error("CRITICAL: usage event dead-lettered",
		"event_id", ev.ID, "user_id", ev.UserID, "agent_id", ev.AgentID,
		"attempts", attempts, "error", cause)

	if in.escalator == nil {
		return
	}
	msg := fmt.Sprintf("Usage webhook failure\nSource: genesis-webhook\nFailed at: %s\nError: %s\nRetry count: %d",
		now.Format(time.RFC3339), cause, attempts)
	if err := in.escalator.Escalate(saveCtx, msg); err != nil {
		in.logger.Warn("dead letter escalation failed", "event_id", ev.ID, "error", err)
	}
}

// ReplayDeadLetters retries up to limit pending dead letters once each and
// returns how many were stored.
func (in *Ingestor) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	pending, err := in.deadLetters.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	replayed := 0
	var errs []error
	for _, dl := range pending {
		if err := in.store.Append(ctx, dl.Event); err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", dl.ID, err))
			continue
		}
		if err := in.deadLetters.MarkReplayed(ctx, dl.ID, in.now().UTC()); err != nil {
			errs = append(errs, err)
		}
		metrics.UsageEventsTotal.WithLabelValues("replayed").Inc()
		replayed++
	}
	if replayed > 0 {
		in.logger.Info("dead letters replayed", "count", replayed)
	}
	return replayed, errors.Join(errs...)
}

// Wait blocks until in-flight follow-up work finishes.
func (in *Ingestor) Wait() {
	in.wg.Wait()
}
