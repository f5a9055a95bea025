package phantom

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/phantom/internal/domain"
)

var (
	// ErrCooldownActive means a turn was admitted less than one cooldown ago. Not user visible.
	ErrCooldownActive = errors.New("ai cooldown active")
	// ErrTurnInFlight means the room already has an AI turn in progress. Not user visible.
	ErrTurnInFlight = errors.New("ai turn already in progress")
	// ErrSessionBudgetExceeded means the per-session trigger budget is spent.
	ErrSessionBudgetExceeded = errors.New("too many AI triggers this session; wait")
	// ErrEmptyMessage means the trigger message was blank.
	ErrEmptyMessage = errors.New("trigger message is empty")
	// ErrControllerClosed means the room's controller has been torn down.
	ErrControllerClosed = errors.New("room ai controller closed")
)

// Limits are the admission constants of a controller.
type Limits struct {
	Cooldown         time.Duration
	ExtendedCooldown time.Duration
	MaxTriggers      int
	GenerateTimeout  time.Duration
}

// DefaultLimits returns the standard admission limits.
func DefaultLimits() Limits {
	return Limits{
		Cooldown:         8 * time.Second,
		ExtendedCooldown: 60 * time.Second,
		MaxTriggers:      10,
		GenerateTimeout:  45 * time.Second,
	}
}

// OutcomeStatus tags the result of RequestTurn.
type OutcomeStatus int

const (
	// OutcomeNoop means nothing happened; callers must not alert the user.
	OutcomeNoop OutcomeStatus = iota
	// OutcomeSuccess carries the generation service's payload.
	OutcomeSuccess
	// OutcomeFailure carries a short human-readable reason.
	OutcomeFailure
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "noop"
	}
}

// Outcome is the tagged result of a turn request.
type Outcome struct {
	Status OutcomeStatus
	Result *TurnResult
	Reason string
	Err    error
}

func noop(err error) Outcome {
	return Outcome{Status: OutcomeNoop, Err: err}
}

func failure(err error) Outcome {
	return Outcome{Status: OutcomeFailure, Reason: err.Error(), Err: err}
}

// TurnRecorder persists an audit record for every admitted turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn *domain.PhantomTurn) error
}

// Options configure a Controller.
type Options struct {
	Limits   Limits
	Clock    Clock
	Recorder TurnRecorder
	Logger   *slog.Logger
}

// Controller gates AI turn requests for one client session in a room. It owns
// the cooldown timestamp, the session trigger budget and the thinking phase,
// and never allows two generation calls for the session at once.
type Controller struct {
	key      SessionKey
	gen      Generator
	limits   Limits
	clock    Clock
	recorder TurnRecorder
	logger   *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu            sync.Mutex
	lastTriggerAt time.Time
	triggerCount  int
	phase         Phase
	busy          bool
	closed        bool
	lastActivity  time.Time
	subscribers   map[int]chan PhaseEvent
	nextSubID     int
}

// NewController creates a controller for a client session.
func NewController(key SessionKey, gen Generator, opts Options) *Controller {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Controller{
		key:          key,
		gen:          gen,
		limits:       opts.Limits,
		clock:        opts.Clock,
		recorder:     opts.Recorder,
		logger:       opts.Logger.With("world_id", key.WorldID, "room_id", key.RoomID, "user_id", key.UserID),
		lifetime:     lifetime,
		cancel:       cancel,
		lastActivity: opts.Clock.Now(),
		subscribers:  make(map[int]chan PhaseEvent),
	}
}

// Key returns the session the controller belongs to.
func (c *Controller) Key() SessionKey {
	return c.key
}

// RequestTurn decides whether an AI turn should be requested for a chat
// event and, if admitted, drives the request through its thinking phases.
// The phase is always idle again when RequestTurn returns.
func (c *Controller) RequestTurn(ctx context.Context, req TurnRequest) Outcome {
	if strings.TrimSpace(req.Message) == "" {
		return failure(ErrEmptyMessage)
	}

	if out, admitted := c.admit(); !admitted {
		return out
	}
	defer c.finish()

	// Cancel in-flight work when the session goes away.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	started := c.clock.Now()
	turn := &domain.PhantomTurn{
		WorldID:       c.key.WorldID,
		RoomID:        c.key.RoomID,
		UserID:        c.key.UserID,
		CharacterID:   req.CharacterID,
		MessageLength: textLength(req.Message),
		CreatedAt:     started,
	}
	defer func() {
		turn.Duration = c.clock.Now().Sub(started)
		c.record(ctx, turn)
	}()

	if err := c.wait(ctx, readingDelay(req.Message)); err != nil {
		turn.Error = err.Error()
		return c.cancelled(err)
	}

	c.setPhase(PhaseGenerating)
	result, err := c.generate(ctx, req)
	if err != nil {
		turn.Error = err.Error()
		if ctx.Err() != nil {
			return c.cancelled(ctx.Err())
		}
		c.logger.Warn("Phantom AI generation failed", "error", err, "character_id", req.CharacterID)
		return failure(err)
	}

	turn.ShouldRespond = result.ShouldRespond
	turn.ResponseCount = len(result.Responses)

	if content, ok := result.FirstContent(); ok {
		c.setPhase(PhaseResponding)
		if err := c.wait(ctx, typingDelay(content)); err != nil {
			turn.Error = err.Error()
			return c.cancelled(err)
		}
	}

	c.logger.Info("Phantom AI turn completed",
		"character_id", req.CharacterID,
		"should_respond", result.ShouldRespond,
		"responses", len(result.Responses),
	)
	return Outcome{Status: OutcomeSuccess, Result: result}
}

// admit evaluates the admission checks and, on success, records the trigger
// and enters the analyzing phase before any suspension point.
func (c *Controller) admit() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.lastActivity = now

	if c.closed {
		return failure(ErrControllerClosed), false
	}
	if c.busy {
		return noop(ErrTurnInFlight), false
	}

	if c.triggerCount >= c.limits.MaxTriggers {
		if now.Sub(c.lastTriggerAt) < c.limits.ExtendedCooldown {
			c.logger.Info("Phantom AI session budget exhausted", "trigger_count", c.triggerCount)
			return failure(ErrSessionBudgetExceeded), false
		}
		c.triggerCount = 0
	}

	if !c.lastTriggerAt.IsZero() && now.Sub(c.lastTriggerAt) < c.limits.Cooldown {
		return noop(ErrCooldownActive), false
	}

	c.lastTriggerAt = now
	c.triggerCount++
	c.busy = true
	c.setPhaseLocked(PhaseAnalyzing, now)
	return Outcome{}, true
}

func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.busy = false
	c.lastActivity = now
	c.setPhaseLocked(PhaseIdle, now)
}

func (c *Controller) generate(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if c.limits.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.limits.GenerateTimeout)
		defer cancel()
	}

	history := req.History
	if history == nil {
		history = []MessageContext{}
	}

	result, err := c.gen.Generate(ctx, GenerateRequest{
		Room: Room{
			ID:          c.key.RoomID,
			WorldID:     c.key.WorldID,
			Name:        req.RoomName,
			Description: req.RoomDesc,
		},
		TriggerMessage:     req.Message,
		TriggerCharacterID: req.CharacterID,
		MessageHistory:     history,
	})
	if err != nil {
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			err = &UpstreamError{Message: err.Error(), Err: err}
		}
		return nil, err
	}
	if result == nil {
		result = &TurnResult{}
	}
	return result, nil
}

func (c *Controller) cancelled(err error) Outcome {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		err = ErrControllerClosed
	}
	c.logger.Debug("Phantom AI turn cancelled", "error", err)
	return failure(err)
}

func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Controller) record(ctx context.Context, turn *domain.PhantomTurn) {
	if c.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.recorder.RecordTurn(recordCtx, turn); err != nil {
		c.logger.Warn("Failed to record phantom turn", "error", err)
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPhaseLocked(p, c.clock.Now())
}

// setPhaseLocked must be called with c.mu held. Slow subscribers miss events
// rather than block the state machine.
func (c *Controller) setPhaseLocked(p Phase, at time.Time) {
	c.phase = p
	ev := PhaseEvent{Session: c.key, Phase: p, At: at}
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// State returns the current observable thinking state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(c.phase)
}

// Subscribe registers for phase change events. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
// The channel is also closed when the controller is closed.
func (c *Controller) Subscribe(buffer int) (<-chan PhaseEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan PhaseEvent, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// IdleFor reports whether the controller has had no turn in flight, no phase
// stream attached and no activity for at least ttl.
func (c *Controller) IdleFor(ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || len(c.subscribers) > 0 {
		return false
	}
	return c.clock.Now().Sub(c.lastActivity) >= ttl
}

// Close cancels any in-flight turn and releases subscribers. Further
// requests fail with ErrControllerClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()

	c.cancel()
}
