// Package question implements the interactive question broker: an agent
// task asks the human a set of prompts and is suspended until the human
// answers, the deadline passes or the question is cancelled.
//
// Each question is a single-slot rendezvous. The asking goroutine waits on
// a buffered channel of capacity one; whichever of Resolve, Cancel, the
// deadline timer or context cancellation transitions the question first
// (under the broker lock) sends the only value into it. Later attempts find
// the question gone and are discarded.
package question

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// DefaultTimeout applies when Ask is called without a timeout.
const DefaultTimeout = 300 * time.Second

var (
	// ErrUnanswered is returned by Ask when the deadline passes. It is an
	// outcome, not a failure: the agent proceeds without an answer.
	ErrUnanswered = errors.New("question unanswered")

	// ErrCancelled is returned by Ask when the question was cancelled.
	ErrCancelled = errors.New("question cancelled")

	// ErrQuestionPending is returned by Ask while another question is
	// outstanding.
	ErrQuestionPending = &types.ContractError{Op: "ask", Reason: "a question is already pending"}
)

// Emitter delivers a new question to the human.
type Emitter func(q types.Question)

type outcome struct {
	resolution types.Resolution
	answers    types.Answers
	cause      error
}

type pendingQuestion struct {
	question types.Question
	result   chan outcome
}

// Broker manages the pending question of one session.
type Broker struct {
	sessionID string
	bus       *event.Bus
	log       zerolog.Logger

	mu             sync.Mutex
	pending        *pendingQuestion
	emit           Emitter
	defaultTimeout time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithEmitter sets the function that delivers questions to the human.
func WithEmitter(emit Emitter) Option {
	return func(b *Broker) { b.emit = emit }
}

// WithTimeout sets the timeout used when Ask gets none.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithBus publishes question.asked and question.resolved events on bus.
func WithBus(bus *event.Bus) Option {
	return func(b *Broker) { b.bus = bus }
}

// New creates a broker for one session.
func New(sessionID string, opts ...Option) *Broker {
	b := &Broker{
		sessionID:      sessionID,
		log:            logging.ForSession(sessionID, "question"),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEmitter replaces the emitter.
func (b *Broker) SetEmitter(emit Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit = emit
}

// SetDefaultTimeout changes the timeout used by later Ask calls that pass
// none. Non-positive values restore DefaultTimeout.
func (b *Broker) SetDefaultTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	b.defaultTimeout = d
}

// DefaultTimeout returns the timeout used when Ask gets none.
func (b *Broker) DefaultTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultTimeout
}

// Ask presents prompts to the human and blocks until they are answered.
//
// It returns the answers on success, ErrUnanswered when timeout elapses
// first, and an error matching ErrCancelled when the question is cancelled
// or ctx is done (the latter also matches ctx.Err()). A timeout <= 0 uses
// the broker's default.
func (b *Broker) Ask(ctx context.Context, prompts []types.Prompt, timeout time.Duration) (types.Answers, error) {
	if err := validatePrompts(prompts); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.pending != nil {
		b.mu.Unlock()
		return nil, ErrQuestionPending
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	now := time.Now()
	p := &pendingQuestion{
		question: types.Question{
			ID:         ulid.Make().String(),
			Prompts:    prompts,
			CreatedAt:  now.UnixMilli(),
			Deadline:   now.Add(timeout).UnixMilli(),
			Resolution: types.ResolutionPending,
		},
		result: make(chan outcome, 1),
	}
	b.pending = p
	emit := b.emit
	b.mu.Unlock()

	b.log.Debug().
		Str("questionID", p.question.ID).
		Int("prompts", len(prompts)).
		Dur("timeout", timeout).
		Msg("Question asked")
	b.publish(event.QuestionAsked, p.question.ID, types.ResolutionPending)

	if emit != nil {
		emit(p.question)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.result:
		return b.result(out)
	case <-timer.C:
		b.finish(p, outcome{resolution: types.ResolutionTimedOut})
	case <-ctx.Done():
		b.finish(p, outcome{resolution: types.ResolutionCancelled, cause: ctx.Err()})
	}

	// The winner of the race has sent exactly one outcome.
	return b.result(<-p.result)
}

func (b *Broker) result(out outcome) (types.Answers, error) {
	switch out.resolution {
	case types.ResolutionAnswered:
		return out.answers, nil
	case types.ResolutionTimedOut:
		return nil, ErrUnanswered
	default:
		if out.cause != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, out.cause)
		}
		return nil, ErrCancelled
	}
}

// Resolve answers the pending question with the given id.
//
// Every prompt must be answered: single-select prompts with exactly one
// option, multi-select prompts with at least one. Invalid answers return a
// *ValidationError and leave the question pending. Resolving an unknown or
// already resolved question is a no-op.
func (b *Broker) Resolve(id string, answers types.Answers) error {
	b.mu.Lock()
	p := b.pending
	if p == nil || p.question.ID != id {
		b.mu.Unlock()
		b.log.Debug().Str("questionID", id).Msg("Resolve for a question that is not pending")
		return nil
	}
	if err := validateAnswers(p.question, answers); err != nil {
		b.mu.Unlock()
		return err
	}
	b.finishLocked(p, outcome{resolution: types.ResolutionAnswered, answers: answers})
	b.mu.Unlock()

	b.resolved(p.question.ID, types.ResolutionAnswered)
	return nil
}

// Cancel cancels the pending question with the given id. It is a no-op
// when the question is not pending.
func (b *Broker) Cancel(id string) {
	b.mu.Lock()
	p := b.pending
	if p == nil || p.question.ID != id {
		b.mu.Unlock()
		return
	}
	b.finishLocked(p, outcome{resolution: types.ResolutionCancelled})
	b.mu.Unlock()

	b.resolved(p.question.ID, types.ResolutionCancelled)
}

// CancelAll cancels whatever question is pending.
func (b *Broker) CancelAll() {
	b.mu.Lock()
	p := b.pending
	if p == nil {
		b.mu.Unlock()
		return
	}
	b.finishLocked(p, outcome{resolution: types.ResolutionCancelled})
	b.mu.Unlock()

	b.resolved(p.question.ID, types.ResolutionCancelled)
}

// Pending returns a copy of the pending question, or nil.
func (b *Broker) Pending() *types.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return nil
	}
	q := b.pending.question
	return &q
}

// finish transitions p if it is still pending.
func (b *Broker) finish(p *pendingQuestion, out outcome) {
	b.mu.Lock()
	if b.pending != p {
		b.mu.Unlock()
		return
	}
	b.finishLocked(p, out)
	b.mu.Unlock()

	b.resolved(p.question.ID, out.resolution)
}

// finishLocked clears the slot and hands the outcome to the waiter. The
// caller holds b.mu and has checked b.pending == p.
func (b *Broker) finishLocked(p *pendingQuestion, out outcome) {
	b.pending = nil
	p.question.Resolution = out.resolution
	p.result <- out
}

func (b *Broker) resolved(id string, res types.Resolution) {
	metrics.QuestionResolutions.WithLabelValues(string(res)).Inc()
	b.log.Debug().
		Str("questionID", id).
		Str("resolution", string(res)).
		Msg("Question resolved")
	b.publish(event.QuestionResolved, id, res)
}

func (b *Broker) publish(t event.EventType, id string, res types.Resolution) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(event.Event{
		Type: t,
		Data: event.QuestionData{SessionID: b.sessionID, QuestionID: id, Resolution: res},
	})
}
