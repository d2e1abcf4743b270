// Package coordinator connects one session's channel to its agent.
//
// Per attachment three goroutines run in an errgroup: the receiver decodes
// inbound messages and dispatches them without ever waiting on the agent,
// the driver owns agent tasks and the writer is the only goroutine writing
// to the channel. Everything bound for the human (agent output, questions,
// permission requests and notices) goes through one ordered outbox, so a
// task's events reach the human in the order they were produced.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/channel"
	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/internal/permission"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/internal/question"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// ErrSessionBusy is returned by Attach while another channel is attached.
var ErrSessionBusy = &types.ContractError{Op: "attach", Reason: "session already has an attached channel"}

const (
	outboxSize = 64
	// DefaultStopGrace is how long a closing attachment waits for a
	// cancelled agent task to return.
	DefaultStopGrace = 5 * time.Second
)

// Capabilities are advertised in the init message.
var Capabilities = []string{"questions", "permissions", "interrupt", "config_change", "uploads"}

// Hooks let the owner of a coordinator follow what it does. Every field is
// optional.
type Hooks struct {
	// Activity is called for every inbound and outbound message.
	Activity func()
	// Renamed is called when the display name changes.
	Renamed func(name string)
	// TaskStarted and TaskFinished bracket every agent task.
	TaskStarted  func()
	TaskFinished func()
}

// Coordinator serializes access to one session's agent.
type Coordinator struct {
	sessionID   string
	agent       agent.Agent
	questions   *question.Broker
	permissions *permission.Manager
	workspace   *workspace.Store
	bus         *event.Bus
	hooks       Hooks
	stopGrace   time.Duration
	log         zerolog.Logger

	mu          sync.Mutex
	attachment  *attachment
	task        *task
	held        *string // instruction waiting for an interrupted task to unwind
	displayName string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQuestions sets the session's question broker.
func WithQuestions(b *question.Broker) Option {
	return func(c *Coordinator) { c.questions = b }
}

// WithPermissions sets the session's permission manager.
func WithPermissions(m *permission.Manager) Option {
	return func(c *Coordinator) { c.permissions = m }
}

// WithWorkspace lets agents save files into the session workspace.
func WithWorkspace(s *workspace.Store) Option {
	return func(c *Coordinator) { c.workspace = s }
}

// WithBus publishes attach and detach events.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithHooks sets the owner's callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) { c.hooks = h }
}

// WithDisplayName sets the initial display name. A session without one is
// named after its first instruction.
func WithDisplayName(name string) Option {
	return func(c *Coordinator) { c.displayName = name }
}

// WithStopGrace bounds how long detaching waits for a cancelled task.
func WithStopGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stopGrace = d
		}
	}
}

// New creates a coordinator for one session. A broker and a permission
// manager are created when none are given.
func New(sessionID string, ag agent.Agent, opts ...Option) *Coordinator {
	c := &Coordinator{
		sessionID: sessionID,
		agent:     ag,
		stopGrace: DefaultStopGrace,
		log:       logging.ForSession(sessionID, "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.questions == nil {
		c.questions = question.New(sessionID, question.WithBus(c.bus))
	}
	if c.permissions == nil {
		c.permissions = permission.New(sessionID, permission.WithBus(c.bus))
	}
	return c
}

// SessionID returns the id of the coordinated session.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// DisplayName returns the current display name.
func (c *Coordinator) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// Attached reports whether a channel is attached.
func (c *Coordinator) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachment != nil
}

// Running reports whether an agent task is running.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil
}

// Questions returns the session's question broker.
func (c *Coordinator) Questions() *question.Broker {
	return c.questions
}

// Permissions returns the session's permission manager.
func (c *Coordinator) Permissions() *permission.Manager {
	return c.permissions
}

// attachment is one channel bound to the coordinator.
type attachment struct {
	id     string
	ch     channel.Channel
	outbox chan protocol.Outbound
	starts chan start
	ctx    context.Context // ends when the attachment is torn down
}

type start struct {
	task *task
	text string
}

// Attach binds ch to the session and serves it until it closes or ctx
// ends. It fails with ErrSessionBusy if a channel is already attached.
// On return any running task has been cancelled, the pending question and
// permission requests are cancelled and ch is closed.
func (c *Coordinator) Attach(ctx context.Context, ch channel.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &attachment{
		id:     uuid.NewString(),
		ch:     ch,
		outbox: make(chan protocol.Outbound, outboxSize),
		starts: make(chan start, 1),
		ctx:    ctx,
	}

	c.mu.Lock()
	if c.attachment != nil {
		c.mu.Unlock()
		return ErrSessionBusy
	}
	c.attachment = a
	c.mu.Unlock()

	log := c.log.With().Str("attachmentID", a.id).Logger()
	log.Info().Msg("Channel attached")
	metrics.ChannelsAttached.Inc()
	c.publish(event.SessionAttached, a.id)

	c.questions.SetEmitter(func(q types.Question) {
		a.send(protocol.Question{ID: q.ID, Prompts: q.Prompts})
	})
	c.permissions.SetNotifier(func(req permission.Request) {
		a.send(protocol.PermissionRequest{ID: req.ID, ToolName: req.ToolName, Input: req.Input})
	})

	a.send(c.initMessage())
	if q := c.questions.Pending(); q != nil {
		a.send(protocol.Question{ID: q.ID, Prompts: q.Prompts})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receive(gctx, a) })
	g.Go(func() error { return c.drive(gctx, a) })
	g.Go(func() error { return c.write(gctx, a) })
	err := g.Wait()

	c.detach(a)
	metrics.ChannelsAttached.Dec()
	c.publish(event.SessionDetached, a.id)

	switch {
	case err == nil, errors.Is(err, channel.ErrClosed), errors.Is(err, context.Canceled):
		log.Info().Msg("Channel detached")
		return nil
	default:
		log.Warn().Err(err).Msg("Channel detached with error")
		return err
	}
}

// detach releases everything tied to a.
func (c *Coordinator) detach(a *attachment) {
	c.mu.Lock()
	if t := c.task; t != nil {
		t.cancel()
	}
	c.held = nil
	c.attachment = nil
	c.mu.Unlock()

	// A start the driver never picked up still owns the task slot.
	select {
	case s := <-a.starts:
		c.finish(s.task)
	default:
	}

	c.questions.SetEmitter(nil)
	c.permissions.SetNotifier(nil)
	c.questions.CancelAll()
	c.permissions.CancelRequests()

	if err := a.ch.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Channel close failed")
	}
}

// send enqueues m for the writer. It gives up once the attachment is torn
// down.
func (a *attachment) send(m protocol.Outbound) bool {
	select {
	case a.outbox <- m:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// write is the writer loop: the only goroutine writing to the channel.
func (c *Coordinator) write(ctx context.Context, a *attachment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-a.outbox:
			data, err := protocol.Encode(m)
			if err != nil {
				c.log.Error().Err(err).Str("type", m.Type()).Msg("Failed to encode outbound message")
				continue
			}
			if err := a.ch.Write(ctx, data); err != nil {
				return err
			}
			c.activity()
		}
	}
}

func (c *Coordinator) initMessage() protocol.System {
	data := protocol.InitData{
		SessionID:       c.sessionID,
		ProtocolVersion: protocol.Version,
		PermissionMode:  c.permissions.Mode(),
		DisplayName:     c.DisplayName(),
		Capabilities:    Capabilities,
	}
	if c.workspace != nil {
		if stats, err := c.workspace.Stats(c.sessionID); err == nil {
			data.Workspace = stats
		}
	}
	return protocol.System{Subtype: protocol.SubtypeInit, Data: data}
}

func (c *Coordinator) activity() {
	if c.hooks.Activity != nil {
		c.hooks.Activity()
	}
}

func (c *Coordinator) publish(t event.EventType, attachmentID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event.Event{
		Type: t,
		Data: event.AttachmentData{SessionID: c.sessionID, AttachmentID: attachmentID},
	})
}
