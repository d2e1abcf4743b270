package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// task is one running agent invocation.
type task struct {
	ctx         context.Context
	cancel      context.CancelFunc
	interrupted bool // guarded by Coordinator.mu
	done        chan struct{}
}

// newTaskLocked registers a task bound to the attachment. Callers hold c.mu.
func (c *Coordinator) newTaskLocked(a *attachment) *task {
	ctx, cancel := context.WithCancel(a.ctx)
	t := &task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.task = t
	return t
}

// finish clears t unless a newer task replaced it.
func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	if c.task == t {
		c.task = nil
	}
	c.mu.Unlock()
	t.cancel()
}

// drive is the driver loop. It runs the tasks the receiver hands it, one
// at a time, followed by any instruction held while a task unwound.
func (c *Coordinator) drive(ctx context.Context, a *attachment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-a.starts:
			for s.task != nil {
				if !c.run(ctx, a, s.task, s.text) {
					return ctx.Err()
				}
				s = c.next(a)
			}
		}
	}
}

// next starts the held instruction, if any, once the previous task is done.
func (c *Coordinator) next(a *attachment) start {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil || c.task != nil || a.ctx.Err() != nil {
		return start{}
	}
	text := *c.held
	c.held = nil
	return start{task: c.newTaskLocked(a), text: text}
}

// adopt hands the end of a task abandoned by an earlier attachment to the
// attachment that is current when it returns. An interrupt sent for it is
// acknowledged and the instruction held meanwhile is started.
func (c *Coordinator) adopt(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.attachment
	if a == nil || a.ctx.Err() != nil {
		return
	}
	if t.interrupted {
		select {
		case a.outbox <- protocol.System{Subtype: protocol.SubtypeInterrupted, Content: "task interrupted"}:
		default:
			c.log.Warn().Msg("Outbox full; dropping interrupt notice")
		}
	}
	if c.held == nil || c.task != nil {
		return
	}

	// The start is queued under c.mu so detach either sees the task or
	// drains the start. The slot is empty while no task is registered.
	s := start{task: c.newTaskLocked(a), text: *c.held}
	select {
	case a.starts <- s:
		c.held = nil
	default:
		c.task = nil
		s.task.cancel()
	}
}

// run executes one task in its own goroutine and reports its outcome. It
// returns false when the attachment ended and the task had to be
// abandoned.
func (c *Coordinator) run(ctx context.Context, a *attachment, t *task, text string) bool {
	started := time.Now()
	log := c.log.With().Time("started", started).Logger()
	log.Debug().Int("length", len(text)).Msg("Agent task started")
	if c.hooks.TaskStarted != nil {
		c.hooks.TaskStarted()
	}

	var res agent.Result
	var err error
	go func() {
		defer close(t.done)
		defer c.finish(t)
		res, err = c.invoke(t, text, a)
	}()

	select {
	case <-t.done:
	case <-ctx.Done():
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(c.stopGrace):
			log.Warn().Dur("grace", c.stopGrace).Msg("Agent did not stop after cancellation; abandoning task")
			metrics.ObserveTask("abandoned", started)
			go func() {
				<-t.done
				c.taskFinished()
				c.adopt(t)
			}()
			return false
		}
	}
	defer c.taskFinished()

	c.mu.Lock()
	interrupted := t.interrupted
	c.mu.Unlock()

	var outcome string
	switch {
	case err == nil:
		outcome = "completed"
		a.send(protocol.Result{
			Usage: protocol.Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
			Cost:  res.Cost,
			Turns: res.Turns,
		})
	case interrupted || (t.ctx.Err() != nil && errors.Is(err, context.Canceled)):
		outcome = "interrupted"
		a.send(protocol.System{Subtype: protocol.SubtypeInterrupted, Content: "task interrupted"})
	default:
		outcome = "error"
		log.Error().Err(err).Msg("Agent task failed")
		a.send(protocol.System{Subtype: protocol.SubtypeError, Content: err.Error()})
	}

	metrics.ObserveTask(outcome, started)
	log.Debug().Str("outcome", outcome).Dur("duration", time.Since(started)).Msg("Agent task finished")
	return ctx.Err() == nil
}

// invoke calls the agent, turning a panic into an error.
func (c *Coordinator) invoke(t *task, text string, a *attachment) (res agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Agent panicked")
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()

	turn := agent.Turn{SessionID: c.sessionID, Text: text}
	if c.workspace != nil {
		turn.Workspace = c.workspace.Path(c.sessionID)
	}
	return c.agent.Run(t.ctx, turn, &host{c: c, a: a})
}

func (c *Coordinator) taskFinished() {
	if c.hooks.TaskFinished != nil {
		c.hooks.TaskFinished()
	}
}

// host is the agent's handle on the session.
type host struct {
	c *Coordinator
	a *attachment
}

// Emit translates ev into an outbound message and queues it behind the
// task's earlier output.
func (h *host) Emit(ctx context.Context, ev agent.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var m protocol.Outbound
	switch ev := ev.(type) {
	case agent.TextDelta:
		m = protocol.TextDelta{Text: ev.Text}
	case agent.Thinking:
		m = protocol.Thinking{Text: ev.Text}
	case agent.ToolStart:
		m = protocol.ToolStart{Name: ev.Name, Input: ev.Input}
	case agent.ToolEnd:
		m = protocol.ToolEnd{Name: ev.Name, Output: ev.Output}
	default:
		return fmt.Errorf("unsupported agent event %T", ev)
	}

	select {
	case h.a.outbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.a.ctx.Done():
		return h.a.ctx.Err()
	}
}

func (h *host) Ask(ctx context.Context, prompts []types.Prompt, timeout time.Duration) (types.Answers, error) {
	return h.c.questions.Ask(ctx, prompts, timeout)
}

func (h *host) CheckPermission(ctx context.Context, toolName string, input json.RawMessage) (types.Decision, error) {
	return h.c.permissions.Evaluate(ctx, toolName, input)
}

func (h *host) SaveFile(ctx context.Context, name string, r io.Reader) (*types.WorkspaceFile, error) {
	if h.c.workspace == nil {
		return nil, errors.New("no workspace configured")
	}
	return h.c.workspace.Put(ctx, h.c.sessionID, r, name, types.RoleAgentOutput)
}
