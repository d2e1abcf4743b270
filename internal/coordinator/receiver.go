package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bennoloeffler/bassi-sub003/internal/config"
	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
	"github.com/bennoloeffler/bassi-sub003/internal/permission"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// Settings accepted by config_change.
const (
	SettingPermissionMode  = "permission_mode"
	SettingQuestionTimeout = "question_timeout"
	SettingDisplayName     = "display_name"
)

var settings = []string{SettingPermissionMode, SettingQuestionTimeout, SettingDisplayName}

// MaxDisplayName is the longest display name config_change accepts.
const MaxDisplayName = 200

// receive is the receiver loop. Dispatch never blocks on the agent.
func (c *Coordinator) receive(ctx context.Context, a *attachment) error {
	for {
		data, err := a.ch.Read(ctx)
		if err != nil {
			return err
		}
		c.activity()

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			reason := "malformed"
			if errors.As(err, &unknown) {
				reason = "unknown_type"
			}
			c.reject(a, reason, err.Error())
			continue
		}
		c.dispatch(a, msg)
	}
}

func (c *Coordinator) dispatch(a *attachment, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.UserText:
		c.userText(a, m.Text)
	case protocol.Interrupt:
		c.interrupt()
	case protocol.Answer:
		if err := c.questions.Resolve(m.QuestionID, m.Answers); err != nil {
			c.reject(a, "invalid_answer", err.Error())
		}
	case protocol.PermissionResponse:
		c.permissionResponse(a, m)
	case protocol.ConfigChange:
		c.configChange(a, m)
	default:
		c.reject(a, "unknown_type", fmt.Sprintf("unsupported message %q", msg.Type()))
	}
}

// userText applies the busy policy: an instruction while a task runs is
// rejected, unless the task was interrupted, in which case the newest
// instruction is held and started once the task has unwound.
func (c *Coordinator) userText(a *attachment, text string) {
	if strings.TrimSpace(text) == "" {
		c.reject(a, "empty", "empty instruction")
		return
	}
	c.autoName(text)

	c.mu.Lock()
	switch {
	case c.task == nil && c.held == nil:
		t := c.newTaskLocked(a)
		c.mu.Unlock()
		// The slot is free: a task is registered for every queued start.
		select {
		case a.starts <- start{task: t, text: text}:
		case <-a.ctx.Done():
			c.finish(t)
		}

	case c.task != nil && !c.task.interrupted:
		c.mu.Unlock()
		c.busy(a, "a task is already running; interrupt it first")

	default:
		replaced := c.held != nil
		c.held = &text
		c.mu.Unlock()
		if replaced {
			c.busy(a, "superseded by a newer instruction")
		}
		c.log.Debug().Msg("Instruction held until the interrupted task stops")
	}
}

func (c *Coordinator) busy(a *attachment, content string) {
	metrics.MessagesRejected.WithLabelValues("busy").Inc()
	a.send(protocol.System{Subtype: protocol.SubtypeBusy, Content: content})
}

func (c *Coordinator) interrupt() {
	c.mu.Lock()
	t := c.task
	if t == nil || t.interrupted {
		c.mu.Unlock()
		return
	}
	t.interrupted = true
	c.mu.Unlock()

	c.log.Info().Msg("Interrupting agent task")
	t.cancel()
}

func (c *Coordinator) permissionResponse(a *attachment, m protocol.PermissionResponse) {
	if m.Decision != types.Allow && m.Decision != types.Deny {
		c.reject(a, "invalid_permission_response", fmt.Sprintf("invalid decision %q", m.Decision))
		return
	}
	if m.Scope != "" && !m.Scope.Valid() {
		c.reject(a, "invalid_permission_response", fmt.Sprintf("invalid scope %q", m.Scope))
		return
	}
	ok := c.permissions.Respond(permission.Response{
		RequestID: m.RequestID,
		Decision:  m.Decision,
		Scope:     m.Scope,
		Count:     m.Count,
	})
	if !ok {
		c.reject(a, "unknown_request", fmt.Sprintf("no pending permission request %q", m.RequestID))
	}
}

func (c *Coordinator) configChange(a *attachment, m protocol.ConfigChange) {
	var err error
	var applied any
	switch m.Key {
	case SettingPermissionMode:
		var mode types.PermissionMode
		if err = json.Unmarshal(m.Value, &mode); err == nil {
			err = c.permissions.SetMode(mode)
			applied = mode
		}
	case SettingQuestionTimeout:
		var d config.Duration
		if err = json.Unmarshal(m.Value, &d); err == nil {
			if d.Std() <= 0 {
				err = errors.New("timeout must be positive")
			} else {
				c.questions.SetDefaultTimeout(d.Std())
				applied = d.Std().String()
			}
		}
	case SettingDisplayName:
		var name string
		if err = json.Unmarshal(m.Value, &name); err == nil {
			name = strings.TrimSpace(name)
			switch {
			case name == "":
				err = errors.New("display name is empty")
			case len([]rune(name)) > MaxDisplayName:
				err = fmt.Errorf("display name longer than %d characters", MaxDisplayName)
			default:
				c.rename(name)
				applied = name
			}
		}
	default:
		msg := fmt.Sprintf("unknown setting %q", m.Key)
		if s := suggest(m.Key, settings); s != "" {
			msg += fmt.Sprintf("; did you mean %q?", s)
		}
		c.reject(a, "unknown_setting", msg)
		return
	}

	if err != nil {
		c.reject(a, "invalid_setting", fmt.Sprintf("invalid %s: %v", m.Key, err))
		return
	}
	c.log.Info().Str("key", m.Key).Interface("value", applied).Msg("Session setting changed")
	a.send(protocol.System{
		Subtype: protocol.SubtypeConfig,
		Content: m.Key + " updated",
		Data:    map[string]any{m.Key: applied},
	})
}

func (c *Coordinator) reject(a *attachment, reason, content string) {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	c.log.Debug().Str("reason", reason).Str("detail", content).Msg("Inbound message rejected")
	a.send(protocol.System{Subtype: protocol.SubtypeError, Content: content})
}
