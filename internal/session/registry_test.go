package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/channel"
	"github.com/bennoloeffler/bassi-sub003/internal/coordinator"
	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

type fixture struct {
	reg *Registry
	ws  *workspace.Store
	idx *index.Index
	bus *event.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	bus := event.NewBus()
	ws := workspace.New(afero.NewOsFs(), t.TempDir(), workspace.WithBus(bus))
	idx := index.New()
	reg := NewRegistry(ws, idx, append([]Option{WithBus(bus), WithStopGrace(time.Second)}, opts...)...)
	t.Cleanup(func() {
		reg.Close()
		_ = idx.Close()
		_ = bus.Close()
	})
	return &fixture{reg: reg, ws: ws, idx: idx, bus: bus}
}

// client drives the human end of an attached pipe.
type client struct {
	t    *testing.T
	end  *channel.PipeEnd
	done chan error
}

func (f *fixture) attach(t *testing.T, id string) *client {
	t.Helper()
	local, remote := channel.Pipe()
	c := &client{t: t, end: local, done: make(chan error, 1)}
	go func() { c.done <- f.reg.Attach(context.Background(), id, remote) }()

	msg := c.next()
	sys, ok := msg.(protocol.System)
	require.True(t, ok)
	require.Equal(t, protocol.SubtypeInit, sys.Subtype)
	return c
}

func (c *client) send(m protocol.Inbound) {
	c.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.end.Write(context.Background(), data))
}

func (c *client) next() protocol.Outbound {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := c.end.Read(ctx)
	require.NoError(c.t, err)
	m, err := protocol.DecodeOutbound(data)
	require.NoError(c.t, err)
	return m
}

// untilResult collects streamed text up to the closing result.
func (c *client) untilResult() string {
	c.t.Helper()
	var sb strings.Builder
	for {
		switch m := c.next().(type) {
		case protocol.TextDelta:
			sb.WriteString(m.Text)
		case protocol.Result:
			return sb.String()
		}
	}
}

func (c *client) close() error {
	c.t.Helper()
	_ = c.end.Close()
	select {
	case err := <-c.done:
		return err
	case <-time.After(3 * time.Second):
		c.t.Fatal("attach did not return after the channel closed")
		return nil
	}
}

func TestRegistry_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.reg.Create(ctx, "")
	require.NoError(t, err)

	info := s.Info()
	_, err = ulid.Parse(info.ID)
	assert.NoError(t, err, "generated ids are ULIDs")
	assert.Equal(t, types.SessionIdle, info.State)
	assert.Nil(t, info.DisplayName)
	assert.Equal(t, f.ws.Path(info.ID), info.WorkspacePath)
	assert.True(t, f.ws.Exists(info.ID))

	sum, ok := f.idx.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, types.SessionIdle, sum.State)

	_, err = f.reg.Create(ctx, info.ID)
	assert.ErrorIs(t, err, ErrExists)

	got, err := f.reg.Get(info.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, f.reg.Len())
}

func TestRegistry_CreateRejectsBadID(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Create(context.Background(), "../escape")
	assert.Error(t, err)
	assert.Zero(t, f.reg.Len())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*Session, 20)
	created := make([]bool, 20)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, c, err := f.reg.GetOrCreate(ctx, "S1")
			assert.NoError(t, err)
			sessions[i], created[i] = s, c
		}(i)
	}
	wg.Wait()

	n := 0
	for i, s := range sessions {
		assert.Same(t, sessions[0], s)
		if created[i] {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one caller creates the session")
}

func TestRegistry_GetUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.reg.Summary("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.reg.Destroy("nope"), ErrNotFound)
	assert.ErrorIs(t, f.reg.Touch("nope"), ErrNotFound)
}

func TestRegistry_AttachLifecycle(t *testing.T) {
	f := newFixture(t)

	c := f.attach(t, "S1")
	sum, err := f.reg.Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, sum.State)

	c.send(protocol.UserText{Text: "plan the trip"})
	assert.Equal(t, "plan the trip\n", c.untilResult())

	sum, err = f.reg.Summary("S1")
	require.NoError(t, err)
	assert.Equal(t, "plan the trip", sum.DisplayName)

	require.NoError(t, c.close())

	_, err = f.reg.Get("S1")
	assert.ErrorIs(t, err, ErrNotFound, "detached sessions are released")
	sum, ok := f.idx.Get("S1")
	require.True(t, ok)
	assert.Equal(t, types.SessionClosed, sum.State)
	assert.Equal(t, "plan the trip", sum.DisplayName)
	assert.True(t, f.ws.Exists("S1"), "files stay on disk")

	rec, err := f.ws.Record("S1")
	require.NoError(t, err)
	assert.Equal(t, "plan the trip", rec.DisplayName)
}

func TestRegistry_ReattachKeepsName(t *testing.T) {
	f := newFixture(t)

	c := f.attach(t, "S1")
	c.send(protocol.UserText{Text: "first"})
	c.untilResult()
	require.NoError(t, c.close())

	c = f.attach(t, "S1")
	s, err := f.reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "first", s.Coordinator.DisplayName())
	require.NotNil(t, s.Info().DisplayName)
	assert.Equal(t, "first", *s.Info().DisplayName)

	// A second instruction does not rename a named session.
	c.send(protocol.UserText{Text: "second"})
	c.untilResult()
	assert.Equal(t, "first", s.Coordinator.DisplayName())
	require.NoError(t, c.close())
}

func TestRegistry_AttachBusy(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t, "S1")

	_, remote := channel.Pipe()
	err := f.reg.Attach(context.Background(), "S1", remote)
	assert.ErrorIs(t, err, coordinator.ErrSessionBusy)
	assert.True(t, errors.Is(err, types.ErrContractViolation))

	_, err = f.reg.Get("S1")
	assert.NoError(t, err, "the busy attempt must not release the session")
	require.NoError(t, c.close())
}

// stubbornAgents runs an agent that keeps working on "block" for unwind
// after it was cancelled.
func stubbornAgents(unwind time.Duration) Option {
	agents := agent.NewRegistry()
	agents.Register("stubborn", func() agent.Agent {
		echo := agent.NewEcho()
		return agent.Func(func(ctx context.Context, turn agent.Turn, host agent.Host) (agent.Result, error) {
			if turn.Text == "block" {
				<-ctx.Done()
				time.Sleep(unwind)
				return agent.Result{}, ctx.Err()
			}
			return echo.Run(ctx, turn, host)
		})
	})
	return WithAgents(agents, "stubborn")
}

func (c *client) nextSystem(subtype string) protocol.System {
	c.t.Helper()
	m := c.next()
	sys, ok := m.(protocol.System)
	require.True(c.t, ok, "expected system message, got %#v", m)
	require.Equal(c.t, subtype, sys.Subtype, sys.Content)
	return sys
}

func released(f *fixture, id string) func() bool {
	return func() bool {
		_, err := f.reg.Get(id)
		return errors.Is(err, ErrNotFound)
	}
}

func TestRegistry_AbandonedTaskReleasesOnReturn(t *testing.T) {
	f := newFixture(t, stubbornAgents(300*time.Millisecond), WithStopGrace(20*time.Millisecond))

	c := f.attach(t, "S1")
	s, err := f.reg.Get("S1")
	require.NoError(t, err)
	c.send(protocol.UserText{Text: "block"})
	require.Eventually(t, s.Coordinator.Running, time.Second, 5*time.Millisecond)
	require.NoError(t, c.close())

	_, err = f.reg.Get("S1")
	require.NoError(t, err, "the session stays live while its task runs")
	sum, ok := f.idx.Get("S1")
	require.True(t, ok)
	assert.Equal(t, types.SessionActive, sum.State)

	require.Eventually(t, released(f, "S1"), 3*time.Second, 10*time.Millisecond)
	sum, _ = f.idx.Get("S1")
	assert.Equal(t, types.SessionClosed, sum.State)
}

func TestRegistry_ReattachDuringAbandonedTask(t *testing.T) {
	f := newFixture(t, stubbornAgents(300*time.Millisecond), WithStopGrace(20*time.Millisecond))

	c := f.attach(t, "S1")
	s, err := f.reg.Get("S1")
	require.NoError(t, err)
	c.send(protocol.UserText{Text: "block"})
	require.Eventually(t, s.Coordinator.Running, time.Second, 5*time.Millisecond)
	require.NoError(t, c.close())

	c = f.attach(t, "S1")
	again, err := f.reg.Get("S1")
	require.NoError(t, err)
	assert.Same(t, s, again)

	c.send(protocol.UserText{Text: "too early"})
	c.nextSystem(protocol.SubtypeBusy)

	c.send(protocol.Interrupt{})
	c.send(protocol.UserText{Text: "hello"})
	c.nextSystem(protocol.SubtypeInterrupted)
	assert.Equal(t, "hello\n", c.untilResult())

	_, err = f.reg.Get("S1")
	require.NoError(t, err, "the attached session is not released by the finished task")
	require.NoError(t, c.close())
	require.Eventually(t, released(f, "S1"), 3*time.Second, 10*time.Millisecond)
}

func TestRegistry_PinnedSessionIsNotReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, created, err := f.reg.getOrCreate(ctx, "S1", true)
	require.NoError(t, err)
	require.True(t, created)

	f.reg.release(s)
	_, err = f.reg.Get("S1")
	require.NoError(t, err, "an Attach in progress keeps the session")
	assert.ErrorIs(t, f.reg.Delete(ctx, "S1"), coordinator.ErrSessionBusy)

	f.reg.unpin(s)
	f.reg.release(s)
	_, err = f.reg.Get("S1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var live, maxLive atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				local, remote := channel.Pipe()
				done := make(chan error, 1)
				go func() { done <- f.reg.Attach(ctx, "S1", remote) }()
				inits := make(chan error, 1)
				go func() {
					_, err := local.Read(ctx)
					inits <- err
				}()

				select {
				case err := <-done:
					assert.ErrorIs(t, err, coordinator.ErrSessionBusy)
					_ = local.Close()
				case err := <-inits:
					if !assert.NoError(t, err) {
						return
					}
					n := live.Add(1)
					for {
						m := maxLive.Load()
						if n <= m || maxLive.CompareAndSwap(m, n) {
							break
						}
					}
					s, err := f.reg.Get("S1")
					if assert.NoError(t, err, "an attached session is registered") {
						assert.True(t, s.Coordinator.Attached())
					}
					live.Add(-1)
					_ = local.Close()
					assert.NoError(t, <-done)
				case <-time.After(3 * time.Second):
					t.Error("attach neither refused nor served")
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxLive.Load(), "one channel per session at a time")
	require.Eventually(t, released(f, "S1"), 3*time.Second, 10*time.Millisecond)
	sum, ok := f.idx.Get("S1")
	require.True(t, ok)
	assert.Equal(t, types.SessionClosed, sum.State)
}

func TestRegistry_DestroyClearsSessionGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.reg.Create(ctx, "S1")
	require.NoError(t, err)
	require.NoError(t, s.Permissions.Grant(ctx, types.ScopeSession, "Read", 0))
	require.NoError(t, s.Permissions.Grant(ctx, types.ScopePersistent, "Write", 0))

	require.NoError(t, f.reg.Destroy("S1"))
	for _, g := range s.Permissions.Grants() {
		assert.Equal(t, types.ScopePersistent, g.Scope, "session grants are cleared on destroy")
	}

	s, err = f.reg.Create(ctx, "S1")
	require.NoError(t, err)
	grants := s.Permissions.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, types.ScopePersistent, grants[0].Scope)
	assert.Equal(t, "Write", grants[0].ToolName)
}

func TestRegistry_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deleted := make(chan event.SessionData, 1)
	f.bus.Subscribe(event.SessionDeleted, func(e event.Event) {
		deleted <- e.Data.(event.SessionData)
	})

	_, err := f.reg.Create(ctx, "S1")
	require.NoError(t, err)
	require.NoError(t, f.reg.Delete(ctx, "S1"))

	assert.False(t, f.ws.Exists("S1"))
	_, ok := f.idx.Get("S1")
	assert.False(t, ok)
	assert.Zero(t, f.reg.Len())

	select {
	case data := <-deleted:
		assert.Equal(t, "S1", data.Info.ID)
	case <-time.After(time.Second):
		t.Fatal("no session.deleted event")
	}

	assert.ErrorIs(t, f.reg.Delete(ctx, "S1"), ErrNotFound)
}

func TestRegistry_DeleteAttached(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t, "S1")
	assert.ErrorIs(t, f.reg.Delete(context.Background(), "S1"), coordinator.ErrSessionBusy)
	require.NoError(t, c.close())
	assert.NoError(t, f.reg.Delete(context.Background(), "S1"))
}

func TestRegistry_RenameStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, "S1")
	require.NoError(t, err)
	require.NoError(t, f.reg.Destroy("S1"))

	sum, err := f.reg.Rename("S1", "Taxes 2026")
	require.NoError(t, err)
	assert.Equal(t, "Taxes 2026", sum.DisplayName)
	assert.Equal(t, types.SessionClosed, sum.State)

	rec, err := f.ws.Record("S1")
	require.NoError(t, err)
	assert.Equal(t, "Taxes 2026", rec.DisplayName)

	_, err = f.reg.Rename("missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RenameLive(t *testing.T) {
	f := newFixture(t)
	s, err := f.reg.Create(context.Background(), "S1")
	require.NoError(t, err)

	sum, err := f.reg.Rename("S1", "Groceries")
	require.NoError(t, err)
	assert.Equal(t, "Groceries", sum.DisplayName)
	assert.Equal(t, "Groceries", s.Coordinator.DisplayName())

	indexed, ok := f.idx.Get("S1")
	require.True(t, ok)
	assert.Equal(t, "Groceries", indexed.DisplayName)
}

func TestRegistry_UploadRefreshesIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, "S1")
	require.NoError(t, err)

	file, err := f.reg.Upload(ctx, "S1", strings.NewReader("abc"), "a.txt", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, file.Size)

	_, err = f.reg.Upload(ctx, "S1", strings.NewReader("abc"), "b.txt", "")
	require.NoError(t, err)

	sum, ok := f.idx.Get("S1")
	require.True(t, ok)
	assert.Equal(t, 1, sum.FileCount, "identical bytes are stored once")
	assert.EqualValues(t, 3, sum.ByteTotal)

	_, err = f.reg.Upload(ctx, "missing", strings.NewReader("x"), "x.txt", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_AgentSaveUpdatesCounters(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t, "S1")

	c.send(protocol.UserText{Text: "/save notes.txt remember the milk"})
	c.untilResult()

	assert.Eventually(t, func() bool {
		sum, ok := f.idx.Get("S1")
		return ok && sum.FileCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.close())
}

func TestRegistry_TouchAdvancesActivity(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Create(context.Background(), "S1")
	require.NoError(t, err)
	before, _ := f.idx.Get("S1")

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.reg.Touch("S1"))

	after, _ := f.idx.Get("S1")
	assert.Greater(t, after.Time.LastActivity, before.Time.LastActivity)
}

func TestRegistry_Events(t *testing.T) {
	f := newFixture(t)

	created := make(chan event.SessionData, 1)
	f.bus.Subscribe(event.SessionCreated, func(e event.Event) {
		created <- e.Data.(event.SessionData)
	})

	_, err := f.reg.Create(context.Background(), "S1")
	require.NoError(t, err)

	select {
	case data := <-created:
		assert.Equal(t, "S1", data.Info.ID)
		assert.Equal(t, types.SessionIdle, data.Info.State)
	case <-time.After(time.Second):
		t.Fatal("no session.created event")
	}
}

func TestRegistry_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		_, err := f.reg.Create(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, f.reg.Destroy("B"))

	page := f.reg.List(index.Query{State: types.SessionClosed})
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "B", page.Items[0].ID)

	page = f.reg.List(index.Query{})
	assert.Equal(t, 3, page.Total)
}
