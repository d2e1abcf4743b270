package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/channel"
	"github.com/bennoloeffler/bassi-sub003/internal/coordinator"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// slowStop ignores cancellation for a while before returning, like an
// agent finishing a tool call before it notices the interrupt.
func slowStop(unwind time.Duration) agent.Agent {
	echo := agent.NewEcho()
	return agent.Func(func(ctx context.Context, turn agent.Turn, host agent.Host) (agent.Result, error) {
		if turn.Text == "block" {
			<-ctx.Done()
			time.Sleep(unwind)
			return agent.Result{}, ctx.Err()
		}
		return echo.Run(ctx, turn, host)
	})
}

var _ = Describe("Coordinator", func() {
	var (
		ag        agent.Agent
		opts      []coordinator.Option
		coord     *coordinator.Coordinator
		client    *testClient
		serverEnd *channel.PipeEnd
		attachErr chan error
		ws        *workspace.Store

		mu      sync.Mutex
		renamed []string
	)

	attach := func() {
		coord = coordinator.New("S1", ag, opts...)
		var clientEnd *channel.PipeEnd
		clientEnd, serverEnd = channel.Pipe()
		client = newTestClient(clientEnd)
		attachErr = make(chan error, 1)
		go func() { attachErr <- coord.Attach(context.Background(), serverEnd) }()

		hello := client.nextSystem(protocol.SubtypeInit)
		data, ok := hello.Data.(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(data["session_id"]).To(Equal("S1"))
		Expect(data["protocol_version"]).To(Equal(protocol.Version))
	}

	BeforeEach(func() {
		ag = agent.NewEcho()
		ws = workspace.New(afero.NewMemMapFs(), "/ws")
		_, err := ws.Create("S1")
		Expect(err).NotTo(HaveOccurred())

		mu.Lock()
		renamed = nil
		mu.Unlock()
		opts = []coordinator.Option{
			coordinator.WithWorkspace(ws),
			coordinator.WithHooks(coordinator.Hooks{
				Renamed: func(name string) {
					mu.Lock()
					defer mu.Unlock()
					renamed = append(renamed, name)
				},
			}),
		}
	})

	JustBeforeEach(func() {
		attach()
	})

	AfterEach(func() {
		serverEnd.Close()
		Eventually(attachErr, 3*time.Second).Should(Receive(BeNil()))
		Eventually(coord.Running).Should(BeFalse())
		Expect(coord.Attached()).To(BeFalse())
	})

	Describe("tasks", func() {
		It("streams agent output in order and closes with a result", func() {
			client.send(protocol.UserText{Text: "one two three four five six"})
			text, res := client.text()
			Expect(text).To(Equal("one two three four five six\n"))
			Expect(res.Turns).To(Equal(1))
			Expect(res.Usage.OutputTokens).To(Equal(6))
		})

		It("runs the next instruction after the previous one finished", func() {
			client.send(protocol.UserText{Text: "first"})
			text, _ := client.text()
			Expect(text).To(Equal("first\n"))

			client.send(protocol.UserText{Text: "second"})
			text, _ = client.text()
			Expect(text).To(Equal("second\n"))
		})

		It("rejects empty instructions", func() {
			client.send(protocol.UserText{Text: "   "})
			client.nextSystem(protocol.SubtypeError)
		})
	})

	Describe("busy policy", func() {
		It("rejects an instruction while a task runs", func() {
			client.send(protocol.UserText{Text: "/sleep 1h"})
			Eventually(coord.Running).Should(BeTrue())

			client.send(protocol.UserText{Text: "are you there"})
			busy := client.nextSystem(protocol.SubtypeBusy)
			Expect(busy.Content).To(ContainSubstring("interrupt"))

			client.send(protocol.Interrupt{})
			client.nextSystem(protocol.SubtypeInterrupted)
			Eventually(coord.Running).Should(BeFalse())
		})

		Context("when the task unwinds slowly", func() {
			BeforeEach(func() {
				ag = slowStop(200 * time.Millisecond)
			})

			It("never loses an instruction sent after interrupt", func() {
				client.send(protocol.UserText{Text: "block"})
				Eventually(coord.Running).Should(BeTrue())

				client.send(protocol.Interrupt{})
				client.send(protocol.UserText{Text: "after the interrupt"})

				client.nextSystem(protocol.SubtypeInterrupted)
				text, _ := client.text()
				Expect(text).To(Equal("after the interrupt\n"))
			})

			It("keeps only the newest held instruction", func() {
				client.send(protocol.UserText{Text: "block"})
				Eventually(coord.Running).Should(BeTrue())

				client.send(protocol.Interrupt{})
				client.send(protocol.UserText{Text: "older"})
				client.send(protocol.UserText{Text: "newer"})

				busy := client.nextSystem(protocol.SubtypeBusy)
				Expect(busy.Content).To(ContainSubstring("superseded"))
				client.nextSystem(protocol.SubtypeInterrupted)
				text, _ := client.text()
				Expect(text).To(Equal("newer\n"))
			})
		})

		Context("when a task outlives its channel", func() {
			BeforeEach(func() {
				ag = slowStop(600 * time.Millisecond)
				opts = append(opts, coordinator.WithStopGrace(50*time.Millisecond))
			})

			reattach := func() {
				GinkgoHelper()
				client.send(protocol.UserText{Text: "block"})
				Eventually(coord.Running).Should(BeTrue())

				serverEnd.Close()
				Eventually(attachErr, 3*time.Second).Should(Receive(BeNil()))
				Expect(coord.Running()).To(BeTrue())

				var clientEnd *channel.PipeEnd
				clientEnd, serverEnd = channel.Pipe()
				client = newTestClient(clientEnd)
				end := serverEnd
				go func() { attachErr <- coord.Attach(context.Background(), end) }()
				client.nextSystem(protocol.SubtypeInit)
			}

			It("starts the instruction held after interrupting the abandoned task", func() {
				reattach()

				client.send(protocol.UserText{Text: "too early"})
				client.nextSystem(protocol.SubtypeBusy)

				client.send(protocol.Interrupt{})
				client.send(protocol.UserText{Text: "hello"})

				client.nextSystem(protocol.SubtypeInterrupted)
				text, _ := client.text()
				Expect(text).To(Equal("hello\n"))

				client.send(protocol.UserText{Text: "again"})
				text, _ = client.text()
				Expect(text).To(Equal("again\n"))
			})

			It("accepts instructions once the abandoned task returned", func() {
				reattach()

				Eventually(coord.Running, 3*time.Second).Should(BeFalse())
				client.quiet(50 * time.Millisecond)

				client.send(protocol.UserText{Text: "hello"})
				text, _ := client.text()
				Expect(text).To(Equal("hello\n"))
			})
		})

		It("ignores an interrupt with nothing running", func() {
			client.send(protocol.Interrupt{})
			client.quiet(100 * time.Millisecond)
		})
	})

	Describe("questions", func() {
		It("suspends the task until the human answers", func() {
			client.send(protocol.UserText{Text: "/ask Which day? | Monday, Tuesday"})

			q, ok := client.next().(protocol.Question)
			Expect(ok).To(BeTrue())
			Expect(q.Prompts).To(HaveLen(1))
			Expect(q.Prompts[0].Options).To(HaveLen(2))

			client.send(protocol.Answer{
				QuestionID: q.ID,
				Answers:    types.Answers{"Which day?": {Selected: []string{"Tuesday"}}},
			})
			text, _ := client.text()
			Expect(text).To(Equal("You chose Tuesday.\n"))
		})

		It("keeps the question pending after an invalid answer", func() {
			client.send(protocol.UserText{Text: "/ask Which day? | Monday, Tuesday"})
			q := client.next().(protocol.Question)

			client.send(protocol.Answer{
				QuestionID: q.ID,
				Answers:    types.Answers{"Which day?": {Selected: []string{"Sunday"}}},
			})
			client.nextSystem(protocol.SubtypeError)
			Expect(coord.Questions().Pending()).NotTo(BeNil())

			client.send(protocol.Answer{
				QuestionID: q.ID,
				Answers:    types.Answers{"Which day?": {Selected: []string{"Monday"}}},
			})
			text, _ := client.text()
			Expect(text).To(Equal("You chose Monday.\n"))
		})

		It("lets the task continue when the question times out", func() {
			client.send(protocol.ConfigChange{Key: coordinator.SettingQuestionTimeout, Value: json.RawMessage(`1`)})
			client.nextSystem(protocol.SubtypeConfig)

			started := time.Now()
			client.send(protocol.UserText{Text: "/ask Still there? | yes, no"})
			_ = client.next().(protocol.Question)
			text, _ := client.text()
			Expect(text).To(Equal("No answer, continuing.\n"))
			Expect(time.Since(started)).To(BeNumerically(">=", 900*time.Millisecond))
		})

		It("cancels the pending question on interrupt", func() {
			client.send(protocol.UserText{Text: "/ask Which day? | Monday, Tuesday"})
			_ = client.next().(protocol.Question)

			client.send(protocol.Interrupt{})
			client.nextSystem(protocol.SubtypeInterrupted)
			Expect(coord.Questions().Pending()).To(BeNil())
		})
	})

	Describe("permissions", func() {
		It("asks the human and runs the tool when allowed", func() {
			client.send(protocol.UserText{Text: `/tool calendar_create {"title":"Dentist"}`})

			req, ok := client.next().(protocol.PermissionRequest)
			Expect(ok).To(BeTrue())
			Expect(req.ToolName).To(Equal("calendar_create"))
			Expect(req.Input).To(MatchJSON(`{"title":"Dentist"}`))

			client.send(protocol.PermissionResponse{RequestID: req.ID, Decision: types.Allow, Scope: types.ScopeSession})
			Expect(client.next()).To(BeAssignableToTypeOf(protocol.ToolStart{}))
			Expect(client.next()).To(Equal(protocol.ToolEnd{Name: "calendar_create", Output: "ok"}))
			Expect(client.next()).To(BeAssignableToTypeOf(protocol.Result{}))

			// The session grant answers the next call without asking.
			client.send(protocol.UserText{Text: `/tool calendar_create {}`})
			Expect(client.next()).To(BeAssignableToTypeOf(protocol.ToolStart{}))
		})

		It("reports a denied tool", func() {
			client.send(protocol.UserText{Text: "/tool mail_send"})
			req := client.next().(protocol.PermissionRequest)

			client.send(protocol.PermissionResponse{RequestID: req.ID, Decision: types.Deny})
			Expect(client.next()).To(Equal(protocol.ToolEnd{Name: "mail_send", Output: "permission denied"}))
		})

		It("rejects malformed responses", func() {
			client.send(protocol.PermissionResponse{RequestID: "nope", Decision: "maybe"})
			client.nextSystem(protocol.SubtypeError)
			client.send(protocol.PermissionResponse{RequestID: "nope", Decision: types.Allow})
			sys := client.nextSystem(protocol.SubtypeError)
			Expect(sys.Content).To(ContainSubstring("no pending permission request"))
		})
	})

	Describe("config_change", func() {
		It("switches the permission mode", func() {
			client.send(protocol.ConfigChange{Key: coordinator.SettingPermissionMode, Value: json.RawMessage(`"bypassPermissions"`)})
			client.nextSystem(protocol.SubtypeConfig)
			Expect(coord.Permissions().Mode()).To(Equal(types.ModeBypassPermissions))

			client.send(protocol.UserText{Text: "/tool shell_exec {\"command\":\"ls\"}"})
			Expect(client.next()).To(BeAssignableToTypeOf(protocol.ToolStart{}))
		})

		It("suggests the closest known setting", func() {
			client.send(protocol.ConfigChange{Key: "permision_mode", Value: json.RawMessage(`"default"`)})
			sys := client.nextSystem(protocol.SubtypeError)
			Expect(sys.Content).To(ContainSubstring(`did you mean "permission_mode"`))
		})

		It("rejects invalid values", func() {
			client.send(protocol.ConfigChange{Key: coordinator.SettingPermissionMode, Value: json.RawMessage(`"plan"`)})
			client.nextSystem(protocol.SubtypeError)
			client.send(protocol.ConfigChange{Key: coordinator.SettingQuestionTimeout, Value: json.RawMessage(`"soon"`)})
			client.nextSystem(protocol.SubtypeError)
			client.send(protocol.ConfigChange{Key: coordinator.SettingDisplayName, Value: json.RawMessage(`""`)})
			client.nextSystem(protocol.SubtypeError)
		})

		It("renames the session", func() {
			client.send(protocol.ConfigChange{Key: coordinator.SettingDisplayName, Value: json.RawMessage(`"Trip planning"`)})
			client.nextSystem(protocol.SubtypeConfig)
			Expect(coord.DisplayName()).To(Equal("Trip planning"))

			client.send(protocol.UserText{Text: "does not rename"})
			client.text()
			mu.Lock()
			defer mu.Unlock()
			Expect(renamed).To(Equal([]string{"Trip planning"}))
		})
	})

	Describe("naming", func() {
		It("names the session after its first instruction", func() {
			long := strings.Repeat("plan my week ", 10)
			client.send(protocol.UserText{Text: long})
			client.text()

			name := coord.DisplayName()
			Expect(len([]rune(name))).To(BeNumerically("<=", coordinator.MaxAutoName))
			Expect(name).To(HavePrefix("plan my week"))
			Expect(name).NotTo(HaveSuffix(" "))
		})
	})

	Describe("failures", func() {
		It("reports unknown message types and keeps the channel open", func() {
			client.sendRaw(`{"type":"dance"}`)
			sys := client.nextSystem(protocol.SubtypeError)
			Expect(sys.Content).To(ContainSubstring("dance"))

			client.sendRaw(`not json`)
			client.nextSystem(protocol.SubtypeError)

			client.send(protocol.UserText{Text: "still here"})
			text, _ := client.text()
			Expect(text).To(Equal("still here\n"))
		})

		It("turns agent errors and panics into error notices", func() {
			client.send(protocol.UserText{Text: "/fail calendar offline"})
			sys := client.nextSystem(protocol.SubtypeError)
			Expect(sys.Content).To(Equal("calendar offline"))

			client.send(protocol.UserText{Text: "/panic boom"})
			sys = client.nextSystem(protocol.SubtypeError)
			Expect(sys.Content).To(ContainSubstring("boom"))

			client.send(protocol.UserText{Text: "recovered"})
			text, _ := client.text()
			Expect(text).To(Equal("recovered\n"))
		})
	})

	Describe("workspace", func() {
		It("stores agent files as agent output", func() {
			client.send(protocol.UserText{Text: "/save report.md all done"})
			end := client.next().(protocol.ToolEnd)
			Expect(end.Name).To(Equal("save"))

			files, err := ws.List("S1")
			Expect(err).NotTo(HaveOccurred())
			Expect(files).To(HaveLen(1))
			Expect(files[0].ContentHash).To(Equal(end.Output))
			Expect(files[0].FolderRole).To(Equal(types.RoleAgentOutput))
		})
	})

	Describe("attachment", func() {
		It("refuses a second channel", func() {
			_, other := channel.Pipe()
			err := coord.Attach(context.Background(), other)
			Expect(err).To(MatchError(coordinator.ErrSessionBusy))
			Expect(errors.Is(err, types.ErrContractViolation)).To(BeTrue())
		})

		It("cancels the running task and pending question on close", func() {
			client.send(protocol.UserText{Text: "/ask Which day? | Monday, Tuesday"})
			_ = client.next().(protocol.Question)
			Expect(coord.Running()).To(BeTrue())

			serverEnd.Close()
			Eventually(attachErr, 3*time.Second).Should(Receive(BeNil()))
			Eventually(coord.Running).Should(BeFalse())
			Expect(coord.Questions().Pending()).To(BeNil())

			// Re-attach for AfterEach.
			attachErr <- nil
		})

		It("can be re-attached after the channel closed", func() {
			serverEnd.Close()
			Eventually(attachErr, 3*time.Second).Should(Receive(BeNil()))

			_, serverEnd2 := channel.Pipe()
			serverEnd = serverEnd2
			go func() { attachErr <- coord.Attach(context.Background(), serverEnd2) }()
			Eventually(coord.Attached).Should(BeTrue())
		})
	})
})
