package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bennoloeffler/bassi-sub003/citest/testutil"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

const turnTimeout = 5 * time.Second

// waitFor reads until a message of type T arrives.
func waitFor[T protocol.Outbound](ws *testutil.WSClient) T {
	GinkgoHelper()
	for {
		m, err := ws.Next(turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		if v, ok := m.(T); ok {
			return v
		}
	}
}

var _ = Describe("Attached Sessions", func() {
	var (
		sess *types.SessionSummary
		ws   *testutil.WSClient
	)

	BeforeEach(func() {
		var err error
		sess, err = client.CreateSession(ctx, "", "")
		Expect(err).NotTo(HaveOccurred())
		ws, err = client.Attach(sess.ID)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ws.Close()
		Eventually(func() types.SessionState {
			s, err := client.GetSession(ctx, sess.ID)
			if err != nil {
				return ""
			}
			return s.State
		}).Should(Equal(types.SessionClosed))
		Expect(client.DeleteSession(ctx, sess.ID)).To(Succeed())
	})

	It("should stream a reply and name the session", func() {
		Expect(ws.Send(protocol.UserText{Text: "plan the trip"})).To(Succeed())
		msgs, err := ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(testutil.Text(msgs)).To(Equal("plan the trip\n"))

		got, err := client.GetSession(ctx, sess.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.State).To(Equal(types.SessionActive))
		Expect(got.DisplayName).To(Equal("plan the trip"))
	})

	It("should refuse a second browser", func() {
		_, err := client.Attach(sess.ID)
		Expect(statusOf(err)).To(Equal(http.StatusConflict))

		resp, err := client.Delete(ctx, "/session/"+sess.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("should route an answer back to the agent", func() {
		Expect(ws.Send(protocol.UserText{Text: "/ask Which city? | Rome, Paris"})).To(Succeed())

		q := waitFor[protocol.Question](ws)
		Expect(q.Prompts).To(HaveLen(1))
		Expect(q.Prompts[0].Options).To(HaveLen(2))

		Expect(ws.Send(protocol.Answer{
			QuestionID: q.ID,
			Answers:    types.Answers{"Which city?": {Selected: []string{"Paris"}}},
		})).To(Succeed())

		msgs, err := ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(testutil.Text(msgs)).To(Equal("You chose Paris.\n"))
	})

	It("should remember a session grant", func() {
		Expect(ws.Send(protocol.UserText{Text: `/tool bash {"command":"ls"}`})).To(Succeed())

		req := waitFor[protocol.PermissionRequest](ws)
		Expect(req.ToolName).To(Equal("bash"))
		Expect(ws.Send(protocol.PermissionResponse{
			RequestID: req.ID,
			Decision:  types.Allow,
			Scope:     types.ScopeSession,
		})).To(Succeed())

		end := waitFor[protocol.ToolEnd](ws)
		Expect(end.Output).To(Equal("ok"))
		_, err := ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())

		// The grant covers the next call without asking.
		Expect(ws.Send(protocol.UserText{Text: `/tool bash {"command":"pwd"}`})).To(Succeed())
		msgs, err := ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		for _, m := range msgs {
			Expect(m).NotTo(BeAssignableToTypeOf(protocol.PermissionRequest{}))
		}
		Expect(msgs).To(ContainElement(protocol.ToolEnd{Name: "bash", Output: "ok"}))
	})

	It("should interrupt a running task", func() {
		Expect(ws.Send(protocol.UserText{Text: "/sleep 10s"})).To(Succeed())
		Expect(ws.Send(protocol.Interrupt{})).To(Succeed())
		Eventually(func() string {
			return waitFor[protocol.System](ws).Subtype
		}).Should(Equal(protocol.SubtypeInterrupted))

		// The task may still be unwinding; a busy notice means try again.
		Eventually(func() string {
			Expect(ws.Send(protocol.UserText{Text: "still here"})).To(Succeed())
			var text string
			for {
				m, err := ws.Next(turnTimeout)
				Expect(err).NotTo(HaveOccurred())
				switch m := m.(type) {
				case protocol.TextDelta:
					text += m.Text
				case protocol.Result:
					return text
				case protocol.System:
					if m.Subtype == protocol.SubtypeBusy {
						return ""
					}
				}
			}
		}).Should(Equal("still here\n"))
	})

	It("should save agent output into the workspace", func() {
		sse := testServer.SSEClient()
		Expect(sse.Connect(ctx, "/event?sessionID="+sess.ID)).To(Succeed())
		defer sse.Close()

		Expect(ws.Send(protocol.UserText{Text: "/save notes.txt remember the milk"})).To(Succeed())
		end := waitFor[protocol.ToolEnd](ws)
		Expect(end.Name).To(Equal("save"))

		evt, err := sse.WaitForEvent("workspace.file.added", turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.SessionID()).To(Equal(sess.ID))

		files, err := client.ListFiles(ctx, sess.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(HaveLen(1))
		Expect(files[0].ContentHash).To(Equal(end.Output))
		Expect(files[0].FolderRole).To(Equal(types.RoleAgentOutput))
	})
})
