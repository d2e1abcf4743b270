package e2e_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bennoloeffler/bassi-sub003/citest/testutil"
	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

var _ = Describe("Restart", Ordered, func() {
	var (
		srv     *testutil.TestServer
		c       *testutil.TestClient
		named   *types.SessionSummary
		chatted *types.SessionSummary
		deleted *types.SessionSummary
		hash    string
	)

	BeforeAll(func() {
		var err error
		srv, err = testutil.StartTestServer()
		Expect(err).NotTo(HaveOccurred())
		c = srv.Client()
		DeferCleanup(func() { srv.Stop() })

		named, err = c.CreateSession(ctx, "", "Taxes 2026")
		Expect(err).NotTo(HaveOccurred())
		f, err := c.Upload(ctx, named.ID, "receipts/march.txt", []byte("42 EUR"))
		Expect(err).NotTo(HaveOccurred())
		hash = f.ContentHash

		chatted, err = c.CreateSession(ctx, "", "")
		Expect(err).NotTo(HaveOccurred())
		ws, err := c.Attach(chatted.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ws.Send(protocol.UserText{Text: "book a table"})).To(Succeed())
		_, err = ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(ws.Close()).To(Succeed())

		deleted, err = c.CreateSession(ctx, "", "gone")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.DeleteSession(ctx, deleted.ID)).To(Succeed())

		srv, err = srv.Restart()
		Expect(err).NotTo(HaveOccurred())
		c = srv.Client()
	})

	It("should keep sessions in the index", func() {
		page, err := c.ListSessions(ctx, map[string]string{"sort": "display_name", "dir": "asc"})
		Expect(err).NotTo(HaveOccurred())
		Expect(page.Total).To(Equal(2))

		var names []string
		for _, s := range page.Items {
			Expect(s.State).To(Equal(types.SessionClosed))
			names = append(names, s.DisplayName)
		}
		Expect(names).To(Equal([]string{"book a table", "Taxes 2026"}))
	})

	It("should keep workspace files and counters", func() {
		got, err := c.GetSession(ctx, named.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.FileCount).To(Equal(1))
		Expect(got.ByteTotal).To(Equal(int64(6)))

		resp, err := c.ReadFile(ctx, named.ID, hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.String()).To(Equal("42 EUR"))
	})

	It("should not bring back deleted sessions", func() {
		_, err := c.GetSession(ctx, deleted.ID)
		Expect(statusOf(err)).To(Equal(404))
	})

	It("should reopen a stored session with its name", func() {
		ws, err := c.Attach(chatted.ID)
		Expect(err).NotTo(HaveOccurred())
		defer ws.Close()

		data, ok := ws.Init.Data.(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(data["display_name"]).To(Equal("book a table"))

		Expect(ws.Send(protocol.UserText{Text: "and a taxi"})).To(Succeed())
		_, err = ws.UntilResult(turnTimeout)
		Expect(err).NotTo(HaveOccurred())

		got, err := c.GetSession(ctx, chatted.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.DisplayName).To(Equal("book a table"))
	})
})
