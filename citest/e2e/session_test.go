package e2e_test

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bennoloeffler/bassi-sub003/citest/testutil"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

func statusOf(err error) int {
	var se *testutil.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

var _ = Describe("Session Workflows", func() {
	var created []string

	newSession := func(name string) *types.SessionSummary {
		s, err := client.CreateSession(ctx, "", name)
		Expect(err).NotTo(HaveOccurred())
		created = append(created, s.ID)
		return s
	}

	AfterEach(func() {
		for _, id := range created {
			_ = client.DeleteSession(ctx, id)
		}
		created = nil
	})

	Describe("Basic Session Lifecycle", func() {
		It("should create a new session", func() {
			s := newSession("Trip to Rome")
			Expect(s.ID).To(HaveLen(26))
			Expect(s.DisplayName).To(Equal("Trip to Rome"))
			Expect(s.State).To(Equal(types.SessionIdle))
		})

		It("should retrieve session by ID", func() {
			s := newSession("")
			got, err := client.GetSession(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(s.ID))
			Expect(got.DisplayName).To(BeEmpty())
		})

		It("should list sessions", func() {
			s := newSession("list me")
			page, err := client.ListSessions(ctx, map[string]string{"q": "list*"})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Total).To(Equal(1))
			Expect(page.Items[0].ID).To(Equal(s.ID))
		})

		It("should rename session", func() {
			s := newSession("before")
			got, err := client.RenameSession(ctx, s.ID, "after")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.DisplayName).To(Equal("after"))

			_, err = client.RenameSession(ctx, s.ID, "   ")
			Expect(statusOf(err)).To(Equal(http.StatusBadRequest))
		})

		It("should delete session", func() {
			s, err := client.CreateSession(ctx, "", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(client.DeleteSession(ctx, s.ID)).To(Succeed())

			_, err = client.GetSession(ctx, s.ID)
			Expect(statusOf(err)).To(Equal(http.StatusNotFound))
			Expect(statusOf(client.DeleteSession(ctx, s.ID))).To(Equal(http.StatusNotFound))
		})

		It("should reject a duplicate ID", func() {
			s := newSession("")
			_, err := client.CreateSession(ctx, s.ID, "")
			Expect(statusOf(err)).To(Equal(http.StatusConflict))
		})
	})

	Describe("Workspace Files", func() {
		It("should store and deduplicate uploads", func() {
			s := newSession("")

			a, err := client.Upload(ctx, s.ID, "notes.txt", []byte("buy milk"))
			Expect(err).NotTo(HaveOccurred())
			b, err := client.Upload(ctx, s.ID, "copy.txt", []byte("buy milk"))
			Expect(err).NotTo(HaveOccurred())
			Expect(b.ContentHash).To(Equal(a.ContentHash))

			files, err := client.ListFiles(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(files).To(HaveLen(1))
			Expect(files[0].Aliases).To(ContainElement("copy.txt"))

			stats, err := client.Stats(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*stats).To(Equal(types.WorkspaceStats{FileCount: 1, ByteTotal: 8}))

			resp, err := client.ReadFile(ctx, s.ID, a.ContentHash)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.String()).To(Equal("buy milk"))

			Eventually(func() int64 {
				got, err := client.GetSession(ctx, s.ID)
				if err != nil {
					return -1
				}
				return got.ByteTotal
			}).Should(Equal(int64(8)))
		})

		It("should reject oversized and unsafe uploads", func() {
			s := newSession("")

			_, err := client.Upload(ctx, s.ID, "big.bin", make([]byte, 2<<10))
			Expect(statusOf(err)).To(Equal(http.StatusRequestEntityTooLarge))

			_, err = client.Upload(ctx, s.ID, "../escape.txt", []byte("x"))
			Expect(statusOf(err)).To(Equal(http.StatusBadRequest))

			files, err := client.ListFiles(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(files).To(BeEmpty())
		})
	})
})
