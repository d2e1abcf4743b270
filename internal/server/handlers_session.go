package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/bennoloeffler/bassi-sub003/internal/channel"
	"github.com/bennoloeffler/bassi-sub003/internal/coordinator"
	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// UpdateSessionRequest represents the request body for renaming a session.
type UpdateSessionRequest struct {
	DisplayName *string `json:"displayName"`
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	page := s.registry.List(q)
	if page.Items == nil {
		page.Items = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseQuery(r *http.Request) (index.Query, error) {
	v := r.URL.Query()
	q := index.Query{Name: v.Get("q")}

	if st := v.Get("state"); st != "" {
		q.State = types.SessionState(st)
		if !q.State.Valid() {
			return q, errors.New("invalid state: " + st)
		}
	}

	var err error
	if q.Sort, err = index.ParseSortKey(v.Get("sort")); err != nil {
		return q, err
	}
	if q.Dir, err = index.ParseSortDir(v.Get("dir")); err != nil {
		return q, err
	}
	if p := v.Get("page"); p != "" {
		if q.Page, err = strconv.Atoi(p); err != nil || q.Page < 1 {
			return q, errors.New("page must be a positive integer")
		}
	}
	if ps := v.Get("page_size"); ps != "" {
		if q.PageSize, err = strconv.Atoi(ps); err != nil || q.PageSize < 1 {
			return q, errors.New("page_size must be a positive integer")
		}
	}
	return q, nil
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	sess, err := s.registry.Create(r.Context(), req.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id := sess.Info().ID

	if name := strings.TrimSpace(req.DisplayName); name != "" {
		if _, err := s.registry.Rename(id, name); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	sum, err := s.registry.Summary(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.registry.Summary(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// updateSession handles PATCH /session/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.DisplayName == nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "displayName is required")
		return
	}
	name := strings.TrimSpace(*req.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > coordinator.MaxDisplayName {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"displayName must be 1 to "+strconv.Itoa(coordinator.MaxDisplayName)+" characters")
		return
	}

	sum, err := s.registry.Rename(chi.URLParam(r, "sessionID"), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeSuccess(w)
}

// attachSession handles GET /session/{sessionID}/ws
//
// The session is created on first attach. The handler blocks for the
// lifetime of the websocket.
func (s *Server) attachSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Refuse before upgrading so the client sees a plain 409.
	if sess, err := s.registry.Get(sessionID); err == nil && sess.Coordinator.Attached() {
		writeStoreError(w, coordinator.ErrSessionBusy)
		return
	}

	ws, err := channel.Upgrade(w, r)
	if err != nil {
		// The upgrader already wrote an HTTP error.
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("Websocket upgrade failed")
		return
	}

	err = s.registry.Attach(r.Context(), sessionID, ws)
	switch {
	case errors.Is(err, coordinator.ErrSessionBusy):
		// Lost the race with another attach after the upgrade.
		_ = ws.CloseWithReason(channel.CloseTryAgainLater, err.Error())
	case err != nil:
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("Attachment ended with error")
		_ = ws.Close()
	}
}
