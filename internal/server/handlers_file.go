package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bennoloeffler/bassi-sub003/internal/session"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// uploadField is the multipart field holding the uploaded file.
const uploadField = "file"

// uploadFile handles POST /session/{sessionID}/files
//
// The body is either multipart/form-data with a "file" field or the raw
// bytes with ?name=. Bytes are streamed into the workspace; nothing is
// buffered in memory.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	role := types.FolderRole(r.URL.Query().Get("role"))
	name := r.URL.Query().Get("name")

	var body io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "multipart field \"file\" is required")
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
				return
			}
			if part.FormName() != uploadField {
				part.Close()
				continue
			}
			defer part.Close()
			if name == "" {
				name = part.FileName()
			}
			body = part
			break
		}
	}

	if strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidName, "file name is required")
		return
	}

	file, err := s.registry.Upload(r.Context(), sessionID, body, name, role)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// listFiles handles GET /session/{sessionID}/files
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.registry.Known(sessionID) {
		writeStoreError(w, session.ErrNotFound)
		return
	}

	files, err := s.workspaces.List(sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if files == nil {
		files = []types.WorkspaceFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// readFile handles GET /session/{sessionID}/files/{hash}
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	f, meta, err := s.workspaces.Open(chi.URLParam(r, "sessionID"), chi.URLParam(r, "hash"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer f.Close()

	if ct := mime.TypeByExtension(path.Ext(meta.LogicalName)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{
		"filename": path.Base(meta.LogicalName),
	}))
	w.Header().Set("ETag", `"`+meta.ContentHash+`"`)
	http.ServeContent(w, r, path.Base(meta.LogicalName), time.UnixMilli(meta.UploadedAt), f)
}

// getStats handles GET /session/{sessionID}/stats
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.registry.Known(sessionID) {
		writeStoreError(w, session.ErrNotFound)
		return
	}

	stats, err := s.workspaces.Stats(sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
