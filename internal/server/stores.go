package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/memrag/internal/audit"
	"github.com/54b3r/memrag/internal/logging"
	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/rag"
)

// store resolves the {name} path value, as a story save when the request
// carries ?story=true. On failure it writes the error response and returns
// nil.
func (s *Server) store(w http.ResponseWriter, r *http.Request) *memory.Store {
	name := r.PathValue("name")
	if err := memory.ValidateName(name); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return nil
	}
	open := s.stores.Store
	if story, _ := strconv.ParseBool(r.URL.Query().Get("story")); story {
		open = s.stores.StoryStore
	}
	st, err := open(name)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return nil
	}
	return st
}

// decode reads a JSON body into v. On failure it writes 400 and returns
// false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	return true
}

// handleAddTexts handles POST /api/stores/{name}/texts.
func (s *Server) handleAddTexts(w http.ResponseWriter, r *http.Request) {
	var req addTextRequest
	if !decode(w, r, &req) {
		return
	}
	var texts []string
	if strings.TrimSpace(req.Text) != "" {
		texts = append(texts, req.Text)
	}
	for _, t := range req.Texts {
		if strings.TrimSpace(t) != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	st := s.store(w, r)
	if st == nil {
		return
	}
	if err := st.AddTexts(r.Context(), texts...); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusCreated, addResponse{Documents: st.Len()})
}

// handleAddTurn handles POST /api/stores/{name}/turns.
func (s *Server) handleAddTurn(w http.ResponseWriter, r *http.Request) {
	var req addTurnRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" && req.Assistant == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("user or assistant is required"))
		return
	}

	st := s.store(w, r)
	if st == nil {
		return
	}
	if err := st.AddChatTurn(r.Context(), req.User, req.Assistant); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, r, http.StatusCreated, addResponse{Documents: st.Len()})
}

// handleSearch handles POST /api/stores/{name}/search. Search failures and
// timeouts are not HTTP errors: the store logs them and the response carries
// an empty result list.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	if req.TopK < 0 || req.TimeoutMS < 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("top_k and timeout_ms must not be negative"))
		return
	}

	st := s.store(w, r)
	if st == nil {
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	results := st.Search(r.Context(), req.Query, req.TopK, timeout)
	writeJSON(w, r, http.StatusOK, searchResponse{Results: results})
}

// handleRemove handles POST /api/stores/{name}/remove.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	if req.Threshold < -1 || req.Threshold > 1 || req.MaxRemoveCount < 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("threshold must be within [-1, 1] and max_remove_count must not be negative"))
		return
	}

	st := s.store(w, r)
	if st == nil {
		return
	}
	removed, err := st.RemoveByQuery(r.Context(), req.Query, req.Threshold, req.MaxRemoveCount)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	audit.LogRemoval(logging.FromContext(r.Context()), st.Name(), req.Query, req.Threshold, removed)
	if removed == nil {
		removed = []int{}
	}
	writeJSON(w, r, http.StatusOK, removeResponse{Removed: removed})
}

// handleSave handles POST /api/stores/{name}/save.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	st := s.store(w, r)
	if st == nil {
		return
	}
	if err := st.Save(); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInfo handles GET /api/stores/{name}.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	st := s.store(w, r)
	if st == nil {
		return
	}
	writeJSON(w, r, http.StatusOK, st.Info())
}

// statusFor maps an error to an HTTP status by its rag.Kind.
func statusFor(err error) int {
	switch rag.KindOf(err) {
	case rag.KindBackendUnavailable, rag.KindEmbedding, rag.KindRerank:
		return http.StatusServiceUnavailable
	case rag.KindSearchTimeout:
		return http.StatusGatewayTimeout
	case rag.KindMalformedSnapshot:
		// Save refused to overwrite a snapshot that failed to load.
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as a JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}
	resp := errorResponse{Error: err.Error()}
	if k := rag.KindOf(err); k != 0 {
		resp.Kind = k.String()
	}
	writeJSON(w, r, status, resp)
}
