package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osmtools/revertd/internal/revert"
	"github.com/osmtools/revertd/internal/store"
	"github.com/osmtools/revertd/internal/userinfo"
)

// UserResolver enriches changeset listings with author profiles.
type UserResolver interface {
	Resolve(ctx context.Context, uids []int64) (map[int64]*userinfo.User, error)
}

type ServerConfig struct {
	MaxBodyBytes int64
	// StreamPollInterval is how often the log stream checks the ring
	// for new lines.
	StreamPollInterval time.Duration
}

type Server struct {
	engine     *revert.Engine
	changesets store.ChangesetStore
	resolver   UserResolver
	cfg        ServerConfig
}

func NewServer(engine *revert.Engine, changesets store.ChangesetStore, resolver UserResolver) *Server {
	return NewServerWithConfig(engine, changesets, resolver, ServerConfig{})
}

func NewServerWithConfig(engine *revert.Engine, changesets store.ChangesetStore, resolver UserResolver, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = 500 * time.Millisecond
	}
	return &Server{
		engine:     engine,
		changesets: changesets,
		resolver:   resolver,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/tasks" && r.Method == http.MethodGet {
		s.handleListTasks(w, r)
		return
	}
	if r.URL.Path == "/v1/tasks" && r.Method == http.MethodPost {
		s.handleSubmitTask(w, r)
		return
	}
	if r.URL.Path == "/v1/changesets" && r.Method == http.MethodGet {
		s.handleQueryChangesets(w, r)
		return
	}
	if r.URL.Path == "/v1/changesets/range" && r.Method == http.MethodGet {
		s.handleChangesetRange(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "tasks" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	taskID := parts[2]

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetTask(w, r, taskID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleDeleteTask(w, r, taskID)
	case len(parts) == 4 && parts[3] == "abort" && r.Method == http.MethodPost:
		s.handleAbortTask(w, r, taskID)
	case len(parts) == 4 && parts[3] == "logs" && r.Method == http.MethodGet:
		s.handleTaskLogs(w, r, taskID)
	case len(parts) == 4 && parts[3] == "stream" && r.Method == http.MethodGet:
		s.handleTaskStream(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ascending := true
	switch r.URL.Query().Get("order") {
	case "", "asc":
	case "desc":
		ascending = false
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "order must be asc or desc")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.engine.GetAll(ascending)})
}

type submitTaskRequest struct {
	Changesets           []int64           `json:"changesets"`
	Comment              string            `json:"comment"`
	DiscussionTarget     string            `json:"discussionTarget"`
	Query                string            `json:"query"`
	OnlyTags             []string          `json:"onlyTags"`
	FixParents           bool              `json:"fixParents"`
	DryRun               bool              `json:"dryRun"`
	Passes               int               `json:"passes"`
	IteratorDelaySeconds float64           `json:"iteratorDelaySeconds"`
	Parallel             bool              `json:"parallel"`
	Env                  map[string]string `json:"env"`
	Credential           string            `json:"credential"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if msg, ok := validateSubmitPayload(body); !ok {
		writeError(w, http.StatusBadRequest, "invalid_payload", msg)
		return
	}
	var req submitTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.Passes == 0 {
		req.Passes = 1
	}

	timeRange, err := s.changesets.ClosedTimeRangeOf(r.Context(), req.Changesets)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve task time range")
		return
	}

	task := &revert.Task{
		Changesets: req.Changesets,
		TimeRange:  timeRange,
		Env:        req.Env,
		Credential: req.Credential,
		Options: revert.Options{
			Comment:          req.Comment,
			DiscussionTarget: req.DiscussionTarget,
			Query:            req.Query,
			OnlyTags:         req.OnlyTags,
			FixParents:       req.FixParents,
			DryRun:           req.DryRun,
		},
		Passes:        req.Passes,
		IteratorDelay: time.Duration(req.IteratorDelaySeconds * float64(time.Second)),
		Parallel:      req.Parallel,
	}
	// Ids are derived from the creation time at millisecond precision;
	// nudge the timestamp on collision so bursts of submissions succeed.
	created := time.Now()
	for attempt := 0; attempt < 5; attempt++ {
		task.ID = revert.NewTaskID(created.Add(time.Duration(attempt) * time.Millisecond))
		err = s.engine.Submit(task)
		if !errors.Is(err, revert.ErrTaskExists) {
			break
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, revert.ErrTaskExists):
			writeError(w, http.StatusConflict, "task_exists", err.Error())
		case errors.Is(err, revert.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", "failed to submit task")
		}
		return
	}
	snap, _ := s.engine.GetByID(task.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetTask(w http.ResponseWriter, _ *http.Request, taskID string) {
	snap, ok := s.engine.GetByID(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, _ *http.Request, taskID string) {
	if _, ok := s.engine.GetByID(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if !s.engine.DeleteByID(taskID) {
		writeError(w, http.StatusConflict, "task_running", "task is not finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleAbortTask(w http.ResponseWriter, _ *http.Request, taskID string) {
	if !s.engine.AbortByID(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, _ *http.Request, taskID string) {
	lines, ok := s.engine.Logs(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleQueryChangesets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := time.Parse(time.RFC3339, query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "to must be an RFC 3339 timestamp")
		return
	}
	var tags []string
	if raw := query.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	changesets, err := s.changesets.Query(r.Context(), from, to, tags)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "changeset query failed")
		return
	}
	if err := s.enrichAuthors(r.Context(), changesets); err != nil {
		writeError(w, http.StatusBadGateway, "upstream", "author lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changesets": changesets,
		"count":      len(changesets),
	})
}

// enrichAuthors attaches the latest profile snapshot to every record.
// A nil author after enrichment means the account was deleted.
func (s *Server) enrichAuthors(ctx context.Context, changesets []store.Changeset) error {
	if s.resolver == nil || len(changesets) == 0 {
		return nil
	}
	uidSet := make(map[int64]struct{})
	for _, cs := range changesets {
		uidSet[cs.UID] = struct{}{}
	}
	uids := make([]int64, 0, len(uidSet))
	for uid := range uidSet {
		uids = append(uids, uid)
	}
	users, err := s.resolver.Resolve(ctx, uids)
	if err != nil {
		return err
	}
	for i := range changesets {
		changesets[i].Author = users[changesets[i].UID]
	}
	return nil
}

func (s *Server) handleChangesetRange(w http.ResponseWriter, r *http.Request) {
	timeRange, err := s.changesets.ClosedTimeRange(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no changesets stored")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "range query failed")
		return
	}
	writeJSON(w, http.StatusOK, timeRange)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds "+strconv.FormatInt(s.cfg.MaxBodyBytes, 10)+" bytes")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
