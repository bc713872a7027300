package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/customlambda/customlambda/internal/runner"
	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/store"
)

const (
	headerAuthor = "X-Author"
	headerSecret = "X-Secret"

	maxBodyOverhead = 64 << 10
)

// contentRequest is the body of POST /functions and PUT /functions/{file}/{name}.
type contentRequest struct {
	Content string `json:"content"`
}

// executeRequest is the body of POST /execute/{file}/{name}.
type executeRequest struct {
	Params []any `json:"params"`
}

type listResponse struct {
	Total     int           `json:"total"`
	Functions store.Listing `json:"functions"`
}

type sourceResponse struct {
	store.Function
	Source string `json:"source"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func credentials(r *http.Request) security.Credentials {
	return security.Credentials{
		Identity: strings.TrimSpace(r.Header.Get(headerAuthor)),
		Secret:   r.Header.Get(headerSecret),
	}
}

// target parses the {file}/{name} path parameters.
func target(r *http.Request) (int, string, error) {
	fileID, err := strconv.Atoi(chi.URLParam(r, "file"))
	if err != nil || fileID < 0 {
		return 0, "", fmt.Errorf("invalid file id %q", chi.URLParam(r, "file"))
	}
	name := chi.URLParam(r, "name")
	if name == "" {
		return 0, "", fmt.Errorf("function name required")
	}
	return fileID, name, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.svc.Config().MaxUploadSize)+maxBodyOverhead)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation), errors.Is(err, runner.ErrBadArgs):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, security.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, security.ErrUnknownIdentity):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.svc.Logger().Error("request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, "customlambda function store", map[string][]string{
		"routes": {
			"GET /functions",
			"GET /functions/{file}/{name}",
			"POST /functions",
			"PUT /functions/{file}/{name}",
			"DELETE /functions/{file}/{name}",
			"POST /execute/{file}/{name}",
			"GET /stats",
			"GET /metrics",
			"GET /health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status: "ok",
		Uptime: s.svc.Uptime().Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		since = time.Now().Add(-d)
	}
	recent := 20
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid recent count")
			return
		}
		recent = n
	}
	writeOK(w, http.StatusOK, "", s.svc.Dashboard(since, recent))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.svc.ListFunctions(r.Context(), credentials(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, http.StatusOK, "", listResponse{Total: listing.Count(), Functions: listing})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	fileID, name, err := target(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fn, src, err := s.svc.GetFunction(r.Context(), credentials(r), name, fileID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, http.StatusOK, "", sourceResponse{Function: fn, Source: strings.Join(src, "\n")})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var author *security.Credentials
	if creds := credentials(r); creds.Identity != "" {
		if creds.Secret == "" {
			writeError(w, http.StatusBadRequest, "X-Secret is required with X-Author")
			return
		}
		author = &creds
	}
	fn, err := s.svc.AddFunction(r.Context(), req.Content, author)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, http.StatusCreated, fmt.Sprintf("function %s added to file %d", fn.Name, fn.FileID), fn)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	fileID, name, err := target(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req contentRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.ModifyFunction(r.Context(), credentials(r), name, req.Content, fileID); err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("function %s modified", name), nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	fileID, name, err := target(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.DeleteFunction(r.Context(), credentials(r), name, fileID); err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, http.StatusOK, fmt.Sprintf("function %s deleted", name), nil)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	fileID, name, err := target(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req executeRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var creds *security.Credentials
	if c := credentials(r); c.Identity != "" {
		creds = &c
	}
	res, err := s.svc.InvokeFunction(r.Context(), creds, name, fileID, req.Params)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.Status != runner.StatusOK {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Status: "error", Message: res.Error, Data: res})
		return
	}
	writeOK(w, http.StatusOK, "", res)
}
