// Package app wires the store, auth guard and invocation engine into the
// Service used by the HTTP API and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/customlambda/customlambda/internal/config"
	"github.com/customlambda/customlambda/internal/observability"
	"github.com/customlambda/customlambda/internal/runner"
	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/signature"
	"github.com/customlambda/customlambda/internal/storage"
	"github.com/customlambda/customlambda/internal/store"
)

// Options override pieces of the bootstrap, mainly for tests.
type Options struct {
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Interpreter []string // unit interpreter command prefix
	Env         []string // extra unit environment
}

// Service is the core surface: list, add, modify, delete and invoke.
type Service struct {
	cfg     config.Config
	backend storage.Backend
	store   *store.Manager
	engine  *runner.Engine
	guard   *security.Guard
	audit   *security.AuditLogger
	auditDB *sql.DB // owned only when separate from the backend
	log     *observability.Logger
	metrics *observability.Metrics
	stats   *observability.Stats
	started time.Time
}

// New bootstraps every subsystem from cfg.
func New(cfg config.Config, opts Options) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger("customlambda", os.Stderr, observability.ParseLevel(cfg.LogLevel))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(true)
	}

	codec, err := signature.New(cfg.Delimiter)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		stats:   observability.NewStats(1000),
		started: time.Now(),
	}

	var sharedDB *sql.DB
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := storage.NewSQLiteBackend(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		s.backend, sharedDB = b, b.DB()
		log.Printf("[bootstrap] store: sqlite %s", cfg.SQLitePath())
	default:
		b, err := storage.NewDirBackend(cfg.StoreDir())
		if err != nil {
			return nil, fmt.Errorf("file store: %w", err)
		}
		s.backend = b
		log.Printf("[bootstrap] store: directory %s", cfg.StoreDir())
	}

	auditStore, err := s.openAudit(sharedDB)
	if err != nil {
		s.backend.Close()
		return nil, err
	}
	s.audit = security.NewAuditLogger(auditStore)

	s.guard = security.NewGuard(codec, security.GuardConfig{
		Cost:                 cfg.BcryptCost,
		PrivilegedIdentity:   cfg.AdminIdentity,
		PrivilegedSecretHash: cfg.AdminSecretHash,
	})
	if cfg.AdminIdentity != "" {
		log.Printf("[bootstrap] privileged identity enabled: %s", cfg.AdminIdentity)
	}

	s.store = store.New(s.backend, codec, s.guard, store.Config{
		Capacity: cfg.LineLimit,
		MaxBytes: cfg.MaxUploadSize,
	})

	s.engine, err = runner.New(s.store, codec, runner.Config{
		WorkDir:      cfg.WorkDir,
		Interpreter:  opts.Interpreter,
		Env:          opts.Env,
		TimeLimit:    cfg.TimeLimit.Duration,
		MemoryLimit:  cfg.MemoryLimit,
		MaxStdout:    cfg.MaxStdout,
		PollInterval: cfg.PollInterval.Duration,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("invocation engine: %w", err)
	}
	log.Printf("[bootstrap] engine: time_limit=%s memory_limit=%d max_stdout=%d",
		cfg.TimeLimit.Duration, cfg.MemoryLimit, cfg.MaxStdout)
	return s, nil
}

func (s *Service) openAudit(shared *sql.DB) (security.AuditStore, error) {
	if !s.cfg.Audit {
		return security.NewMemoryAuditStore(), nil
	}
	db := shared
	if db == nil {
		var err error
		db, err = sql.Open("sqlite", s.cfg.AuditPath())
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		db.SetMaxOpenConns(1)
		s.auditDB = db
	}
	st, err := security.NewSQLAuditStore(db)
	if err != nil {
		return nil, err
	}
	log.Printf("[bootstrap] audit trail: sqlite")
	return st, nil
}

// Close releases the store backend and audit database.
func (s *Service) Close() error {
	var errs []error
	if s.auditDB != nil {
		errs = append(errs, s.auditDB.Close())
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (s *Service) Config() config.Config { return s.cfg }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Logger returns the service logger.
func (s *Service) Logger() *observability.Logger { return s.log }

// Uptime reports how long the service has been running.
func (s *Service) Uptime() time.Duration { return time.Since(s.started) }

// Hash returns a bcrypt hash of secret at the configured cost.
func (s *Service) Hash(secret string) (string, error) { return s.guard.Hash(secret) }

// ListFunctions returns the functions visible to creds.
func (s *Service) ListFunctions(ctx context.Context, creds security.Credentials) (store.Listing, error) {
	listing, err := s.store.ListFor(ctx, creds)
	s.record("list", creds.Identity, "", -1, err)
	return listing, err
}

// GetFunction returns a function's description and source. Authored
// functions are only shown to their author.
func (s *Service) GetFunction(ctx context.Context, creds security.Credentials, name string, fileID int) (store.Function, []string, error) {
	fn, src, err := s.store.SourceFor(ctx, creds, name, fileID)
	s.record("get", creds.Identity, name, fileID, err)
	return fn, src, err
}

// AddFunction stores new function source. A non-nil author protects the
// function with the author's credentials.
func (s *Service) AddFunction(ctx context.Context, content string, author *security.Credentials) (store.Function, error) {
	identity := ""
	if author != nil {
		identity = author.Identity
	}
	fileID, err := s.store.Add(ctx, content, author)
	if err != nil {
		s.record("add", identity, "", -1, err)
		return store.Function{}, err
	}
	header, _ := signature.ParseHeader(content)
	fn, _, err := s.store.Source(ctx, header.Name, fileID)
	s.record("add", identity, header.Name, fileID, err)
	return fn, err
}

// ModifyFunction replaces a function's source.
func (s *Service) ModifyFunction(ctx context.Context, creds security.Credentials, name, content string, fileID int) error {
	err := s.store.Modify(ctx, creds, name, content, fileID)
	s.record("modify", creds.Identity, name, fileID, err)
	return err
}

// DeleteFunction removes a function.
func (s *Service) DeleteFunction(ctx context.Context, creds security.Credentials, name string, fileID int) error {
	err := s.store.Delete(ctx, creds, name, fileID)
	s.record("delete", creds.Identity, name, fileID, err)
	return err
}

// VerifyAuthor checks creds against a function's author marker.
func (s *Service) VerifyAuthor(ctx context.Context, creds security.Credentials, name string, fileID int) (security.Outcome, error) {
	outcome, err := s.store.VerifyAuthor(ctx, creds, name, fileID)
	if err == nil && outcome != security.Authorized {
		s.authFailure(creds.Identity, "verify", name, fileID, outcome.Err())
	}
	return outcome, err
}

// InvokeFunction runs a function with positional args. Credentials are
// optional; when given they must match the function's author.
func (s *Service) InvokeFunction(ctx context.Context, creds *security.Credentials, name string, fileID int, args []any) (*runner.Result, error) {
	identity := ""
	if creds != nil {
		identity = creds.Identity
	}
	done := s.metrics.InvocationStarted()
	res, err := s.engine.Invoke(ctx, runner.Request{Name: name, FileID: fileID, Args: args, Credentials: creds})
	done()

	resource := resourceName(name, fileID)
	if err != nil {
		s.record("invoke", identity, name, fileID, err)
		return nil, err
	}

	s.metrics.ObserveInvocation(string(res.Status), res.Elapsed, res.PeakMemoryDelta)
	s.stats.Record(observability.InvocationSample{
		Function:        name,
		FileID:          fileID,
		Status:          string(res.Status),
		ElapsedMs:       res.ElapsedMs,
		PeakMemoryDelta: res.PeakMemoryDelta,
	})
	s.log.InvokeEvent(name, fileID, string(res.Status), res.ElapsedMs, res.PeakMemoryDelta, "exit_code", res.ExitCode)
	s.audit.Log(security.AuditFuncInvoke, security.SeverityInfo, identity, "invoke", resource,
		res.Status == runner.StatusOK, map[string]string{"status": string(res.Status)})
	return res, nil
}

// Dashboard summarizes recent invocations.
func (s *Service) Dashboard(since time.Time, recent int) observability.Dashboard {
	return s.stats.Dashboard(since, recent)
}

// RateLimited records a throttled caller.
func (s *Service) RateLimited(caller, resource string) {
	s.audit.LogError(security.AuditRateLimit, caller, "invoke", resource, "rate limit exceeded", nil)
	s.log.Warn("rate limited", "caller", caller, "resource", resource)
}

// AuditEvents queries the audit trail.
func (s *Service) AuditEvents(filter security.AuditFilter) ([]security.AuditEvent, error) {
	return s.audit.Query(filter)
}

var auditTypes = map[string]security.AuditEventType{
	"list":   security.AuditFuncList,
	"get":    security.AuditFuncList,
	"add":    security.AuditFuncAdd,
	"modify": security.AuditFuncModify,
	"delete": security.AuditFuncDelete,
	"invoke": security.AuditFuncInvoke,
}

// record logs, counts and audits one store-facing operation.
func (s *Service) record(op, identity, name string, fileID int, err error) {
	outcome := Outcome(err)
	s.metrics.StoreOp(op, outcome)
	s.log.StoreEvent(op, name, fileID, err)

	resource := resourceName(name, fileID)
	switch {
	case errors.Is(err, security.ErrUnauthorized), errors.Is(err, security.ErrUnknownIdentity):
		s.authFailure(identity, op, name, fileID, err)
	case errors.Is(err, store.ErrValidation):
		s.audit.LogError(security.AuditInputReject, identity, op, resource, err.Error(), nil)
	case err != nil:
		s.audit.LogError(auditTypes[op], identity, op, resource, err.Error(), nil)
	case op != "list" && op != "get":
		s.audit.Log(auditTypes[op], security.SeverityInfo, identity, op, resource, true, nil)
	}
}

func (s *Service) authFailure(identity, op, name string, fileID int, err error) {
	s.metrics.AuthFailure(Outcome(err))
	s.audit.LogError(security.AuditAuthAttempt, identity, op, resourceName(name, fileID), err.Error(), nil)
	s.log.Warn("auth rejected", "op", op, "identity", identity, "function", name, "file", fileID)
}

// Outcome classifies an error for metrics labels and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, store.ErrValidation):
		return "invalid"
	case errors.Is(err, security.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, security.ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, runner.ErrBadArgs):
		return "bad_args"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func resourceName(name string, fileID int) string {
	if fileID < 0 {
		return name
	}
	return strconv.Itoa(fileID) + "/" + name
}
