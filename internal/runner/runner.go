// Package runner invokes stored functions in disposable child processes.
//
// Each invocation goes through five steps:
//
//	Prepare  look the function up, check credentials, write a unit file
//	Spawn    start the interpreter on the unit with the encoded arguments
//	Monitor  poll wall-clock time and memory growth, kill on a breach
//	Collect  drain stdout/stderr into bounded queues and wait for exit
//	Decode   split stdout on the return sentinel and decode the value
//
// Prepare failures are returned as errors and no process is started.
// Everything that happens after the child starts is reported in the Result.
package runner

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/customlambda/customlambda/internal/monitor"
	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/signature"
	"github.com/customlambda/customlambda/internal/store"
	"github.com/customlambda/customlambda/internal/wire"
)

//go:embed driver.js
var driverTemplate string

// keyphrase is replaced with the store delimiter when a unit is rendered.
const keyphrase = "KEYPHRASE"

// canonicalName is the name every injected function is bound to.
const canonicalName = "func"

// ErrBadArgs is returned when the arguments cannot be encoded.
var ErrBadArgs = errors.New("runner: arguments cannot be encoded")

// Status is the outcome of an invocation that reached the spawn step.
type Status string

const (
	StatusOK             Status = "ok"
	StatusTimeout        Status = "timeout"
	StatusMemoryExceeded Status = "memory_exceeded"
	StatusCrashed        Status = "crashed"
	StatusDecodeError    Status = "decode_error"
	StatusCanceled       Status = "canceled"
)

// Request identifies the function to run and its positional arguments.
// Credentials are optional; when an identity is given it must be the
// function's verified author.
type Request struct {
	Name        string
	FileID      int
	Args        []any
	Credentials *security.Credentials
}

// Result is the outcome of one invocation.
type Result struct {
	Status          Status        `json:"status"`
	Value           any           `json:"value"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	Elapsed         time.Duration `json:"-"`
	ElapsedMs       int64         `json:"elapsed_ms"`
	PeakMemoryDelta int64         `json:"peak_memory_delta"` // bytes
	DroppedLines    int           `json:"dropped_lines,omitempty"`
	TruncatedLines  int           `json:"truncated_lines,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Store is the part of the function store the engine reads.
type Store interface {
	Source(ctx context.Context, name string, fileID int) (store.Function, []string, error)
	VerifyAuthor(ctx context.Context, creds security.Credentials, name string, fileID int) (security.Outcome, error)
}

// Config controls unit placement and resource ceilings.
type Config struct {
	WorkDir      string        // where unit files are written (default: <tmp>/customlambda)
	Interpreter  []string      // command prefix; unit path and args are appended (default: <self> unit)
	Env          []string      // extra environment for the child
	TimeLimit    time.Duration // wall-clock ceiling (default: 300s)
	MemoryLimit  uint64        // RSS growth ceiling in bytes (default: 1 GiB)
	MaxStdout    int           // lines kept per stream (default: 100)
	MaxLineBytes int           // longer lines are truncated (default: 1 MiB)
	PollInterval time.Duration // monitor tick (default: 100ms)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WorkDir:      filepath.Join(os.TempDir(), "customlambda"),
		TimeLimit:    300 * time.Second,
		MemoryLimit:  1 << 30,
		MaxStdout:    100,
		MaxLineBytes: 1 << 20,
		PollInterval: 100 * time.Millisecond,
	}
}

// Engine runs invocations. It holds no per-invocation state and is safe for
// concurrent use.
type Engine struct {
	cfg   Config
	store Store
	codec *signature.Codec
}

// New creates an Engine. Zero config fields take their defaults.
func New(st Store, codec *signature.Codec, cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = def.TimeLimit
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = def.MemoryLimit
	}
	if cfg.MaxStdout <= 0 {
		cfg.MaxStdout = def.MaxStdout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.Interpreter) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg.Interpreter = []string{exe, "unit"}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if _, err := render(codec, nil); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, store: st, codec: codec}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Invoke runs one function to completion or until a ceiling is breached.
func (e *Engine) Invoke(ctx context.Context, req Request) (*Result, error) {
	encoded, err := wire.EncodeArgs(req.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	path, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	return e.run(ctx, path, encoded), nil
}

func (e *Engine) prepare(ctx context.Context, req Request) (string, error) {
	fn, src, err := e.store.Source(ctx, req.Name, req.FileID)
	if err != nil {
		return "", err
	}
	if req.Credentials != nil && req.Credentials.Identity != "" {
		outcome, err := e.store.VerifyAuthor(ctx, *req.Credentials, req.Name, req.FileID)
		if err != nil {
			return "", err
		}
		if err := outcome.Err(); err != nil {
			return "", fmt.Errorf("invoke %s: %w", req.Name, err)
		}
	}

	body, err := lower(fn.Name, src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	unit, err := render(e.codec, body)
	if err != nil {
		return "", err
	}

	path := filepath.Join(e.cfg.WorkDir, "unit-"+uuid.New().String()+".js")
	if err := os.WriteFile(path, []byte(unit), 0o600); err != nil {
		return "", fmt.Errorf("write unit: %w", err)
	}
	return path, nil
}

func (e *Engine) run(ctx context.Context, path, encoded string) *Result {
	args := append(append([]string{}, e.cfg.Interpreter[1:]...), path, encoded)
	cmd := exec.Command(e.cfg.Interpreter[0], args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	isolate(cmd)

	res := &Result{ExitCode: -1}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return crashed(res, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return crashed(res, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return crashed(res, fmt.Errorf("start unit: %w", err))
	}
	pid := cmd.Process.Pid
	baseline, baselineErr := monitor.RSS(pid)

	stdout := newCapture(e.cfg.MaxStdout, e.cfg.MaxLineBytes, e.codec.ReturnSentinel())
	stderr := newCapture(e.cfg.MaxStdout, e.cfg.MaxLineBytes, "")
	var g errgroup.Group
	g.Go(func() error { return stdout.drain(stdoutPipe) })
	g.Go(func() error { return stderr.drain(stderrPipe) })

	exited := make(chan error, 1)
	go func() {
		_ = g.Wait()
		exited <- cmd.Wait()
	}()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	var waitErr error
loop:
	for {
		select {
		case waitErr = <-exited:
			break loop
		case <-done:
			done = nil
			if res.Status == "" {
				res.Status = StatusCanceled
				_ = kill(cmd)
			}
		case now := <-ticker.C:
			if res.Status != "" {
				continue
			}
			if monitor.ElapsedExceeds(start, e.cfg.TimeLimit, now) {
				res.Status = StatusTimeout
				_ = kill(cmd)
				continue
			}
			if baselineErr != nil {
				baseline, baselineErr = monitor.RSS(pid)
				continue
			}
			over, delta, err := monitor.MemoryDeltaExceeds(pid, baseline, e.cfg.MemoryLimit)
			if err != nil {
				continue // exiting
			}
			if delta > res.PeakMemoryDelta {
				res.PeakMemoryDelta = delta
			}
			if over {
				res.Status = StatusMemoryExceeded
				_ = kill(cmd)
			}
		}
	}

	res.Elapsed = time.Since(start)
	res.ElapsedMs = res.Elapsed.Milliseconds()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	errLines, _, _ := stderr.result()
	res.Stderr = strings.Join(errLines, "\n")
	res.DroppedLines = stdout.dropped() + stderr.dropped()
	res.TruncatedLines = stdout.truncated() + stderr.truncated()

	printed, seen, tail := stdout.result()
	if seen && len(tail) > 0 {
		printed = append(printed, tail[1:]...)
	}
	res.Stdout = strings.Join(printed, "\n")

	switch res.Status {
	case StatusTimeout:
		res.Error = fmt.Sprintf("time limit of %s exceeded", e.cfg.TimeLimit)
	case StatusMemoryExceeded:
		res.Error = fmt.Sprintf("memory limit of %d bytes exceeded", e.cfg.MemoryLimit)
	case StatusCanceled:
		res.Error = ctx.Err().Error()
	}
	if res.Status != "" {
		// A value written before the kill is kept; the status still
		// reports the breach.
		if seen && len(tail) > 0 {
			if v, err := wire.DecodeValue(tail[0]); err == nil {
				res.Value = v
			}
		}
		return res
	}

	if waitErr != nil || res.ExitCode != 0 {
		res.Status = StatusCrashed
		res.Error = crashReason(waitErr, errLines)
		return res
	}
	if !seen || len(tail) == 0 {
		res.Status = StatusOK
		return res
	}
	v, err := wire.DecodeValue(tail[0])
	if err != nil {
		res.Status = StatusDecodeError
		res.Error = err.Error()
		return res
	}
	res.Status = StatusOK
	res.Value = v
	return res
}

func crashed(res *Result, err error) *Result {
	res.Status = StatusCrashed
	res.Error = err.Error()
	return res
}

func crashReason(waitErr error, stderr []string) string {
	for i := len(stderr) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(stderr[i]); s != "" {
			return s
		}
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return "unit exited with non-zero status"
}

// lower turns stored source into a JavaScript function bound to the
// canonical global. The stored name is only visible inside the wrapping
// closure, so the function can call itself without shadowing the driver's
// globals.
func lower(name string, src []string) ([]string, error) {
	h, err := signature.ParseHeaderLines(src)
	if err != nil {
		return nil, err
	}
	params := make([]string, len(h.Params))
	for i, p := range h.Params {
		params[i] = signature.ParamName(p)
	}
	local := name
	if reserved[name] || !identifier.MatchString(name) {
		local = canonicalName
	}

	out := make([]string, 0, len(src)+5)
	out = append(out, "var "+canonicalName+" = (function () {")
	out = append(out, src[:h.Line]...)
	out = append(out, "function "+local+"("+strings.Join(params, ", ")+") {")
	if h.Inline != "" {
		out = append(out, h.Inline)
	}
	out = append(out, src[h.Line+1:]...)
	out = append(out, "}", "return "+local+";", "})();")
	return out, nil
}

// render injects body between the driver template's sentinel lines.
func render(codec *signature.Codec, body []string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(driverTemplate, keyphrase, codec.Delimiter()), "\n")
	start, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case codec.UnitStart():
			if start < 0 {
				start = i
			}
		case codec.UnitEnd():
			if start >= 0 && end < 0 {
				end = i
			}
		}
	}
	if start < 0 || end < 0 {
		return "", fmt.Errorf("runner: driver template lacks unit sentinels")
	}
	out := make([]string, 0, len(lines)+len(body))
	out = append(out, lines[:start+1]...)
	out = append(out, body...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n"), nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reserved words cannot name a function declaration.
var reserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true,
	"continue": true, "debugger": true, "default": true, "delete": true,
	"do": true, "else": true, "enum": true, "export": true, "extends": true,
	"false": true, "finally": true, "for": true, "function": true, "if": true,
	"import": true, "in": true, "instanceof": true, "new": true, "null": true,
	"return": true, "super": true, "switch": true, "this": true, "throw": true,
	"true": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true, "let": true, "static": true,
	"implements": true, "interface": true, "package": true, "private": true,
	"protected": true, "public": true, "await": true,
}
