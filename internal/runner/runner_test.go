package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/signature"
	"github.com/customlambda/customlambda/internal/storage"
	"github.com/customlambda/customlambda/internal/store"
	"github.com/customlambda/customlambda/internal/unit"
	"github.com/customlambda/customlambda/internal/wire"
)

const helperEnv = "CUSTOMLAMBDA_TEST_UNIT_HELPER"

// TestMain lets the test binary double as the unit interpreter.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: <unit> <args>")
			os.Exit(unit.ExitUsage)
		}
		os.Exit(unit.Run(os.Args[1], os.Args[2], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type testEngine struct {
	*Engine
	store   *store.Manager
	workDir string
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	backend, err := storage.NewDirBackend(t.TempDir())
	require.NoError(t, err)
	codec, err := signature.New("TESTDELIM")
	require.NoError(t, err)
	st := store.New(backend, codec, security.NewGuard(codec, security.GuardConfig{Cost: bcrypt.MinCost}), store.Config{})

	cfg.WorkDir = t.TempDir()
	cfg.Interpreter = []string{os.Args[0]}
	cfg.Env = []string{helperEnv + "=1"}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.TimeLimit == 0 {
		cfg.TimeLimit = 30 * time.Second
	}
	e, err := New(st, codec, cfg)
	require.NoError(t, err)
	return &testEngine{Engine: e, store: st, workDir: cfg.WorkDir}
}

func (te *testEngine) add(t *testing.T, content string, author *security.Credentials) int {
	t.Helper()
	id, err := te.store.Add(context.Background(), content, author)
	require.NoError(t, err)
	return id
}

func (te *testEngine) assertNoUnits(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(te.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "unit files are removed after the run")
}

func TestInvoke_Add(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define add(a: int, b: int) -> int:\n  return a + b", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "add", FileID: id, Args: []any{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, int64(5), res.Value)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
	te.assertNoUnits(t)
}

func TestInvoke_PrintedOutputAndRecursion(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, strings.Join([]string{
		"define fact(n):",
		"  console.log('fact', n)",
		"  if (n <= 1) return 1",
		"  return n * fact(n - 1)",
	}, "\n"), nil)

	res, err := te.Invoke(context.Background(), Request{Name: "fact", FileID: id, Args: []any{4}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, int64(24), res.Value)
	assert.Equal(t, "fact 4\nfact 3\nfact 2\nfact 1", res.Stdout)
}

func TestInvoke_NoReturnValue(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define noop(): console.log('hi')", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "noop", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Nil(t, res.Value)
	assert.Equal(t, "hi", res.Stdout)
}

func TestInvoke_TimeoutKeepsPartialOutput(t *testing.T) {
	te := newTestEngine(t, Config{TimeLimit: 500 * time.Millisecond})
	id := te.add(t, "define spin():\n  console.log('started')\n  while (true) {}", nil)

	start := time.Now()
	res, err := te.Invoke(context.Background(), Request{Name: "spin", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Nil(t, res.Value)
	assert.Contains(t, res.Stdout, "started")
	assert.Less(t, time.Since(start), 10*time.Second)
	te.assertNoUnits(t)
}

func TestInvoke_BoundedCapture(t *testing.T) {
	te := newTestEngine(t, Config{MaxStdout: 10})
	id := te.add(t, "define chatty(n):\n  for (var i = 0; i < n; i++) console.log('line', i)\n  return 'done'", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "chatty", FileID: id, Args: []any{1000}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status, res.Error)
	assert.Equal(t, "done", res.Value, "return value survives eviction")

	lines := strings.Split(res.Stdout, "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "line 990", lines[0])
	assert.Equal(t, "line 999", lines[9])
	assert.Equal(t, 990, res.DroppedLines)
}

func TestInvoke_MemoryExceeded(t *testing.T) {
	te := newTestEngine(t, Config{MemoryLimit: 64 << 20})
	id := te.add(t, "define hog():\n  var keep = []\n  while (true) keep.push(new Array(1000000).fill(1))", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "hog", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusMemoryExceeded, res.Status, res.Error)
	assert.Greater(t, res.PeakMemoryDelta, int64(64<<20))
}

func TestInvoke_Crash(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define boom(): throw new Error('kaput')", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "boom", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusCrashed, res.Status)
	assert.Equal(t, unit.ExitException, res.ExitCode)
	assert.Contains(t, res.Stderr, "kaput")
	assert.NotEmpty(t, res.Error)
}

func TestInvoke_Canceled(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define spin(): while (true) {}", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := te.Invoke(ctx, Request{Name: "spin", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
}

func TestInvoke_PrepareErrors(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define mine(x): return x", &security.Credentials{Identity: "alice", Secret: "pw"})
	ctx := context.Background()

	_, err := te.Invoke(ctx, Request{Name: "missing", FileID: id})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = te.Invoke(ctx, Request{Name: "mine", FileID: id, Credentials: &security.Credentials{Identity: "alice", Secret: "bad"}})
	assert.ErrorIs(t, err, security.ErrUnauthorized)

	_, err = te.Invoke(ctx, Request{Name: "mine", FileID: id, Credentials: &security.Credentials{Identity: "bob", Secret: "pw"}})
	assert.ErrorIs(t, err, security.ErrUnknownIdentity)

	res, err := te.Invoke(ctx, Request{Name: "mine", FileID: id, Args: []any{"x"}, Credentials: &security.Credentials{Identity: "alice", Secret: "pw"}})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Value)
	te.assertNoUnits(t)
}

func TestInvoke_Concurrent(t *testing.T) {
	te := newTestEngine(t, Config{})
	id := te.add(t, "define sq(x): return x * x", nil)

	var wg sync.WaitGroup
	results := make([]*Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := te.Invoke(context.Background(), Request{Name: "sq", FileID: id, Args: []any{i}})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, int64(i*i), res.Value)
	}
}

func TestInvoke_SpawnFailure(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.cfg.Interpreter = []string{"/nonexistent/interpreter"}
	id := te.add(t, "define f(): return 1", nil)

	res, err := te.Invoke(context.Background(), Request{Name: "f", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusCrashed, res.Status)
	assert.Contains(t, res.Error, "start unit")
}

func TestLower(t *testing.T) {
	got, err := lower("add", []string{"", "define add(a: int, b = 2) -> int: return a + b", "// trailing"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"var func = (function () {",
		"",
		"function add(a, b) {",
		"return a + b",
		"// trailing",
		"}",
		"return add;",
		"})();",
	}, got)

	got, err = lower("delete", []string{"define delete(): return 1"})
	require.NoError(t, err)
	assert.Contains(t, got, "function func() {")

	_, err = lower("x", []string{"nope"})
	assert.Error(t, err)
}

func TestInvoke_NamesOfDriverGlobals(t *testing.T) {
	te := newTestEngine(t, Config{})
	for _, name := range []string{"__main", "__decodeArgs", "__encodeResult", "__returnSentinel", "console", "func", "delete"} {
		t.Run(name, func(t *testing.T) {
			id := te.add(t, "define "+name+"(a, b): return a + b", nil)
			res, err := te.Invoke(context.Background(), Request{Name: name, FileID: id, Args: []any{2, 3}})
			require.NoError(t, err)
			require.Equal(t, StatusOK, res.Status, res.Error)
			assert.Equal(t, int64(5), res.Value)
			assert.Empty(t, res.Stdout)
		})
	}
}

func TestInvoke_TimeoutKeepsReturnValue(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	te := newTestEngine(t, Config{TimeLimit: 300 * time.Millisecond})
	id := te.add(t, "define late(): return 1", nil)

	value, err := wire.EncodeValue("partial")
	require.NoError(t, err)
	te.cfg.Interpreter = []string{sh, "-c", `printf '%s\n%s\n' "$RET_SENTINEL" "$RET_VALUE"; exec sleep 30`, "sh"}
	te.cfg.Env = []string{"RET_SENTINEL=" + te.codec.ReturnSentinel(), "RET_VALUE=" + value}

	res, err := te.Invoke(context.Background(), Request{Name: "late", FileID: id})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, "partial", res.Value)
	assert.Empty(t, res.Stdout)
}

func TestRender(t *testing.T) {
	codec, err := signature.New("XYZ")
	require.NoError(t, err)
	out, err := render(codec, []string{"function func() {", "}"})
	require.NoError(t, err)

	assert.NotContains(t, out, keyphrase)
	assert.Contains(t, out, `var __returnSentinel = "//function-return: XYZ";`)
	assert.Contains(t, out, "//start-function: XYZ\nfunction func() {\n}\n//end-function: XYZ")
	assert.Contains(t, driverTemplate, keyphrase, "template is never mutated")
}

func TestCapture(t *testing.T) {
	c := newCapture(3, 64, "SENT")
	for _, l := range []string{"a", "b", "SENT", "x", "c", "d", "SENT", "v"} {
		c.add(l)
	}
	printed, seen, tail := c.result()
	assert.True(t, seen)
	assert.Equal(t, []string{"x", "c", "d"}, printed)
	assert.Equal(t, []string{"v"}, tail)
}

func TestCapture_LongLinesAreTruncated(t *testing.T) {
	c := newCapture(5, 16, "")
	in := strings.Repeat("x", 100) + "\nnext\r\n" + strings.Repeat("y", 40)
	require.NoError(t, c.drain(strings.NewReader(in)))

	printed, _, _ := c.result()
	assert.Equal(t, []string{strings.Repeat("x", 16), "next", strings.Repeat("y", 16)}, printed)
	assert.Equal(t, 2, c.truncated())
}
