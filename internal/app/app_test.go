package app

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/customlambda/customlambda/internal/config"
	"github.com/customlambda/customlambda/internal/observability"
	"github.com/customlambda/customlambda/internal/runner"
	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/store"
	"github.com/customlambda/customlambda/internal/unit"
)

const helperEnv = "CUSTOMLAMBDA_TEST_UNIT_HELPER"

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

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.WorkDir = t.TempDir()
	cfg.Backend = backend
	cfg.BcryptCost = bcrypt.MinCost
	cfg.TimeLimit = config.Duration{Duration: 30 * time.Second}
	cfg.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, Options{
		Logger:      observability.Discard(),
		Metrics:     observability.NewMetrics(false),
		Interpreter: []string{os.Args[0]},
		Env:         []string{helperEnv + "=1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_Lifecycle(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			svc := newTestService(t, testConfig(t, backend))
			ctx := context.Background()

			fn, err := svc.AddFunction(ctx, "define add(a, b):\n  return a + b", nil)
			require.NoError(t, err)
			assert.Equal(t, "add", fn.Name)
			assert.Equal(t, []string{"a", "b"}, fn.Params)

			listing, err := svc.ListFunctions(ctx, security.Credentials{})
			require.NoError(t, err)
			assert.Equal(t, 1, listing.Count())

			res, err := svc.InvokeFunction(ctx, nil, "add", fn.FileID, []any{2, 3})
			require.NoError(t, err)
			require.Equal(t, runner.StatusOK, res.Status, res.Error)
			assert.Equal(t, int64(5), res.Value)

			require.NoError(t, svc.ModifyFunction(ctx, security.Credentials{}, "add", "define add(a, b):\n  return a * b", fn.FileID))
			res, err = svc.InvokeFunction(ctx, nil, "add", fn.FileID, []any{2, 3})
			require.NoError(t, err)
			assert.Equal(t, int64(6), res.Value)

			require.NoError(t, svc.DeleteFunction(ctx, security.Credentials{}, "add", fn.FileID))
			_, err = svc.InvokeFunction(ctx, nil, "add", fn.FileID, nil)
			assert.ErrorIs(t, err, store.ErrNotFound)

			dash := svc.Dashboard(time.Time{}, 10)
			assert.Equal(t, 2, dash.Total)

			events, err := svc.AuditEvents(security.AuditFilter{Type: security.AuditFuncInvoke})
			require.NoError(t, err)
			assert.Len(t, events, 3, "two runs and one missing function")
		})
	}
}

func TestService_AuthoredFunction(t *testing.T) {
	svc := newTestService(t, testConfig(t, config.BackendFile))
	ctx := context.Background()
	alice := security.Credentials{Identity: "alice", Secret: "pw"}

	fn, err := svc.AddFunction(ctx, "define secret(): return 42", &alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", fn.Author)

	_, _, err = svc.GetFunction(ctx, security.Credentials{}, "secret", fn.FileID)
	assert.ErrorIs(t, err, security.ErrUnknownIdentity)

	_, src, err := svc.GetFunction(ctx, alice, "secret", fn.FileID)
	require.NoError(t, err)
	assert.Contains(t, src[0], "define secret()")

	err = svc.DeleteFunction(ctx, security.Credentials{Identity: "alice", Secret: "bad"}, "secret", fn.FileID)
	assert.ErrorIs(t, err, security.ErrUnauthorized)

	_, err = svc.InvokeFunction(ctx, &security.Credentials{Identity: "alice", Secret: "bad"}, "secret", fn.FileID, nil)
	assert.ErrorIs(t, err, security.ErrUnauthorized)

	res, err := svc.InvokeFunction(ctx, &alice, "secret", fn.FileID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value)

	outcome, err := svc.VerifyAuthor(ctx, security.Credentials{Identity: "bob", Secret: "pw"}, "secret", fn.FileID)
	require.NoError(t, err)
	assert.Equal(t, security.UnknownIdentity, outcome)

	anon, err := svc.ListFunctions(ctx, security.Credentials{})
	require.NoError(t, err)
	assert.Zero(t, anon.Count())
	mine, err := svc.ListFunctions(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, mine.Count())

	fails, err := svc.AuditEvents(security.AuditFilter{Type: security.AuditAuthAttempt})
	require.NoError(t, err)
	assert.Len(t, fails, 4)
	series, err := testutil.GatherAndCount(svc.Metrics().Registry, "customlambda_auth_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "unauthorized and unknown_identity")
}

func TestService_ValidationIsAudited(t *testing.T) {
	svc := newTestService(t, testConfig(t, config.BackendFile))
	_, err := svc.AddFunction(context.Background(), "not a header", nil)
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, "invalid", Outcome(err))

	events, err := svc.AuditEvents(security.AuditFilter{Type: security.AuditInputReject})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestService_AuditDisabled(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	cfg.Audit = false
	svc := newTestService(t, cfg)
	_, err := svc.AddFunction(context.Background(), "define f(): return 1", nil)
	require.NoError(t, err)
	_, statErr := os.Stat(cfg.AuditPath())
	assert.True(t, os.IsNotExist(statErr))

	events, err := svc.AuditEvents(security.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOutcome(t *testing.T) {
	tests := map[string]error{
		"ok":               nil,
		"not_found":        fmt.Errorf("x: %w", store.ErrNotFound),
		"already_exists":   store.ErrAlreadyExists,
		"unauthorized":     security.ErrUnauthorized,
		"unknown_identity": security.ErrUnknownIdentity,
		"bad_args":         runner.ErrBadArgs,
		"canceled":         context.Canceled,
		"error":            fmt.Errorf("boom"),
	}
	for want, err := range tests {
		assert.Equal(t, want, Outcome(err))
	}
}
