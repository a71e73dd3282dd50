package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
	"companion/internal/middleware"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func useTempStore(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "ctl.db"))
	t.Setenv("TIERS_FILE", "")
}

func TestBalanceCreatesAccount(t *testing.T) {
	useTempStore(t)
	stdout, _, err := executeCLI(t, "balance", "42")
	require.NoError(t, err)
	assert.Contains(t, stdout, "balance: 100")
	assert.Contains(t, stdout, "tier: free")
}

func TestGrantThenBalanceJSON(t *testing.T) {
	useTempStore(t)
	stdout, _, err := executeCLI(t, "grant", "42", "50", "--note", "support")
	require.NoError(t, err)
	assert.Contains(t, stdout, "balance 150")

	stdout, _, err = executeCLI(t, "balance", "42", "--json")
	require.NoError(t, err)
	var view accountView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.EqualValues(t, 150, view.Balance)
}

func TestGrantRejectsSpendKinds(t *testing.T) {
	useTempStore(t)
	_, _, err := executeCLI(t, "grant", "42", "50", "--kind", "consume")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = executeCLI(t, "grant", "42", "-5")
	require.Error(t, err)
}

func TestInvalidAccountID(t *testing.T) {
	useTempStore(t)
	_, _, err := executeCLI(t, "balance", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account id")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	useTempStore(t)
	stdout, _, err := executeCLI(t, "subscribe", "7", "--tier", "pro", "--event-id", "evt_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "now pro (bonus 2000)")

	_, _, err = executeCLI(t, "subscribe", "7", "--tier", "pro", "--event-id", "evt_1")
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)

	stdout, _, err = executeCLI(t, "balance", "7")
	require.NoError(t, err)
	assert.Contains(t, stdout, "balance: 2100")
}

func TestTrialAndAudit(t *testing.T) {
	useTempStore(t)
	stdout, _, err := executeCLI(t, "trial", "9", "--tier", "basic", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "basic trial")

	stdout, _, err = executeCLI(t, "audit", "9")
	require.NoError(t, err)
	assert.Contains(t, stdout, "consistent: true")

	stdout, _, err = executeCLI(t, "history", "9", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, stdout, string(domain.TxSubscriptionChange))
	assert.Contains(t, stdout, string(domain.TxPurchase))
}

func TestPlansListsTiers(t *testing.T) {
	useTempStore(t)
	stdout, _, err := executeCLI(t, "plans")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "free"))
}

func TestTokenVerifies(t *testing.T) {
	useTempStore(t)
	t.Setenv("JWT_SECRET", "ctl-secret")
	stdout, _, err := executeCLI(t, "token", "--role", "admin", "--sub", "ops")
	require.NoError(t, err)

	claims, err := middleware.VerifyJWT("ctl-secret", strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, middleware.RoleAdmin, claims.Role)
	assert.Equal(t, "ops", claims.Sub)
}

func TestTokenNeedsSecret(t *testing.T) {
	useTempStore(t)
	t.Setenv("JWT_SECRET", "")
	_, _, err := executeCLI(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "ctl-secret")
	_, _, err = executeCLI(t, "token", "--role", "root")
	require.Error(t, err)
}
