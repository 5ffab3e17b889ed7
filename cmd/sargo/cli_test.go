package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/sargo-finance/sargo/service/server"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type cliEnv struct {
	t      *testing.T
	url    string
	engine *escrow.Engine
	owner  account.Identity
	agent  account.Identity
	client account.Identity
}

func newCLIEnv(t *testing.T, opts ...escrow.Option) *cliEnv {
	t.Helper()
	env := &cliEnv{
		t:      t,
		owner:  account.Generate(),
		agent:  account.Generate(),
		client: account.Generate(),
	}
	guard := access.NewGuard(env.owner, testLogger())
	require.NoError(t, guard.Grant(env.owner, env.agent, access.RoleAgent))

	fees, err := fee.NewPolicy(fee.Rates{
		AgentRate:    dec("0.025"),
		TreasuryRate: dec("0.02"),
		TransferRate: dec("0.01"),
	}, guard, nil, testLogger())
	require.NoError(t, err)

	l := ledger.NewMemory(testLogger())
	opts = append([]escrow.Option{escrow.WithLogger(testLogger())}, opts...)
	env.engine, err = escrow.New(escrow.Config{Escrow: account.Generate(), Treasury: account.Generate()},
		l, guard, fees, earnings.NewTracker(), opts...)
	require.NoError(t, err)
	require.NoError(t, env.engine.Restore(context.Background()))

	deps := server.Deps{Engine: env.engine, Ledger: l, Guard: guard, Fees: fees}
	ts := httptest.NewServer(server.New(":0", deps, testLogger()).Handler())
	t.Cleanup(ts.Close)
	env.url = ts.URL
	return env
}

// run executes the CLI and returns what it wrote to stdout.
func (e *cliEnv) run(as account.Identity, args ...string) (string, error) {
	e.t.Helper()
	full := []string{"sargo", "--server-url", e.url}
	if !as.IsZero() {
		full = append(full, "--identity", as.String())
	}
	return runCLI(e.t, append(full, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	defer func() { stdout = prev }()

	err := newApp().Run(args)
	return buf.String(), err
}

func TestDepositLifecycleViaCLI(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(env.owner, "ledger", "mint", env.agent.String(), "50")
	require.NoError(t, err)
	_, err = env.run(env.agent, "ledger", "approve", "50")
	require.NoError(t, err)

	out, err := env.run(env.client, "--jq", ".id", "escrow", "deposit",
		"--amount", "10", "--currency", "KES", "--rate", "129.5", "--method", "MPESA")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = env.run(env.agent, "--jq", ".status", "escrow", "accept", "--name", "Otieno", "1")
	require.NoError(t, err)
	assert.Equal(t, "paired\n", out)

	_, err = env.run(env.client, "escrow", "confirm", "1")
	require.NoError(t, err)
	out, err = env.run(env.agent, "escrow", "confirm", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:          completed")

	out, err = env.run(account.None, "--jq", ".total_earned", "escrow", "earnings", env.agent.String())
	require.NoError(t, err)
	assert.Equal(t, "0.25\n", out)

	out, err = env.run(account.None, "--json", "ledger", "balance", env.client.String())
	require.NoError(t, err)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.True(t, dec("10").Equal(bal.Balance))
}

func TestRequestsWhereFilter(t *testing.T) {
	env := newCLIEnv(t)

	for _, currency := range []string{"KES", "UGX", "KES"} {
		_, err := env.run(env.client, "escrow", "deposit", "--amount", "1", "--currency", currency, "--rate", "100")
		require.NoError(t, err)
	}

	out, err := env.run(account.None, "--jq", "[.[].id]", "escrow", "requests", "--where", `.currency_code == "KES"`)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,3]`, out)

	out, err = env.run(account.None, "--json", "escrow", "requests",
		"--where", `.currency_code == "KES"`, "--where", `.id > 1`)
	require.NoError(t, err)
	var txs []escrow.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(3), txs[0].ID)
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)
	stranger := account.Generate()

	tests := []struct {
		name    string
		as      account.Identity
		args    []string
		wantErr string
	}{
		{"deposit without identity", account.None, []string{"escrow", "deposit", "--amount", "1", "--currency", "KES", "--rate", "1"}, "acts on behalf of an identity"},
		{"bad amount", env.client, []string{"escrow", "deposit", "--amount", "ten", "--currency", "KES", "--rate", "1"}, "invalid amount"},
		{"missing tx id", env.client, []string{"escrow", "get"}, "transaction id is required"},
		{"zero tx id", env.client, []string{"escrow", "get", "0"}, "invalid transaction id"},
		{"unknown tx", env.client, []string{"escrow", "get", "9"}, "status 404"},
		{"mint by stranger", stranger, []string{"ledger", "mint", stranger.String(), "1"}, "status 403"},
		{"confirm by non-party", stranger, []string{"escrow", "confirm", "1"}, "status 404"},
		{"bad jq", account.None, []string{"--jq", ".[", "fees", "get"}, "failed to parse jq filter"},
		{"invalid rates", env.owner, []string{"fees", "set", "--agent-rate", "0.7", "--treasury-rate", "0.7", "--transfer-rate", "0"}, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(tt.as, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAdminAndFeesViaCLI(t *testing.T) {
	env := newCLIEnv(t)
	operator := account.Generate()

	out, err := env.run(env.owner, "admin", "grant", operator.String(), "operator")
	require.NoError(t, err)
	assert.Contains(t, out, "operator")

	out, err = env.run(operator, "--json", "fees", "set", "--agent-rate", "0.01", "--treasury-rate", "0.01", "--transfer-rate", "0.005")
	require.NoError(t, err)
	assert.Contains(t, out, `"transfer_rate": "0.005"`)

	out, err = env.run(account.None, "--jq", ".total_amount", "fees", "quote", "200")
	require.NoError(t, err)
	assert.Equal(t, "204\n", out)

	_, err = env.run(env.owner, "admin", "pause")
	require.NoError(t, err)
	_, err = env.run(env.client, "escrow", "deposit", "--amount", "1", "--currency", "KES", "--rate", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	_, err = env.run(env.owner, "admin", "unpause")
	require.NoError(t, err)

	out, err = env.run(account.None, "--jq", ".roles | length", "admin", "roles", operator.String())
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestDBCommandsReadSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sargo.db")
	store, err := db.OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := newCLIEnv(t, escrow.WithStore(store))
	_, err = env.run(env.client, "escrow", "deposit", "--amount", "3", "--currency", "KES", "--rate", "1")
	require.NoError(t, err)
	_, err = env.run(env.client, "escrow", "cancel", "--reason", "changed my mind", "1")
	require.NoError(t, err)
	_, err = env.run(env.client, "escrow", "deposit", "--amount", "4", "--currency", "KES", "--rate", "1")
	require.NoError(t, err)

	out, err := runCLI(t, "sargo", "--sqlite-path", path, "--json", "db", "stats")
	require.NoError(t, err)
	var st db.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Transactions)
	assert.Equal(t, 1, st.ByStatus["cancelled"])
	assert.Equal(t, 1, st.ByStatus["requested"])
	assert.Equal(t, uint64(3), st.NextTxID)

	out, err = runCLI(t, "sargo", "--sqlite-path", path, "--jq", ".[].id", "db", "ls", "--status", "cancelled")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = runCLI(t, "sargo", "--sqlite-path", path, "db", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "changed my mind")

	_, err = runCLI(t, "sargo", "db", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a store is required")
}

func TestHealthCommand(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unhealthy", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out, err := runCLI(t, "sargo", "--server-url", srv.URL, "server", "health")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, "Server is healthy")
		})
	}
}

func TestVersionAndKeygen(t *testing.T) {
	out, err := runCLI(t, "sargo", "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")

	out, err = runCLI(t, "sargo", "dev", "keygen", "-n", "3")
	require.NoError(t, err)
	lines := strings.Fields(out)
	require.Len(t, lines, 3)
	for _, l := range lines {
		_, err := account.Parse(l)
		assert.NoError(t, err)
	}
}

func TestIsTruthy(t *testing.T) {
	tests := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{0, true},
		{"", true},
		{map[string]any{}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTruthy(tt.v), "%#v", tt.v)
	}
}
