package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	t        *testing.T
	handler  http.Handler
	engine   *escrow.Engine
	ledger   *ledger.Memory
	guard    *access.Guard
	owner    account.Identity
	escrow   account.Identity
	treasury account.Identity
	client   account.Identity
	agent    account.Identity
	arbiter  account.Identity
}

func newTestEnv(t *testing.T, mutate func(d *Deps), opts ...escrow.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		ledger:   ledger.NewMemory(testLogger()),
		owner:    account.Generate(),
		escrow:   account.Generate(),
		treasury: account.Generate(),
		client:   account.Generate(),
		agent:    account.Generate(),
		arbiter:  account.Generate(),
	}
	env.guard = access.NewGuard(env.owner, testLogger())
	require.NoError(t, env.guard.Grant(env.owner, env.agent, access.RoleAgent))
	require.NoError(t, env.guard.Grant(env.owner, env.arbiter, access.RoleArbiter))

	fees, err := fee.NewPolicy(fee.Rates{
		AgentRate:    dec("0.025"),
		TreasuryRate: dec("0.02"),
		TransferRate: dec("0.01"),
	}, env.guard, nil, testLogger())
	require.NoError(t, err)

	opts = append([]escrow.Option{escrow.WithLogger(testLogger())}, opts...)
	env.engine, err = escrow.New(escrow.Config{Escrow: env.escrow, Treasury: env.treasury},
		env.ledger, env.guard, fees, earnings.NewTracker(), opts...)
	require.NoError(t, err)

	deps := Deps{Engine: env.engine, Ledger: env.ledger, Guard: env.guard, Fees: fees}
	if mutate != nil {
		mutate(&deps)
	}
	env.handler = New(":0", deps, testLogger()).Handler()
	return env
}

func (e *testEnv) do(method, path string, caller account.Identity, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if !caller.IsZero() {
		req.Header.Set(IdentityHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// fund mints to id over HTTP and approves the escrow identity.
func (e *testEnv) fund(id account.Identity, amount string) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/ledger/mint", e.owner, `{"to":"`+id.String()+`","amount":"`+amount+`"}`)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(http.MethodPost, "/api/v1/ledger/approve", id, `{"amount":"`+amount+`"}`)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) deposit(amount string) uint64 {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/deposits", e.client,
		`{"amount":"`+amount+`","currency_code":"KES","conversion_rate":"129.5","payment_method":"MPESA"}`)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createdResponse
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func decodeTx(t *testing.T, rec *httptest.ResponseRecorder) escrow.Transaction {
	t.Helper()
	var tx escrow.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx), rec.Body.String())
	return tx
}

func TestDepositLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(env.agent, "10")

	id := env.deposit("2")
	assert.Equal(t, uint64(1), id)

	rec := env.do(http.MethodGet, "/api/v1/requests", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = env.do(http.MethodPost, "/api/v1/deposits/1/accept", env.agent, `{"agent_name":"Otieno"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tx := decodeTx(t, rec)
	assert.Equal(t, escrow.Paired, tx.Status)
	assert.Equal(t, env.agent, tx.AgentAccount)
	assert.True(t, dec("2.09").Equal(tx.TotalAmount))
	assert.Contains(t, rec.Body.String(), `"status":"paired"`)

	rec = env.do(http.MethodPost, "/api/v1/transactions/1/confirm/client", env.client, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/api/v1/transactions/1/confirm/agent", env.agent, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.Completed, decodeTx(t, rec).Status)

	rec = env.do(http.MethodGet, "/api/v1/accounts/"+env.agent.String()+"/earnings", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var earned earnings.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &earned))
	assert.True(t, dec("0.05").Equal(earned.TotalEarned))

	rec = env.do(http.MethodGet, "/api/v1/summary", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum escrow.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.True(t, sum.Held.IsZero())
	assert.Zero(t, sum.OpenRequests)

	rec = env.do(http.MethodGet, "/api/v1/ledger/balances/"+env.client.String(), account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.True(t, dec("2").Equal(bal.Balance))

	rec = env.do(http.MethodGet, "/api/v1/accounts/"+env.client.String()+"/history?limit=10", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(env.agent, "10")
	id := env.deposit("2")
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/deposits/1/accept", env.agent, "").Code)
	_ = id

	rec := env.do(http.MethodPost, "/api/v1/transactions/1/dispute", env.client, `{"reason":"no mpesa received"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no mpesa received", decodeTx(t, rec).Reason)

	rec = env.do(http.MethodPost, "/api/v1/transactions/1/claim", env.arbiter, `{"resolution":"reviewing"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.Claimed, decodeTx(t, rec).Status)

	rec = env.do(http.MethodPost, "/api/v1/transactions/1/refund", env.client,
		`{"client_amount":"1","agent_amount":"1","resolution":"split"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/transactions/1/refund", env.arbiter,
		`{"client_amount":"1","agent_amount":"1","resolution":"split"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.Resolved, decodeTx(t, rec).Status)
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(env.agent, "10")
	env.deposit("2")
	env.deposit("3")
	stranger := account.Generate()
	poor := account.Generate()
	require.NoError(t, env.guard.Grant(env.owner, poor, access.RoleAgent))

	tests := []struct {
		name   string
		method string
		path   string
		caller account.Identity
		body   string
		want   int
	}{
		{"unknown transaction", http.MethodGet, "/api/v1/transactions/99", account.None, "", http.StatusNotFound},
		{"non-numeric id", http.MethodGet, "/api/v1/transactions/abc", account.None, "", http.StatusBadRequest},
		{"zero id", http.MethodGet, "/api/v1/transactions/0", account.None, "", http.StatusBadRequest},
		{"missing caller", http.MethodPost, "/api/v1/deposits", account.None, `{"amount":"1","currency_code":"KES","conversion_rate":"1"}`, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/api/v1/deposits", env.client, `{"amount":"0","currency_code":"KES","conversion_rate":"1"}`, http.StatusBadRequest},
		{"self pairing", http.MethodPost, "/api/v1/deposits/1/accept", env.client, "", http.StatusConflict},
		{"not an agent", http.MethodPost, "/api/v1/deposits/1/accept", stranger, "", http.StatusForbidden},
		{"no allowance", http.MethodPost, "/api/v1/deposits/1/accept", poor, "", http.StatusUnprocessableEntity},
		{"dispute unpaired", http.MethodPost, "/api/v1/transactions/2/dispute", env.client, "", http.StatusConflict},
		{"grant by stranger", http.MethodPost, "/api/v1/admin/roles/grant", stranger, `{"identity":"` + stranger.String() + `","role":"agent"}`, http.StatusForbidden},
		{"unknown role", http.MethodPost, "/api/v1/admin/roles/grant", env.owner, `{"identity":"` + stranger.String() + `","role":"king"}`, http.StatusBadRequest},
		{"mint by stranger", http.MethodPost, "/api/v1/ledger/mint", stranger, `{"to":"` + stranger.String() + `","amount":"5"}`, http.StatusForbidden},
		{"set fees without operator", http.MethodPut, "/api/v1/fees", stranger, `{"agent_rate":"0.1","treasury_rate":"0.1","transfer_rate":"0"}`, http.StatusForbidden},
		{"invalid rates", http.MethodPut, "/api/v1/fees", env.owner, `{"agent_rate":"0.6","treasury_rate":"0.6","transfer_rate":"0"}`, http.StatusBadRequest},
		{"send to self", http.MethodPost, "/api/v1/transfers/send", env.client, `{"to":"` + env.client.String() + `","amount":"1","currency_code":"KES","conversion_rate":"1"}`, http.StatusConflict},
		{"bad limit", http.MethodGet, "/api/v1/requests?limit=0", account.None, "", http.StatusBadRequest},
		{"limit too large", http.MethodGet, "/api/v1/requests?limit=5000", account.None, "", http.StatusBadRequest},
		{"negative offset", http.MethodGet, "/api/v1/requests?offset=-1", account.None, "", http.StatusBadRequest},
		{"bad identity path", http.MethodGet, "/api/v1/accounts/0OIl/history", account.None, "", http.StatusBadRequest},
		{"bad quote amount", http.MethodGet, "/api/v1/fees/quote?amount=-1", account.None, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if rec.Code >= 400 {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestPausedReturns503(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/admin/pause", env.client, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/admin/pause", env.owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paused":true}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/deposits", env.client, `{"amount":"1","currency_code":"KES","conversion_rate":"1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// reads still work while paused
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/summary", account.None, "").Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/admin/unpause", env.owner, "").Code)
	rec = env.do(http.MethodPost, "/api/v1/deposits", env.client, `{"amount":"1","currency_code":"KES","conversion_rate":"1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPathologicalBodies(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"extremely large body", `{"payment_method":"` + strings.Repeat("A", 2*1024*1024) + `"}`, "request body too large"},
		{"malformed JSON", `{"amount":`, "invalid request body"},
		{"unknown field", `{"amount":"1","bogus":true}`, "invalid request body"},
		{"amount not a number", `{"amount":"lots"}`, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/deposits", env.client, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
	req.Header.Set(IdentityHeader, "not-an-identity")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	// reads ignore the caller
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/deposits", strings.NewReader(`{}`))
	req.Header.Set(IdentityHeader, "not-an-identity")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), IdentityHeader)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	operator := account.Generate()

	rec := env.do(http.MethodPost, "/api/v1/admin/roles/grant", env.owner, `{"identity":"`+operator.String()+`","role":"operator"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"roles":["operator"]`)

	rec = env.do(http.MethodPut, "/api/v1/fees", operator, `{"agent_rate":"0.01","treasury_rate":"0.005","transfer_rate":"0.002"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/fees/quote?amount=100", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var q struct {
		AgentFee    decimal.Decimal `json:"agent_fee"`
		TreasuryFee decimal.Decimal `json:"treasury_fee"`
		TotalAmount decimal.Decimal `json:"total_amount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.True(t, dec("1").Equal(q.AgentFee))
	assert.True(t, dec("0.5").Equal(q.TreasuryFee))
	assert.True(t, dec("101.5").Equal(q.TotalAmount))

	rec = env.do(http.MethodGet, "/api/v1/fees/quote?amount=100&kind=transfer", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.True(t, q.AgentFee.IsZero())
	assert.True(t, dec("0.2").Equal(q.TreasuryFee))

	rec = env.do(http.MethodPost, "/api/v1/admin/roles/revoke", env.owner, `{"identity":"`+operator.String()+`","role":"operator"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"roles":[]`)

	rec = env.do(http.MethodGet, "/api/v1/admin/roles/"+env.owner.String(), account.None, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owner"`)
}

func TestSendAndCreditOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fund(env.client, "100")
	bob := account.Generate()

	rec := env.do(http.MethodPost, "/api/v1/transfers/send", env.client,
		`{"to":"`+bob.String()+`","amount":"50","currency_code":"KES","conversion_rate":"1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, dec("50").Equal(env.ledger.BalanceOf(bob)))
	assert.True(t, dec("50").Equal(env.ledger.BalanceOf(env.client)))
	assert.True(t, env.ledger.BalanceOf(env.treasury).IsZero())

	// custody float is empty, so crediting fails
	rec = env.do(http.MethodPost, "/api/v1/transfers/credit", env.owner,
		`{"to":"`+bob.String()+`","amount":"1","currency_code":"KES","conversion_rate":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/transfers/credit", bob,
		`{"to":"`+env.client.String()+`","amount":"1","currency_code":"KES","conversion_rate":"1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelWithoutBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.deposit("1")

	rec := env.do(http.MethodPost, "/api/v1/transactions/1/cancel", env.client, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, escrow.Cancelled, decodeTx(t, rec).Status)

	rec = env.do(http.MethodPost, "/api/v1/transactions/1/cancel", env.client, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStoreEndpoints(t *testing.T) {
	store := db.NewTestSQLiteStore(t)
	env := newTestEnv(t, func(d *Deps) { d.Store = store }, escrow.WithStore(store))
	env.deposit("1")
	env.deposit("2")
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/transactions/2/cancel", env.client, "").Code)

	rec := env.do(http.MethodGet, "/api/v1/store/stats", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st db.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Transactions)
	assert.Equal(t, 1, st.ByStatus["cancelled"])

	rec = env.do(http.MethodGet, "/api/v1/store/transactions?status=cancelled", account.None, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(http.MethodGet, "/api/v1/store/transactions?status=exploded", account.None, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/store/stats", account.None, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/stream/events", account.None, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/metrics", account.None, "").Code)
}

func TestHealthAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", account.None, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(http.MethodOptions, "/api/v1/deposits", account.None, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), IdentityHeader)
}
