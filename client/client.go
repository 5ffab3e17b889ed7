// Package client is the HTTP client for the sargo escrow service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/db"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
	"github.com/shopspring/decimal"
)

// IdentityHeader carries the caller identity on every request.
const IdentityHeader = "X-Sargo-Identity"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err if it is an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is the HTTP client for the sargo escrow service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   account.Identity
	logger     *slog.Logger
}

// NewClient creates a new escrow service client. Requests are anonymous
// until WithIdentity is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithIdentity returns a copy of the client that acts as id.
func (c *Client) WithIdentity(id account.Identity) *Client {
	cp := *c
	cp.identity = id
	return &cp
}

// Identity returns the identity the client acts as.
func (c *Client) Identity() account.Identity {
	return c.identity
}

// RequestPage is one page of open requests.
type RequestPage struct {
	Requests []escrow.Transaction `json:"requests"`
	Count    int                  `json:"count"`
	Total    int                  `json:"total"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
}

// HistoryPage is one page of an identity's transaction history.
type HistoryPage struct {
	Identity     account.Identity     `json:"identity"`
	Transactions []escrow.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// Quote is the fee breakdown for an amount.
type Quote struct {
	Amount      decimal.Decimal `json:"amount"`
	AgentFee    decimal.Decimal `json:"agent_fee"`
	TreasuryFee decimal.Decimal `json:"treasury_fee"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// AccountBalance is an identity's ledger balance and its allowance to escrow.
type AccountBalance struct {
	Identity        account.Identity `json:"identity"`
	Balance         decimal.Decimal  `json:"balance"`
	EscrowAllowance decimal.Decimal  `json:"escrow_allowance"`
}

// BalanceSheet lists every non-zero ledger balance.
type BalanceSheet struct {
	Balances    []ledger.Balance `json:"balances"`
	TotalSupply decimal.Decimal  `json:"total_supply"`
}

type createdResponse struct {
	ID uint64 `json:"id"`
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// InitiateDeposit opens a deposit request and returns its id.
func (c *Client) InitiateDeposit(ctx context.Context, req escrow.DepositRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/deposits", req)
}

// InitiateWithdrawal opens a withdrawal request and returns its id.
func (c *Client) InitiateWithdrawal(ctx context.Context, req escrow.WithdrawalRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/withdrawals", req)
}

// AcceptDeposit pairs the caller as agent on a deposit.
func (c *Client) AcceptDeposit(ctx context.Context, id uint64, info escrow.AgentInfo) (*escrow.Transaction, error) {
	return c.transition(ctx, fmt.Sprintf("/api/v1/deposits/%d/accept", id), info)
}

// AcceptWithdrawal pairs the caller as client on a withdrawal.
func (c *Client) AcceptWithdrawal(ctx context.Context, id uint64, info escrow.ClientInfo) (*escrow.Transaction, error) {
	return c.transition(ctx, fmt.Sprintf("/api/v1/withdrawals/%d/accept", id), info)
}

// ClientConfirm records the client's payment confirmation.
func (c *Client) ClientConfirm(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "confirm/client"), nil)
}

// AgentConfirm records the agent's payment confirmation.
func (c *Client) AgentConfirm(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "confirm/agent"), nil)
}

// Cancel cancels an open or paired transaction.
func (c *Client) Cancel(ctx context.Context, id uint64, reason string) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "cancel"), map[string]string{"reason": reason})
}

// Dispute raises a dispute on a paired transaction.
func (c *Client) Dispute(ctx context.Context, id uint64, reason string) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "dispute"), map[string]string{"reason": reason})
}

// Claim settles a disputed transaction in favour of the funded party.
func (c *Client) Claim(ctx context.Context, id uint64, resolution string) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "claim"), map[string]string{"resolution": resolution})
}

// Void closes a disputed transaction without paying either party.
func (c *Client) Void(ctx context.Context, id uint64, resolution string) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "void"), map[string]string{"resolution": resolution})
}

// Refund splits a disputed transaction between client and agent.
func (c *Client) Refund(ctx context.Context, id uint64, clientAmount, agentAmount decimal.Decimal, resolution string) (*escrow.Transaction, error) {
	return c.transition(ctx, txPath(id, "refund"), map[string]any{
		"client_amount": clientAmount,
		"agent_amount":  agentAmount,
		"resolution":    resolution,
	})
}

// Send moves tokens from the caller to another identity through escrow.
func (c *Client) Send(ctx context.Context, req escrow.TransferRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/transfers/send", req)
}

// Credit pays an identity out of the escrow float. Owner only.
func (c *Client) Credit(ctx context.Context, req escrow.TransferRequest) (uint64, error) {
	return c.create(ctx, "/api/v1/transfers/credit", req)
}

// GetTransaction fetches one transaction.
func (c *Client) GetTransaction(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	var tx escrow.Transaction
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/transactions/%d", id), nil, http.StatusOK, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListRequests pages through open requests.
func (c *Client) ListRequests(ctx context.Context, offset, limit int) (*RequestPage, error) {
	var page RequestPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/requests"+pageQuery(offset, limit, nil), nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListHistory pages through the transactions who took part in.
func (c *Client) ListHistory(ctx context.Context, who account.Identity, offset, limit int) (*HistoryPage, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/history", url.PathEscape(who.String()))
	var page HistoryPage
	if err := c.do(ctx, http.MethodGet, path+pageQuery(offset, limit, nil), nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetEarnings returns the cumulative fee earnings of who.
func (c *Client) GetEarnings(ctx context.Context, who account.Identity) (*earnings.Record, error) {
	var rec earnings.Record
	path := fmt.Sprintf("/api/v1/accounts/%s/earnings", url.PathEscape(who.String()))
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEarnings returns every earnings record.
func (c *Client) ListEarnings(ctx context.Context) ([]earnings.Record, error) {
	var resp struct {
		Earnings []earnings.Record `json:"earnings"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/earnings", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Earnings, nil
}

// EscrowSummary returns the custody accounting view.
func (c *Client) EscrowSummary(ctx context.Context) (*escrow.Summary, error) {
	var s escrow.Summary
	if err := c.do(ctx, http.MethodGet, "/api/v1/summary", nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetFees returns the current fee rates.
func (c *Client) GetFees(ctx context.Context) (*fee.Rates, error) {
	var rates fee.Rates
	if err := c.do(ctx, http.MethodGet, "/api/v1/fees", nil, http.StatusOK, &rates); err != nil {
		return nil, err
	}
	return &rates, nil
}

// SetFees replaces the fee rates. Operator only.
func (c *Client) SetFees(ctx context.Context, rates fee.Rates) (*fee.Rates, error) {
	var out fee.Rates
	if err := c.do(ctx, http.MethodPut, "/api/v1/fees", rates, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quote prices amount. kind is "order" or "transfer".
func (c *Client) Quote(ctx context.Context, amount decimal.Decimal, kind string) (*Quote, error) {
	q := url.Values{"amount": {amount.String()}}
	if kind != "" {
		q.Set("kind", kind)
	}
	var out Quote
	if err := c.do(ctx, http.MethodGet, "/api/v1/fees/quote?"+q.Encode(), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mint issues tokens to an identity on the reference ledger. Owner only.
func (c *Client) Mint(ctx context.Context, to account.Identity, amount decimal.Decimal) (*ledger.Balance, error) {
	var bal ledger.Balance
	body := map[string]any{"to": to, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/mint", body, http.StatusOK, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

// Burn destroys tokens held by the caller.
func (c *Client) Burn(ctx context.Context, amount decimal.Decimal) (*ledger.Balance, error) {
	var bal ledger.Balance
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/burn", map[string]any{"amount": amount}, http.StatusOK, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

// Approve sets the caller's allowance for spender and returns it. A zero
// spender approves the escrow custody identity.
func (c *Client) Approve(ctx context.Context, spender account.Identity, amount decimal.Decimal) (decimal.Decimal, error) {
	body := map[string]any{"amount": amount}
	if !spender.IsZero() {
		body["spender"] = spender
	}
	var resp struct {
		Allowance decimal.Decimal `json:"allowance"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/ledger/approve", body, http.StatusOK, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Allowance, nil
}

// Balance returns who's ledger balance and escrow allowance.
func (c *Client) Balance(ctx context.Context, who account.Identity) (*AccountBalance, error) {
	var bal AccountBalance
	path := fmt.Sprintf("/api/v1/ledger/balances/%s", url.PathEscape(who.String()))
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

// Balances lists every non-zero ledger balance.
func (c *Client) Balances(ctx context.Context) (*BalanceSheet, error) {
	var sheet BalanceSheet
	if err := c.do(ctx, http.MethodGet, "/api/v1/ledger/balances", nil, http.StatusOK, &sheet); err != nil {
		return nil, err
	}
	return &sheet, nil
}

// Pause halts all state-changing escrow operations. Owner only.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/pause", nil, http.StatusOK, nil)
}

// Unpause resumes escrow operations. Owner only.
func (c *Client) Unpause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/unpause", nil, http.StatusOK, nil)
}

// Grant gives who a role and returns the roles who now holds.
func (c *Client) Grant(ctx context.Context, who account.Identity, role string) ([]string, error) {
	return c.roles(ctx, http.MethodPost, "/api/v1/admin/roles/grant", map[string]any{"identity": who, "role": role})
}

// Revoke removes a role from who and returns the roles who still holds.
func (c *Client) Revoke(ctx context.Context, who account.Identity, role string) ([]string, error) {
	return c.roles(ctx, http.MethodPost, "/api/v1/admin/roles/revoke", map[string]any{"identity": who, "role": role})
}

// Roles lists the roles held by who.
func (c *Client) Roles(ctx context.Context, who account.Identity) ([]string, error) {
	return c.roles(ctx, http.MethodGet, "/api/v1/admin/roles/"+url.PathEscape(who.String()), nil)
}

// StoreStats reports what the server's persistent store holds.
func (c *Client) StoreStats(ctx context.Context) (*db.Stats, error) {
	var st db.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/store/stats", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StoreTransactions queries persisted transactions. Empty status and a zero
// identity match everything.
func (c *Client) StoreTransactions(ctx context.Context, status string, who account.Identity, offset, limit int) ([]escrow.Transaction, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if !who.IsZero() {
		q.Set("identity", who.String())
	}
	var resp struct {
		Transactions []escrow.Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/store/transactions"+pageQuery(offset, limit, q), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *Client) create(ctx context.Context, path string, body any) (uint64, error) {
	var resp createdResponse
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	c.logger.Debug("transaction created", "path", path, "id", resp.ID)
	return resp.ID, nil
}

func (c *Client) transition(ctx context.Context, path string, body any) (*escrow.Transaction, error) {
	var tx escrow.Transaction
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusOK, &tx); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction updated", "id", tx.ID, "status", tx.Status.String())
	return &tx, nil
}

func (c *Client) roles(ctx context.Context, method, path string, body any) ([]string, error) {
	var resp struct {
		Roles []string `json:"roles"`
	}
	if err := c.do(ctx, method, path, body, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// do sends one request and decodes a want-status response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.identity.IsZero() {
		req.Header.Set(IdentityHeader, c.identity.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	msg := string(bytes.TrimSpace(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func txPath(id uint64, action string) string {
	return fmt.Sprintf("/api/v1/transactions/%d/%s", id, action)
}

func pageQuery(offset, limit int, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
