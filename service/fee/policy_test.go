package fee

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func TestQuote(t *testing.T) {
	rates := Rates{AgentRate: d("0.005"), TreasuryRate: d("0.01"), TransferRate: d("0.001")}
	p, err := NewPolicy(rates, nil, nil, testLogger())
	require.NoError(t, err)

	tests := []struct {
		name         string
		amount       string
		kind         Kind
		wantAgent    string
		wantTreasury string
	}{
		{name: "order", amount: "1000", kind: KindOrder, wantAgent: "5", wantTreasury: "10"},
		{name: "order zero", amount: "0", kind: KindOrder, wantAgent: "0", wantTreasury: "0"},
		{name: "transfer", amount: "1000", kind: KindTransfer, wantAgent: "0", wantTreasury: "1"},
		{
			name:         "truncated to 18 digits",
			amount:       "0.000000000000000001",
			kind:         KindOrder,
			wantAgent:    "0",
			wantTreasury: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := p.Quote(d(tt.amount), tt.kind)
			assert.True(t, d(tt.wantAgent).Equal(q.AgentFee), "agent fee %s", q.AgentFee)
			assert.True(t, d(tt.wantTreasury).Equal(q.TreasuryFee), "treasury fee %s", q.TreasuryFee)
		})
	}

	assert.True(t, d("5").Equal(p.AgentFee(d("1000"))))
	assert.True(t, d("10").Equal(p.TreasuryFee(d("1000"))))
}

func TestQuote_NeverExceedsCombinedRate(t *testing.T) {
	rates := Rates{AgentRate: d("0.333333333333333333"), TreasuryRate: d("0.333333333333333333")}
	p, err := NewPolicy(rates, nil, nil, testLogger())
	require.NoError(t, err)

	for _, amt := range []string{"1", "7", "0.000000000000000013", "123456789.123456789123456789"} {
		q := p.Quote(d(amt), KindOrder)
		limit := d(amt).Mul(rates.OrderRate())
		assert.True(t, q.Total().LessThanOrEqual(limit), "amount %s", amt)
	}
}

func TestRatesValidate(t *testing.T) {
	tests := []struct {
		name    string
		rates   Rates
		wantErr bool
	}{
		{name: "zero", rates: Rates{}},
		{name: "typical", rates: Rates{AgentRate: d("0.01"), TreasuryRate: d("0.01")}},
		{name: "negative", rates: Rates{AgentRate: d("-0.01")}, wantErr: true},
		{name: "too precise", rates: Rates{TreasuryRate: d("0.0000000000000000001")}, wantErr: true},
		{name: "order rate of one", rates: Rates{AgentRate: d("0.5"), TreasuryRate: d("0.5")}, wantErr: true},
		{name: "transfer rate of one", rates: Rates{TransferRate: d("1")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rates.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRate)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSetRates(t *testing.T) {
	owner := account.Generate()
	operator := account.Generate()
	guard := access.NewGuard(owner, testLogger())
	require.NoError(t, guard.Grant(owner, operator, access.RoleOperator))

	sink := &recordingSink{}
	p, err := NewPolicy(Rates{}, guard, sink, testLogger())
	require.NoError(t, err)

	t.Run("stranger rejected", func(t *testing.T) {
		err := p.SetRates(context.Background(), account.Generate(), Rates{AgentRate: d("0.1")})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.True(t, p.AgentRate().IsZero())
	})

	t.Run("invalid rates rejected", func(t *testing.T) {
		err := p.SetRates(context.Background(), operator, Rates{AgentRate: d("-1")})
		assert.ErrorIs(t, err, ErrInvalidRate)
	})

	t.Run("operator updates rates", func(t *testing.T) {
		next := Rates{AgentRate: d("0.002"), TreasuryRate: d("0.003"), TransferRate: d("0.001")}
		require.NoError(t, p.SetRates(context.Background(), operator, next))

		assert.True(t, d("0.002").Equal(p.AgentRate()))
		assert.True(t, d("0.003").Equal(p.TreasuryRate()))
		assert.True(t, d("0.001").Equal(p.TransferRate()))

		require.Len(t, sink.events, 1)
		e := sink.events[0]
		assert.Equal(t, events.FeesSet, e.Type)
		assert.Equal(t, operator.String(), e.Actor)
		payload, ok := e.Data.(FeesSetPayload)
		require.True(t, ok)
		assert.True(t, d("0.002").Equal(payload.AgentFee))
		assert.True(t, d("0.003").Equal(payload.TreasuryFee))
		assert.True(t, d("0.001").Equal(payload.TransferFee))
	})
}

func TestMigrate(t *testing.T) {
	tests := []struct {
		name         string
		total        string
		wantAgent    string
		wantTreasury string
	}{
		{name: "even split", total: "0.02", wantAgent: "0.01", wantTreasury: "0.01"},
		{name: "odd unit goes to treasury", total: "0.000000000000000003", wantAgent: "0.000000000000000001", wantTreasury: "0.000000000000000002"},
		{name: "zero", total: "0", wantAgent: "0", wantTreasury: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Migrate(RatesV0{TransactionRate: d(tt.total)})
			assert.True(t, d(tt.wantAgent).Equal(r.AgentRate), "agent %s", r.AgentRate)
			assert.True(t, d(tt.wantTreasury).Equal(r.TreasuryRate), "treasury %s", r.TreasuryRate)
			assert.True(t, r.TransferRate.IsZero())
			assert.NoError(t, r.Validate())
		})
	}
}
