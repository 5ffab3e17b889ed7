package earnings

import (
	"sync"
	"testing"

	"github.com/sargo-finance/sargo/service/account"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_CreditAccumulates(t *testing.T) {
	tr := NewTracker()
	agent := account.Generate()

	assert.True(t, tr.Get(agent).TotalEarned.IsZero())

	total, err := tr.Credit(agent, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.5").Equal(total))

	total, err = tr.Credit(agent, decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.75").Equal(total))
	assert.True(t, total.Equal(tr.Get(agent).TotalEarned))
}

func TestTracker_RejectsNegative(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Credit(account.Generate(), decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrNegativeCredit)
	assert.Empty(t, tr.All())
}

func TestTracker_AllAndRestore(t *testing.T) {
	tr := NewTracker()
	a, b := account.Identity("aaa"), account.Identity("bbb")
	tr.Restore([]Record{
		{Identity: b, TotalEarned: decimal.NewFromInt(2)},
		{Identity: a, TotalEarned: decimal.NewFromInt(1)},
	})

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, a, all[0].Identity)
	assert.Equal(t, b, all[1].Identity)
}

func TestTracker_ConcurrentCredits(t *testing.T) {
	tr := NewTracker()
	id := account.Generate()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.Credit(id, decimal.NewFromInt(1))
		}()
	}
	wg.Wait()

	assert.True(t, decimal.NewFromInt(50).Equal(tr.Get(id).TotalEarned))
}
