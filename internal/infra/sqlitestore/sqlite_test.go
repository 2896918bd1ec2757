package sqlitestore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/domain"
	"github.com/boddenberg/card-usage-reports/internal/infra/sqlitestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "reports.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "details/2024/01/term1/01/a", map[string]any{"amount": 1000, "active": true}))
	require.NoError(t, s.Set(ctx, "details/2024/01/term1/02/b", map[string]any{"amount": 2000, "active": true}))
	require.NoError(t, s.Set(ctx, "details/2024/01/term2/07/c", map[string]any{"amount": 3000, "active": true}))

	weeks, err := s.ListChildren(ctx, "details/2024/01")
	require.NoError(t, err)
	assert.Equal(t, []string{"term1", "term2"}, weeks)

	days, err := s.ListChildren(ctx, "details/2024/01/term1")
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02"}, days)

	empty, err := s.ListChildren(ctx, "details/2023")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Update(ctx, "details/2024/01/term1/01/a", map[string]any{"active": false}))
	var rec struct {
		Amount int  `json:"amount"`
		Active bool `json:"active"`
	}
	found, err := s.Get(ctx, "details/2024/01/term1/01/a", &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1000, rec.Amount)
	assert.False(t, rec.Active)

	require.NoError(t, s.Delete(ctx, "details/2024/01/term1"))
	found, err = s.Get(ctx, "details/2024/01/term1/02/b", &rec)
	require.NoError(t, err)
	assert.False(t, found)
	found, err = s.Get(ctx, "details/2024/01/term2/07/c", &rec)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_TransactSerializesIncrements(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	const path = "reports/daily/2024-01/01"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Transact(ctx, path, func(cur json.RawMessage) (any, error) {
				var agg domain.DailyAggregate
				if cur != nil {
					if err := json.Unmarshal(cur, &agg); err != nil {
						return nil, err
					}
				}
				agg.TotalAmount += 100
				agg.TotalCount++
				agg.MemberIDs = append(agg.MemberIDs, fmt.Sprintf("m%d", i))
				agg.Touch(domain.ActorTrigger)
				return &agg, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var agg domain.DailyAggregate
	found, err := s.Get(ctx, path, &agg)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2000), agg.TotalAmount)
	assert.Equal(t, 20, agg.TotalCount)
	assert.Len(t, agg.MemberIDs, 20)
	assert.NotZero(t, agg.LastUpdatedAt)
}
