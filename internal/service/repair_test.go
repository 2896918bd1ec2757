package service_test

import (
	"context"
	"testing"

	"github.com/boddenberg/card-usage-reports/internal/bucket"
	"github.com/boddenberg/card-usage-reports/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailyRef(year, month, day int) bucket.Ref {
	return bucket.Ref{Granularity: domain.GranularityDaily, Year: year, Month: month, Day: day}
}

func TestResum_DetectsDriftWithoutWriting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.seed(t, "2024-01-10", "a", 1000, true)
	b := e.seed(t, "2024-01-10", "b", 2000, true)
	for _, r := range []domain.SourceRecord{a, b} {
		_, err := e.aggregator.Apply(ctx, r, nil, domain.ActorTrigger)
		require.NoError(t, err)
	}
	// Soft delete b after it was counted.
	require.NoError(t, e.store.Update(ctx, bucket.RecordPath(b.Key), map[string]any{"active": false}))
	writes := e.store.Writes()

	res, err := e.repairer.Resum(ctx, dailyRef(2024, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), res.StoredAmount)
	assert.Equal(t, int64(1000), res.RecalculatedAmount)
	assert.Equal(t, 1, res.RecalculatedCount)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{bucket.RecordPath(b.Key)}, res.InactiveMembers)
	assert.False(t, res.Applied)
	assert.Equal(t, writes, e.store.Writes())

	applied, err := e.repairer.ApplyResum(ctx, dailyRef(2024, 1, 10), "")
	require.NoError(t, err)
	assert.True(t, applied.Applied)

	d := e.daily(t, "2024-01-10")
	assert.Equal(t, int64(1000), d.TotalAmount)
	assert.Equal(t, 1, d.TotalCount)
	assert.Len(t, d.MemberIDs, 2, "resum keeps membership")
	assert.Equal(t, domain.ActorMaintenance, d.LastUpdatedBy)
}

func TestResum_NoDriftNoWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	rec := e.seed(t, "2024-01-10", "a", 1000, true)
	_, err := e.aggregator.Apply(ctx, rec, nil, domain.ActorTrigger)
	require.NoError(t, err)
	writes := e.store.Writes()

	res, err := e.repairer.ApplyResum(ctx, dailyRef(2024, 1, 10), domain.ActorMaintenance)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Applied)
	assert.Equal(t, writes, e.store.Writes())
}

func TestResum_MissingAggregate(t *testing.T) {
	e := newEnv(t)
	_, err := e.repairer.Resum(context.Background(), dailyRef(2024, 1, 10))
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestPrune_RemovesDanglingMembers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.seed(t, "2024-01-10", "a", 1000, true)
	b := e.seed(t, "2024-01-10", "b", 2000, true)
	for _, r := range []domain.SourceRecord{a, b} {
		_, err := e.aggregator.Apply(ctx, r, nil, domain.ActorTrigger)
		require.NoError(t, err)
	}
	require.NoError(t, e.store.Delete(ctx, bucket.RecordPath(a.Key)))

	ref := bucket.Ref{Granularity: domain.GranularityWeekly, Year: 2024, Month: 1, Week: "term2"}
	res, err := e.repairer.PruneDanglingMembers(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{bucket.RecordPath(b.Key)}, res.UpdatedMemberIDs)
	assert.Equal(t, []string{bucket.RecordPath(a.Key)}, res.RemovedMemberIDs)
	assert.Len(t, e.weekly(t, "2024-01-10").MemberIDs, 2, "check only")

	res, err = e.repairer.ApplyPrune(ctx, ref, domain.ActorMaintenance)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	w := e.weekly(t, "2024-01-10")
	assert.Equal(t, []string{bucket.RecordPath(b.Key)}, w.MemberIDs)
	assert.Equal(t, int64(3000), w.TotalAmount, "prune leaves totals to resum")
}

func TestDeleteRecord_PrunesAndResumsEveryBucket(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.seed(t, "2024-01-31", "a", 1000, true)
	b := e.seed(t, "2024-01-31", "b", 2000, true)
	for _, r := range []domain.SourceRecord{a, b} {
		_, err := e.aggregator.Apply(ctx, r, nil, domain.ActorTrigger)
		require.NoError(t, err)
	}

	res, err := e.repairer.DeleteRecord(ctx, a.Key, domain.ActorMaintenance)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Pruned, 3)
	assert.Len(t, res.Resums, 3)

	var raw map[string]any
	found, err := e.store.Get(ctx, bucket.RecordPath(a.Key), &raw)
	require.NoError(t, err)
	assert.False(t, found)

	d := e.daily(t, "2024-01-31")
	assert.Equal(t, int64(2000), d.TotalAmount)
	assert.Equal(t, 1, d.TotalCount)
	assert.Equal(t, []string{bucket.RecordPath(b.Key)}, d.MemberIDs)
	assert.Equal(t, int64(2000), e.weekly(t, "2024-01-31").TotalAmount)
	assert.Equal(t, int64(2000), e.monthly(t, 2024, 1).TotalAmount)

	_, err = e.repairer.DeleteRecord(ctx, a.Key, domain.ActorMaintenance)
	var nf *domain.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
