package clock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeObserver struct{ max int64 }

func (f *fakeObserver) MaxDBVersion(context.Context) (int64, error) { return f.max, nil }

func TestNextIsMonotonicAcrossTransactions(t *testing.T) {
	obs := &fakeObserver{}
	c := New(obs, 0)

	v1, err := c.Next(context.Background(), NoMerging)
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)
	c.Commit()
	require.Equal(t, int64(1), c.DBVersion())

	obs.max = 1
	v2, err := c.Next(context.Background(), NoMerging)
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)
	c.Commit()
}

func TestNextStableWithinTransaction(t *testing.T) {
	obs := &fakeObserver{}
	c := New(obs, 0)
	v1, err := c.Next(context.Background(), NoMerging)
	require.NoError(t, err)
	v2, err := c.Next(context.Background(), NoMerging)
	require.NoError(t, err)
	require.Equal(t, v1, v2)
}

func TestMergingVersionAdvancesLocalClock(t *testing.T) {
	obs := &fakeObserver{}
	c := New(obs, 0)
	v, err := c.Next(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
}

func TestRollbackResetsPendingAndSeq(t *testing.T) {
	obs := &fakeObserver{}
	c := New(obs, 5)
	_, err := c.Next(context.Background(), NoMerging)
	require.NoError(t, err)
	_, _ = c.BumpSeq()
	c.Rollback()

	_, hasPending := c.Pending()
	require.False(t, hasPending)
	require.Equal(t, int32(0), c.Seq())
	require.Equal(t, int64(5), c.DBVersion())
}

func TestBumpSeqStrictlyIncreasesWithinTransaction(t *testing.T) {
	c := New(&fakeObserver{}, 0)
	s1, err := c.BumpSeq()
	require.NoError(t, err)
	s2, err := c.BumpSeq()
	require.NoError(t, err)
	require.Less(t, s1, s2)
}

func TestRowidPacking(t *testing.T) {
	r, err := Rowid(3, 7)
	require.NoError(t, err)
	require.Equal(t, int64(3)<<30|7, r)

	_, err = Rowid(1, 1<<30)
	require.Error(t, err)
}
