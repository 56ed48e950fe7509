package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func filled(t *testing.T, n int) *Timeline[int] {
	t.Helper()
	tl := New[int](0)
	for i := 0; i < n; i++ {
		_, err := tl.AddNext(i)
		require.NoError(t, err)
	}
	return tl
}

func TestEmpty(t *testing.T) {
	tl := New[string](0)
	_, ok := tl.TryGetCurrent()
	require.False(t, ok)
	require.Equal(t, -1, tl.HeadIndex())
	require.True(t, tl.IsUpToDate())
	require.NoError(t, tl.SetHead(-1))
	require.ErrorIs(t, tl.SetHead(0), ErrIndexOutOfRange)
}

func TestAddNextKeepsUpToDate(t *testing.T) {
	tl := New[int](0)
	for i := 0; i < 10; i++ {
		discarded, err := tl.AddNext(i)
		require.NoError(t, err)
		require.Nil(t, discarded)
		require.True(t, tl.IsUpToDate())
		require.Equal(t, tl.HeadIndex()+1, tl.Len())
		cur, ok := tl.TryGetCurrent()
		require.True(t, ok)
		require.Equal(t, i, cur)
	}
}

func TestAddNextDiscardsFuture(t *testing.T) {
	for headOld := -1; headOld < 5; headOld++ {
		tl := filled(t, 5)
		require.NoError(t, tl.SetHead(headOld))

		discarded, err := tl.AddNext(100)
		require.NoError(t, err)

		require.Equal(t, headOld+2, tl.Len())
		require.Equal(t, headOld+1, tl.HeadIndex())
		want := []int{}
		for i := headOld + 1; i < 5; i++ {
			want = append(want, i)
		}
		if len(want) == 0 {
			require.Nil(t, discarded)
		} else {
			require.Equal(t, want, discarded)
		}
		items := tl.Items()
		require.Equal(t, 100, items[len(items)-1])
		for _, v := range items[:len(items)-1] {
			require.LessOrEqual(t, v, headOld)
		}
	}
}

func TestSetHeadIsStateless(t *testing.T) {
	for i := -1; i < 6; i++ {
		for j := -1; j < 6; j++ {
			a := filled(t, 6)
			b := filled(t, 6)
			require.NoError(t, a.SetHead(i))
			require.NoError(t, a.SetHead(j))
			require.NoError(t, b.SetHead(j))
			require.Equal(t, b.HeadIndex(), a.HeadIndex())
			require.Equal(t, b.Items(), a.Items())
		}
	}
}

func TestSetHeadOutOfRangeDoesNotMutate(t *testing.T) {
	tl := filled(t, 3)
	require.NoError(t, tl.SetHead(1))
	require.ErrorIs(t, tl.SetHead(3), ErrIndexOutOfRange)
	require.ErrorIs(t, tl.SetHead(-2), ErrIndexOutOfRange)
	require.Equal(t, 1, tl.HeadIndex())
	require.Equal(t, 3, tl.Len())
}

func TestRewindThenInspectIsNonDestructive(t *testing.T) {
	tl := filled(t, 4)
	require.NoError(t, tl.SetHead(0))
	require.False(t, tl.IsUpToDate())
	require.NoError(t, tl.SetHead(3))
	require.Equal(t, []int{0, 1, 2, 3}, tl.Items())
}

func TestLimit(t *testing.T) {
	tl := New[int](2)
	_, err := tl.AddNext(1)
	require.NoError(t, err)
	_, err = tl.AddNext(2)
	require.NoError(t, err)
	_, err = tl.AddNext(3)
	require.ErrorIs(t, err, ErrHistoryFull)
	require.Equal(t, 2, tl.Len())

	// branching from the past frees room
	require.NoError(t, tl.SetHead(0))
	discarded, err := tl.AddNext(3)
	require.NoError(t, err)
	require.Equal(t, []int{2}, discarded)
	require.Equal(t, []int{1, 3}, tl.Items())
}

func TestClear(t *testing.T) {
	tl := filled(t, 4)
	require.NoError(t, tl.SetHead(1))
	require.NoError(t, tl.Validate())

	tl.Clear()
	require.Equal(t, 0, tl.Len())
	require.Equal(t, -1, tl.HeadIndex())
}

func TestValidateDetectsCorruption(t *testing.T) {
	tl := filled(t, 2)
	tl.head = 5
	require.Error(t, tl.Validate())
}
