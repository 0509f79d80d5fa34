package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateTicketNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   int64
		claimed []int64
		count   int
		wantErr bool
	}{
		{name: "empty raffle", total: 10, count: 3},
		{name: "takes every remaining number", total: 5, claimed: []int64{1, 3}, count: 3},
		{name: "mostly claimed range", total: 100, claimed: rangeOf(1, 90), count: 10},
		{name: "large sparse range", total: 1_000_000, claimed: []int64{7, 500_000}, count: 50},
		{name: "more than available", total: 5, claimed: []int64{1, 2, 3}, count: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claimed := make(map[int64]bool)
			for _, n := range tt.claimed {
				claimed[n] = true
			}

			numbers, err := allocateTicketNumbers(NewSeededNumberSource(7), tt.total, claimed, tt.count)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, numbers, tt.count)

			seen := make(map[int64]bool)
			for _, n := range numbers {
				assert.GreaterOrEqual(t, n, int64(1))
				assert.LessOrEqual(t, n, tt.total)
				assert.False(t, claimed[n], "claimed number %d returned", n)
				assert.False(t, seen[n], "number %d returned twice", n)
				seen[n] = true
			}
		})
	}
}

func TestAllocateTicketNumbers_Deterministic(t *testing.T) {
	t.Parallel()

	first, err := allocateTicketNumbers(NewSeededNumberSource(99), 50, map[int64]bool{4: true}, 5)
	require.NoError(t, err)
	second, err := allocateTicketNumbers(NewSeededNumberSource(99), 50, map[int64]bool{4: true}, 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAllocateTicketNumbers_CoversEveryUnclaimedNumber(t *testing.T) {
	t.Parallel()

	src := NewSeededNumberSource(3)
	claimed := map[int64]bool{2: true, 5: true}
	hits := make(map[int64]int)
	for i := 0; i < 2000; i++ {
		numbers, err := allocateTicketNumbers(src, 6, claimed, 1)
		require.NoError(t, err)
		hits[numbers[0]]++
	}

	assert.Len(t, hits, 4)
	for _, n := range []int64{1, 3, 4, 6} {
		// Uniform would be 500 each
		assert.Greater(t, hits[n], 350, "number %d drawn %d times", n, hits[n])
	}
}

func TestNumberSource_RejectsEmptyRange(t *testing.T) {
	t.Parallel()

	_, err := NewCryptoNumberSource().Int63n(0)
	assert.Error(t, err)
	_, err = NewSeededNumberSource(1).Int63n(-1)
	assert.Error(t, err)

	v, err := NewCryptoNumberSource().Int63n(10)
	require.NoError(t, err)
	assert.True(t, v >= 0 && v < 10)
}

func rangeOf(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
