package services

import (
	"fmt"

	"raffler/domain/interfaces"
)

const (
	// denseThreshold is the number pool size below which we always enumerate unclaimed numbers.
	denseThreshold = 1 << 16
)

// allocateTicketNumbers picks count distinct unclaimed numbers from [1, total].
// Every unclaimed number is equally likely and no claimed number is ever returned.
func allocateTicketNumbers(src interfaces.NumberSource, total int64, claimed map[int64]bool, count int) ([]int64, error) {
	available := total - int64(len(claimed))
	if int64(count) > available {
		return nil, fmt.Errorf("not enough available numbers: need %d, have %d", count, available)
	}

	usedRatio := float64(len(claimed)) / float64(total)
	if usedRatio > 0.5 || total <= denseThreshold {
		return allocateFromPool(src, total, claimed, count)
	}
	return allocateWithRetry(src, total, claimed, count)
}

// allocateFromPool enumerates unclaimed numbers and runs a partial Fisher-Yates shuffle
func allocateFromPool(src interfaces.NumberSource, total int64, claimed map[int64]bool, count int) ([]int64, error) {
	pool := make([]int64, 0, total-int64(len(claimed)))
	for n := int64(1); n <= total; n++ {
		if !claimed[n] {
			pool = append(pool, n)
		}
	}

	for i := 0; i < count; i++ {
		r, err := src.Int63n(int64(len(pool) - i))
		if err != nil {
			return nil, err
		}
		j := i + int(r)
		pool[i], pool[j] = pool[j], pool[i]
	}

	return pool[:count], nil
}

// allocateWithRetry draws with collision checks. Used for large, sparsely claimed ranges.
func allocateWithRetry(src interfaces.NumberSource, total int64, claimed map[int64]bool, count int) ([]int64, error) {
	result := make([]int64, 0, count)
	taken := make(map[int64]bool, count)

	for len(result) < count {
		r, err := src.Int63n(total)
		if err != nil {
			return nil, err
		}
		n := r + 1
		if !claimed[n] && !taken[n] {
			result = append(result, n)
			taken[n] = true
		}
	}

	return result, nil
}
