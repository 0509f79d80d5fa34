package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sync"

	"raffler/domain/interfaces"
)

// cryptoNumberSource draws from crypto/rand
type cryptoNumberSource struct{}

// NewCryptoNumberSource returns the production number source
func NewCryptoNumberSource() interfaces.NumberSource {
	return cryptoNumberSource{}
}

func (cryptoNumberSource) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("random generation failed: %w", err)
	}
	return v.Int64(), nil
}

// seededNumberSource is a deterministic source for tests and replays
type seededNumberSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededNumberSource returns a deterministic number source
func NewSeededNumberSource(seed int64) interfaces.NumberSource {
	return &seededNumberSource{rng: mrand.New(mrand.NewSource(seed))}
}

func (s *seededNumberSource) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(n), nil
}
