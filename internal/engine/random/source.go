// Package random owns the authoritative random number source of a game and
// the records that make every draw auditable.
package random

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

var ErrInvalidRequest = errors.New("invalid random request")

// Draw is the outcome of one request to a Source.
type Draw struct {
	Values []int
	// Commitment is the server's hash commitment when a peer took part.
	Commitment string
	// Verified is true when a remote peer contributed to and checked the draw.
	Verified bool
}

// Source produces count values in [0, max).
type Source interface {
	Draw(ctx context.Context, max, count int, annotation string) (Draw, error)
}

func validate(max, count int) error {
	if max <= 0 || count <= 0 {
		return ErrInvalidRequest
	}
	return nil
}

// PlainSource is a seeded pseudo random source. It is safe for concurrent use.
type PlainSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewPlainSource(seed int64) *PlainSource {
	return &PlainSource{rng: rand.New(rand.NewSource(seed))}
}

// NewSeededSource returns a PlainSource seeded from crypto/rand.
func NewSeededSource() (*PlainSource, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	return NewPlainSource(seed), nil
}

func (s *PlainSource) Draw(_ context.Context, max, count int, _ string) (Draw, error) {
	if err := validate(max, count); err != nil {
		return Draw{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, count)
	for i := range out {
		out[i] = s.rng.Intn(max)
	}
	return Draw{Values: out}, nil
}
