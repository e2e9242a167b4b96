package utils

import (
	"math/rand/v2"
	"sync"
	"time"
)

const counterBits = 10

// IDGenerator hands out strictly increasing int64 ids of the form
// (unix milliseconds << 10) | low, where low starts at a random offset each
// millisecond and counts up from there. Independent generators therefore
// rarely pick the same id, and the stores reject the rare collision. Values
// stay below 2^53 until the year 2248 so they survive a round trip through
// JavaScript numbers.
type IDGenerator struct {
	mu     sync.Mutex
	last   int64
	now    func() time.Time
	offset func() int64
}

// NewIDGenerator returns a generator backed by the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		now:    time.Now,
		offset: func() int64 { return rand.Int64N(1 << counterBits) },
	}
}

// Next returns the next id. If the clock moves backwards or the low bits of
// a millisecond are used up the generator keeps counting from the last
// issued value.
func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli() << counterBits
	if g.offset != nil {
		id |= g.offset()
	}
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
