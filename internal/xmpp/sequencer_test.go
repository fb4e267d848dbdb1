package xmpp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSequencer_Next(t *testing.T) {
	seq := &EventSequencer{}

	assert.Equal(t, int64(0), seq.Current(), "expected zero before any id was issued")

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := seq.Next()
		assert.Greater(t, id, prev, "expected ids to be strictly increasing")
		prev = id
	}

	assert.Equal(t, prev, seq.Current(), "expected Current to match the last issued id")
}

func TestEventSequencer_Concurrent(t *testing.T) {
	seq := &EventSequencer{}

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	ids := make([][]int64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids[g] = append(ids[g], seq.Next())
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, chunk := range ids {
		for _, id := range chunk {
			assert.False(t, seen[id], "expected id %d to be issued once", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, goroutines*perGoroutine, "expected every call to yield a distinct id")
	assert.Equal(t, int64(goroutines*perGoroutine), seq.Current(), "expected Current to equal the number of issued ids")
}
