package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNode_RejectsOutOfRange(t *testing.T) {
	_, err := NewNode(-1)
	require.Error(t, err)
	_, err = NewNode(1024)
	require.Error(t, err)
}

func TestGenerate_StrictlyIncreasingAndUnique(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(7)
	req.NoError(err)

	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{})
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			for i := 0; i < 1000; i++ {
				id := n.Generate()
				if id <= prev {
					t.Errorf("id %d not greater than %d", id, prev)
				}
				prev = id
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	req.Len(seen, 8000)
}

func TestGenerate_ClockMovingBackwards(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(1)
	req.NoError(err)

	clock := []int64{epoch + 5000, epoch + 4000}
	n.now = func() int64 {
		v := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return v
	}
	first := n.Generate()
	second := n.Generate()
	req.Greater(second, first)
	req.Equal(int64(1), NodeOf(second))
	req.Equal(int64(epoch+5000), Time(second).UnixMilli())
}
