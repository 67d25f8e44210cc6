package numeric

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_NewID_Numeric(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	id := g.NewID()
	_, err := strconv.ParseInt(id, 10, 64)
	require.NoError(t, err)
}

func TestGenerator_NewID_UniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	const n = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.NewID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
}
