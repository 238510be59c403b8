package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PreservesOrder(t *testing.T) {
	p := NewPool[int, int](3)
	items := []int{5, 1, 9, 2, 7, 4}

	results := p.Process(context.Background(), items, func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})

	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, items[i], r.Input)
		assert.Equal(t, items[i]*10, r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestPool_PanicIsolatedToOneSlot(t *testing.T) {
	p := NewPool[string, string](2)

	results := p.Process(context.Background(), []string{"ok-1", "boom", "ok-2"}, func(_ context.Context, s string) (string, error) {
		if s == "boom" {
			panic("collector exploded")
		}
		return strings.ToUpper(s), nil
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "OK-1", results[0].Value)

	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "collector exploded")

	assert.NoError(t, results[2].Err)
	assert.Equal(t, "OK-2", results[2].Value)
}

func TestPool_CancelledContextFailsRemaining(t *testing.T) {
	p := NewPool[int, int](1)
	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	results := p.Process(ctx, []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		if started.Add(1) == 1 {
			cancel()
		}
		return n, ctx.Err()
	})

	errs := 0
	for _, r := range results {
		if r.Err != nil {
			errs++
		}
	}
	assert.GreaterOrEqual(t, errs, 2)
}

func TestPool_EmptyInput(t *testing.T) {
	p := NewPool[int, int](4)
	assert.Nil(t, p.Process(context.Background(), nil, func(_ context.Context, n int) (int, error) {
		return n, nil
	}))
}
