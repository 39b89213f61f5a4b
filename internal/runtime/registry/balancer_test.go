package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/conduit/internal/runtime/errors"
)

func next(t *testing.T, b LoadBalancer, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name, err := b.Next()
		require.NoError(t, err)
		out = append(out, name)
	}
	return out
}

func TestEmptyBalancers(t *testing.T) {
	for name, b := range map[string]LoadBalancer{
		"round robin": NewRoundRobin(),
		"weighted":    NewWeightedRoundRobin(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Next()
			assert.ErrorIs(t, err, errspkg.ErrServiceNotFound)
		})
	}
}

func TestRoundRobinRotation(t *testing.T) {
	rr := NewRoundRobin()
	rr.Add("a", 1)
	rr.Add("b", 5)
	rr.Add("c", 1)
	rr.Add("a", 1)

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, next(t, rr, 6))
}

func TestRoundRobinFairness(t *testing.T) {
	rr := NewRoundRobin()
	for _, n := range []string{"a", "b", "c", "d"} {
		rr.Add(n, 1)
	}

	counts := map[string]int{}
	for _, n := range next(t, rr, 400) {
		counts[n]++
	}
	for _, n := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 100, counts[n], n)
	}
}

func TestRoundRobinRemoveKeepsRotation(t *testing.T) {
	t.Run("before cursor", func(t *testing.T) {
		rr := NewRoundRobin()
		for _, n := range []string{"a", "b", "c"} {
			rr.Add(n, 1)
		}
		assert.Equal(t, []string{"a", "b"}, next(t, rr, 2))

		rr.Remove("a")
		assert.Equal(t, []string{"c", "b", "c"}, next(t, rr, 3))
	})

	t.Run("at cursor", func(t *testing.T) {
		rr := NewRoundRobin()
		for _, n := range []string{"a", "b", "c"} {
			rr.Add(n, 1)
		}
		assert.Equal(t, []string{"a"}, next(t, rr, 1))

		rr.Remove("b")
		assert.Equal(t, []string{"c", "a"}, next(t, rr, 2))
	})

	t.Run("last element wraps", func(t *testing.T) {
		rr := NewRoundRobin()
		rr.Add("a", 1)
		rr.Add("b", 1)
		assert.Equal(t, []string{"a"}, next(t, rr, 1))

		rr.Remove("b")
		assert.Equal(t, []string{"a", "a"}, next(t, rr, 2))

		rr.Remove("a")
		_, err := rr.Next()
		assert.Error(t, err)
	})
}

func TestWeightedRoundRobinSequence(t *testing.T) {
	w := NewWeightedRoundRobin()
	w.Add("a", 5)
	w.Add("b", 1)
	w.Add("c", 1)

	assert.Equal(t, []string{"a", "a", "b", "a", "c", "a", "a"}, next(t, w, 7))
}

func TestWeightedRoundRobinFairness(t *testing.T) {
	w := NewWeightedRoundRobin()
	w.Add("heavy", 3)
	w.Add("medium", 2)
	w.Add("light", 1)

	counts := map[string]int{}
	for _, n := range next(t, w, 600) {
		counts[n]++
	}
	assert.Equal(t, map[string]int{"heavy": 300, "medium": 200, "light": 100}, counts)
}

func TestWeightedRoundRobinTiesAndRemoval(t *testing.T) {
	w := NewWeightedRoundRobin()
	w.Add("a", 1)
	w.Add("b", 1)
	w.Add("c", 0)

	assert.Equal(t, []string{"a", "b", "c", "a"}, next(t, w, 4))

	w.Remove("b")
	for _, n := range next(t, w, 10) {
		assert.NotEqual(t, "b", n)
	}
}
