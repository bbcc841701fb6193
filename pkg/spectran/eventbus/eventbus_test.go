package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindOrder(t *testing.T) {
	b := New[float64]()
	var calls []string
	b.Bind(func(v float64) { calls = append(calls, "first") })
	b.Bind(func(v float64) { calls = append(calls, "second") })
	b.Bind(func(v float64) { calls = append(calls, "third") })

	b.Emit(1)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestUniqueIDs(t *testing.T) {
	b := New[int]()
	seen := make(map[HandlerID]struct{})
	for i := 0; i < 100; i++ {
		id := b.Bind(func(int) {})
		_, dup := seen[id]
		require.False(t, dup, "id %d reused", id)
		seen[id] = struct{}{}
		if i%3 == 0 {
			b.Unbind(id)
		}
	}

	// ids are not recycled after unbind either
	id := b.Bind(func(int) {})
	_, dup := seen[id]
	assert.False(t, dup)
}

func TestUnbind(t *testing.T) {
	b := New[float64]()
	var got []float64
	id := b.Bind(func(v float64) { got = append(got, v) })

	b.Emit(100000)
	b.Unbind(id)
	b.Emit(250000)

	assert.Equal(t, []float64{100000}, got)
	assert.Equal(t, 0, b.Len())

	// second unbind is a no-op
	b.Unbind(id)
	b.Unbind(HandlerID(9999))
}

func TestUnbindDuringEmit(t *testing.T) {
	b := New[int]()
	var second HandlerID
	var calls int
	b.Bind(func(int) {
		calls++
		b.Unbind(second)
	})
	second = b.Bind(func(int) { t.Fatal("unbound handler fired") })

	b.Emit(1)
	assert.Equal(t, 1, calls)
}

func TestBindDuringEmit(t *testing.T) {
	b := New[int]()
	var late int
	b.Bind(func(int) {
		b.Bind(func(int) { late++ })
	})

	b.Emit(1)
	assert.Equal(t, 0, late)

	b.Emit(2)
	assert.Equal(t, 1, late)
}

func TestClear(t *testing.T) {
	b := New[int]()
	b.Bind(func(int) { t.Fatal("cleared handler fired") })
	b.Clear()
	b.Emit(1)
	assert.Equal(t, 0, b.Len())
}
