package events_test

import (
	"sync"
	"testing"

	"github.com/albe/eventstore/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInRegistrationOrder(t *testing.T) {
	e := events.NewEmitter[int]()

	var order []int
	e.Subscribe(func(v int) { order = append(order, v*10) })
	e.Subscribe(func(v int) { order = append(order, v*100) })

	e.Emit(1)
	require.Equal(t, []int{10, 100}, order)
}

func TestEmitterUnsubscribe(t *testing.T) {
	e := events.NewEmitter[string]()

	var got []string
	token := e.Subscribe(func(v string) { got = append(got, v) })
	e.Unsubscribe(token)

	e.Emit("hello")
	require.Empty(t, got)
}

func TestEmitterLen(t *testing.T) {
	e := events.NewEmitter[int]()
	require.Equal(t, 0, e.Len())

	token := e.Subscribe(func(int) {})
	require.Equal(t, 1, e.Len())

	e.Unsubscribe(token)
	require.Equal(t, 0, e.Len())
}

func TestEmitterClose(t *testing.T) {
	e := events.NewEmitter[int]()

	var calls int
	e.Subscribe(func(int) { calls++ })
	e.Close()
	e.Emit(1)

	require.Zero(t, calls)
	require.Zero(t, e.Len())
}

func TestEmitterConcurrentSubscribeAndEmit(t *testing.T) {
	e := events.NewEmitter[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Subscribe(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	e.Emit(1)
	require.GreaterOrEqual(t, total, 0)
}
