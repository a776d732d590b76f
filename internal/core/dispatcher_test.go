// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher("P")
	defer d.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		d.Post(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 100 {
				close(done)
			}
			mu.Unlock()
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	d := NewDispatcher("P")
	defer d.Stop()

	var faults []error
	var mu sync.Mutex
	d.SetFaultHandler(func(err error) {
		mu.Lock()
		faults = append(faults, err)
		mu.Unlock()
	})

	ran := make(chan struct{})
	d.Post(func() { panic("user handler bug") })
	d.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher died after handler panic")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1)
	assert.Contains(t, faults[0].Error(), "user handler bug")
	assert.Error(t, d.LastFault())
}

func TestDispatcherStopDrains(t *testing.T) {
	d := NewDispatcher("P")
	var ran int
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		d.Post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	d.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, ran, "queued tasks run before stop completes")
}
