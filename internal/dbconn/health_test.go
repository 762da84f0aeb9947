package dbconn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthMonitorDefaults(t *testing.T) {
	m := NewHealthMonitor(NewFakeOpener(), 5*time.Second)
	defer m.Stop()

	assert.Equal(t, 5*time.Second, m.interval)
	assert.Equal(t, 2*time.Second, m.timeout)
	assert.Equal(t, 3, m.maxFailures)
	assert.Len(t, m.hosts, 0)
}

func TestHealthMonitorChecksEveryDestination(t *testing.T) {
	m := NewHealthMonitor(NewFakeOpener(), 30*time.Millisecond)
	defer m.Stop()

	var mu sync.Mutex
	checks := 0
	m.SetCheckFunction(func(host, dbname string) error {
		mu.Lock()
		checks++
		mu.Unlock()
		return nil
	})

	dests := func() []Destination {
		return []Destination{{Host: "shard0"}, {Host: "shard1"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx, dests)

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	got := checks
	mu.Unlock()
	assert.GreaterOrEqual(t, got, 4)

	all := m.AllHostHealth()
	assert.Len(t, all, 2)
	assert.True(t, m.IsHealthy("shard0"))
	assert.True(t, m.IsHealthy("shard1"))
}

func TestHealthMonitorMarksUnhealthyAfterThreshold(t *testing.T) {
	m := NewHealthMonitor(NewFakeOpener(), 20*time.Millisecond)
	defer m.Stop()

	var mu sync.Mutex
	failing := false
	m.SetCheckFunction(func(host, dbname string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return fmt.Errorf("unreachable")
		}
		return nil
	})

	var callbackMu sync.Mutex
	var callbacks []string
	m.SetOnUnhealthy(func(host string) {
		callbackMu.Lock()
		callbacks = append(callbacks, host)
		callbackMu.Unlock()
	})

	dests := func() []Destination { return []Destination{{Host: "shard0"}} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx, dests)

	time.Sleep(60 * time.Millisecond)
	require.True(t, m.IsHealthy("shard0"))

	mu.Lock()
	failing = true
	mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	assert.False(t, m.IsHealthy("shard0"))
	health := m.HostHealth("shard0")
	require.NotNil(t, health)
	assert.Equal(t, "unhealthy", health.Status)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)

	callbackMu.Lock()
	assert.Contains(t, callbacks, "shard0")
	callbackMu.Unlock()
}

func TestHealthMonitorRemovesDroppedDestinations(t *testing.T) {
	m := NewHealthMonitor(NewFakeOpener(), 20*time.Millisecond)
	defer m.Stop()

	m.SetCheckFunction(func(host, dbname string) error { return nil })

	var mu sync.Mutex
	dests := []Destination{{Host: "shard0"}, {Host: "shard1"}}
	provider := func() []Destination {
		mu.Lock()
		defer mu.Unlock()
		return dests
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx, provider)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, m.AllHostHealth(), 2)

	mu.Lock()
	dests = []Destination{{Host: "shard0"}}
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	all := m.AllHostHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "shard0")
}

func TestHealthMonitorDefaultCheckUsesPing(t *testing.T) {
	opener := NewFakeOpener()
	m := NewHealthMonitor(opener, time.Second)
	defer m.Stop()

	err := m.defaultCheck("shard0", "edgestore")
	assert.NoError(t, err)
}
