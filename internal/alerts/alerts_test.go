package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseAndResolve(t *testing.T) {
	m := NewManager(Config{})

	alert := m.Raise(TypeError, SeverityCritical, "error-rate", "Error rate critical", "too many failures", map[string]any{"rate": 0.5})
	require.NotNil(t, alert)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, 1, m.ActiveCount())

	assert.True(t, m.Resolve(alert.ID))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestResolveIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	alert := m.Raise(TypeUsage, SeverityHigh, "memory", "Memory high", "", nil)
	require.NotNil(t, alert)

	assert.True(t, m.Resolve(alert.ID))
	assert.False(t, m.Resolve(alert.ID), "second resolve is a no-op")
	assert.False(t, m.Resolve("no-such-id"))
}

func TestDedupWindowSuppressesRepeat(t *testing.T) {
	m := NewManager(Config{DedupWindow: time.Hour})

	first := m.Raise(TypeError, SeverityMedium, "error-rate", "Elevated", "", nil)
	require.NotNil(t, first)
	assert.Nil(t, m.Raise(TypeError, SeverityMedium, "error-rate", "Elevated", "", nil))

	// A different key under the same type is a distinct breach.
	assert.NotNil(t, m.Raise(TypeError, SeverityMedium, "other-key", "Elevated", "", nil))
	assert.Equal(t, 2, m.ActiveCount())
}

func TestDedupWindowExpires(t *testing.T) {
	m := NewManager(Config{DedupWindow: 10 * time.Millisecond})

	require.NotNil(t, m.Raise(TypeCache, SeverityLow, "hit-rate", "Low", "", nil))
	time.Sleep(20 * time.Millisecond)
	assert.NotNil(t, m.Raise(TypeCache, SeverityLow, "hit-rate", "Low", "", nil))
}

func TestMaxActiveEvictsOldest(t *testing.T) {
	m := NewManager(Config{MaxActive: 3})

	for i := 0; i < 5; i++ {
		require.NotNil(t, m.Raise(TypeUsage, SeverityLow, fmt.Sprintf("key-%d", i), fmt.Sprintf("alert %d", i), "", nil))
		time.Sleep(time.Millisecond)
	}

	active := m.Active()
	assert.Len(t, active, 3)
	for _, a := range active {
		assert.NotEqual(t, "alert 0", a.Title)
		assert.NotEqual(t, "alert 1", a.Title)
	}
}

func TestActiveReturnsClonesNewestFirst(t *testing.T) {
	m := NewManager(Config{})
	require.NotNil(t, m.Raise(TypeError, SeverityLow, "a", "first", "", map[string]any{"k": "v"}))
	time.Sleep(2 * time.Millisecond)
	require.NotNil(t, m.Raise(TypeError, SeverityLow, "b", "second", "", nil))

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "second", active[0].Title)
	assert.Equal(t, "first", active[1].Title)

	// Mutating the snapshot never touches manager state.
	active[1].Data["k"] = "changed"
	assert.Equal(t, "v", m.Active()[1].Data["k"])
}

func TestCallbacksFire(t *testing.T) {
	m := NewManager(Config{})

	var raised []*Alert
	var resolved []string
	m.OnRaise(func(a *Alert) { raised = append(raised, a) })
	m.OnResolve(func(id string) { resolved = append(resolved, id) })

	alert := m.Raise(TypePerformance, SeverityHigh, "slow", "Slow tool", "", nil)
	require.NotNil(t, alert)
	m.Resolve(alert.ID)

	require.Len(t, raised, 1)
	assert.Equal(t, alert.ID, raised[0].ID)
	assert.Equal(t, []string{alert.ID}, resolved)
}
