package stats

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_Lifecycle(t *testing.T) {
	agg := NewAggregator()

	agg.SessionStarted()
	snap := agg.Snapshot()
	assert.EqualValues(t, 1, snap.ActiveSessions)
	assert.EqualValues(t, 0, snap.SessionsTotal)

	agg.RecordSessionClosed(4122, 12)
	snap = agg.Snapshot()
	assert.EqualValues(t, 0, snap.ActiveSessions)
	assert.EqualValues(t, 1, snap.SessionsTotal)
	assert.EqualValues(t, 4122, snap.BytesSentTotal)
	assert.EqualValues(t, 12, snap.BytesReceivedTotal)
}

// After N concurrent sessions close with known byte counts, the totals must
// be the exact sum, not an approximation.
func TestAggregator_ConcurrentExactSums(t *testing.T) {
	const n = 512
	agg := NewAggregator()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg.SessionStarted()
			agg.RecordSessionClosed(int64(i), int64(2*i))
		}(i)
	}
	wg.Wait()

	// sum 0..n-1 = n*(n-1)/2
	wantSent := int64(n * (n - 1) / 2)

	snap := agg.Snapshot()
	assert.EqualValues(t, n, snap.SessionsTotal)
	assert.EqualValues(t, 0, snap.ActiveSessions)
	assert.Equal(t, wantSent, snap.BytesSentTotal)
	assert.Equal(t, 2*wantSent, snap.BytesReceivedTotal)
}

// Snapshot must be readable while sessions are still writing
func TestAggregator_SnapshotUnderLoad(t *testing.T) {
	agg := NewAggregator()
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				agg.SessionStarted()
				agg.RecordSessionClosed(1, 1)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := agg.Snapshot()
		assert.GreaterOrEqual(t, snap.BytesSentTotal, int64(0))
	}
	close(stop)
	wg.Wait()

	snap := agg.Snapshot()
	assert.Equal(t, snap.BytesSentTotal, snap.BytesReceivedTotal)
}

func TestGlobalStats_Lines(t *testing.T) {
	agg := NewAggregator()
	agg.SessionStarted()
	agg.RecordSessionClosed(100, 200)

	lines := agg.Snapshot().Lines()
	require.Len(t, lines, 5)
	assert.Contains(t, lines, "sessions: 1")
	assert.Contains(t, lines, "sent: 100")
	assert.Contains(t, lines, "recv: 200")
}

func TestCollector(t *testing.T) {
	agg := NewAggregator()
	agg.SessionStarted()
	agg.SessionStarted()
	agg.RecordSessionClosed(10, 20)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(agg)))

	n, err := testutil.GatherAndCount(reg,
		"udsrelay_active_sessions", "udsrelay_sessions_total",
		"udsrelay_bytes_sent_total", "udsrelay_bytes_received_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, float64(1), gatheredValue(t, reg, "udsrelay_active_sessions"))
	assert.Equal(t, float64(1), gatheredValue(t, reg, "udsrelay_sessions_total"))
	assert.Equal(t, float64(10), gatheredValue(t, reg, "udsrelay_bytes_sent_total"))
	assert.Equal(t, float64(20), gatheredValue(t, reg, "udsrelay_bytes_received_total"))
}

func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
