// Package stats provides the process-wide session counters. An Aggregator
// is constructed explicitly and handed to each session at spawn time, so
// tests can run with their own instance instead of mutating global state.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// GlobalStats is a consistent snapshot of the aggregator counters
type GlobalStats struct {
	SessionsTotal      int64
	ActiveSessions     int64
	BytesSentTotal     int64
	BytesReceivedTotal int64
	StartTime          time.Time
}

// Uptime gets uptime duration
func (g GlobalStats) Uptime() time.Duration {
	return time.Since(g.StartTime)
}

// Lines renders the snapshot as the operator-facing report, one counter
// per line.
func (g GlobalStats) Lines() []string {
	return []string{
		fmt.Sprintf("uptime: %d", int64(g.Uptime().Seconds())),
		fmt.Sprintf("active: %d", g.ActiveSessions),
		fmt.Sprintf("sessions: %d", g.SessionsTotal),
		fmt.Sprintf("sent: %d", g.BytesSentTotal),
		fmt.Sprintf("recv: %d", g.BytesReceivedTotal),
	}
}

// Aggregator holds the shared counters. All mutation is atomic; sessions
// never share any other state.
type Aggregator struct {
	sessionsTotal      atomic.Int64
	activeSessions     atomic.Int64
	bytesSentTotal     atomic.Int64
	bytesReceivedTotal atomic.Int64
	startTime          time.Time
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{startTime: time.Now()}
}

// SessionStarted increments the active session gauge
func (a *Aggregator) SessionStarted() {
	a.activeSessions.Add(1)
}

// RecordSessionClosed flushes a finished session's final byte counts into
// the totals and decrements the active gauge
func (a *Aggregator) RecordSessionClosed(sent, recv int64) {
	a.sessionsTotal.Add(1)
	a.bytesSentTotal.Add(sent)
	a.bytesReceivedTotal.Add(recv)
	a.activeSessions.Add(-1)
}

// Snapshot returns current totals without stopping the relay
func (a *Aggregator) Snapshot() GlobalStats {
	return GlobalStats{
		SessionsTotal:      a.sessionsTotal.Load(),
		ActiveSessions:     a.activeSessions.Load(),
		BytesSentTotal:     a.bytesSentTotal.Load(),
		BytesReceivedTotal: a.bytesReceivedTotal.Load(),
		StartTime:          a.startTime,
	}
}
