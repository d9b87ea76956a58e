package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("/auth/login", "POST", 200, time.Millisecond)
	m.RecordRequest("/auth/login", "POST", 200, time.Millisecond)
	m.RecordError("/auth/login", "POST", "UNAUTHORIZED")
	m.RecordAuth(OutcomeLoginFailed)
	m.RecordAuth(OutcomeLoginSucceeded)
	m.RecordAuth(OutcomeLoginSucceeded)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Requests["/auth/login|POST|200"])
	assert.Equal(t, int64(1), snap.Errors["/auth/login|POST|UNAUTHORIZED"])
	assert.Equal(t, int64(2), snap.Auth[OutcomeLoginSucceeded])
	assert.Equal(t, int64(1), snap.Auth[OutcomeLoginFailed])
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/", "GET", 200, 0)
	m.RecordError("/", "GET", "X")
	m.RecordAuth(OutcomeTokenRejected)
	assert.Empty(t, m.Snapshot().Auth)
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordAuth(OutcomeTokenRejected)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), m.Snapshot().Auth[OutcomeTokenRejected])
}
