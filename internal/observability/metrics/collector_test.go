package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := NewCollector()
	c.Record(KindSearch, 100*time.Millisecond)
	c.Record(KindSearch, 200*time.Millisecond)
	c.Record(KindChat, 50*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.RequestsTotal)
	assert.Equal(t, uint64(2), snap.ByKind[KindSearch].Count)
	assert.Equal(t, uint64(1), snap.ByKind[KindChat].Count)
	assert.Greater(t, snap.ByKind[KindSearch].AvgDuration, 0.0)
}

func TestRecordIgnoresUnknownKind(t *testing.T) {
	c := NewCollector()
	c.Record("unknown", time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsTotal)
}

func TestMovingAverageConvergesTowardSample(t *testing.T) {
	m := &movingAverage{}
	for i := 0; i < 50; i++ {
		m.update(1.0)
	}
	assert.InDelta(t, 1.0, m.value(), 0.01)
}
