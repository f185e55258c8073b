package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(2, 2_000_000, 200*time.Millisecond, 800*time.Millisecond, 0.9)
	w.Record(1, 1_000_000, 100*time.Millisecond, 900*time.Millisecond, 0.5)
	snap := w.Snapshot()

	assert.Equal(t, 2, snap.Steps)
	assert.Equal(t, 3, snap.Volumes)
	assert.InDelta(t, 1.5, snap.VolumesPerSec, 1e-9)
	assert.InDelta(t, 1.5, snap.MegavoxelsPerSec, 1e-9)
	assert.InDelta(t, 150.0, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 850.0, snap.AvgComputeMS, 1e-9)
	assert.InDelta(t, 0.7, snap.MeanLoss, 1e-9)
	assert.Equal(t, 0.9, snap.WorstLoss)
	assert.Equal(t, Window{}, w)
}

func TestWindowWorstLossStartsFromFirstStep(t *testing.T) {
	var w Window
	w.Record(1, 10, time.Millisecond, time.Millisecond, 0.2)
	w.Record(1, 10, time.Millisecond, time.Millisecond, 0.1)
	assert.Equal(t, 0.2, w.Snapshot().WorstLoss)
}

func TestEmptyWindowSnapshot(t *testing.T) {
	var w Window
	snap := w.Snapshot()
	assert.Zero(t, snap.Volumes)
	assert.Zero(t, snap.VolumesPerSec)
	assert.Zero(t, snap.AvgDataMS)
	assert.Zero(t, snap.MeanLoss)
}
