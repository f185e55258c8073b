package metrics

import "time"

// Window accumulates per-epoch throughput and loss across training steps.
type Window struct {
	volumes int
	voxels  int64
	data    time.Duration
	compute time.Duration
	steps   int

	lossSum   float64
	worstLoss float64
}

// Record adds one batch covering volumes scans and voxels label voxels.
func (w *Window) Record(volumes int, voxels int64, dataTime, computeTime time.Duration, loss float64) {
	w.volumes += volumes
	w.voxels += voxels
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	if w.steps == 1 || loss > w.worstLoss {
		w.worstLoss = loss
	}
}

// Snapshot returns the epoch summary and clears the window for the next one.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, Volumes: w.volumes, WorstLoss: w.worstLoss}
	if busy := (w.data + w.compute).Seconds(); busy > 0 {
		snap.VolumesPerSec = float64(w.volumes) / busy
		snap.MegavoxelsPerSec = float64(w.voxels) / 1e6 / busy
	}
	if w.steps > 0 {
		n := float64(w.steps)
		snap.AvgDataMS = float64(w.data.Milliseconds()) / n
		snap.AvgComputeMS = float64(w.compute.Milliseconds()) / n
		snap.MeanLoss = w.lossSum / n
	}
	*w = Window{}
	return snap
}

// Snapshot is the loggable summary of one training epoch.
type Snapshot struct {
	Steps            int
	Volumes          int
	VolumesPerSec    float64
	MegavoxelsPerSec float64
	AvgDataMS        float64
	AvgComputeMS     float64
	// MeanLoss averages the batch losses; the printed epoch loss uses the
	// configured divisor instead.
	MeanLoss  float64
	WorstLoss float64
}
