package metrics

import (
	"errors"
	"time"
)

// ErrNoSamples is returned when an epoch saw no samples and no average exists.
var ErrNoSamples = errors.New("metrics: no samples accumulated")

// Record is the result of one epoch in one phase.
type Record struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Accumulator sums batch loss weighted by batch size and top-1 hits.
type Accumulator struct {
	lossSum float64
	correct int
	total   int
}

// Add folds in one batch whose mean loss is loss.
func (a *Accumulator) Add(loss float64, correct, n int) {
	a.lossSum += loss * float64(n)
	a.correct += correct
	a.total += n
}

// Total reports how many samples were accumulated.
func (a *Accumulator) Total() int {
	return a.total
}

// Result returns the per-sample mean loss and accuracy as a percentage.
func (a *Accumulator) Result() (Record, error) {
	if a.total == 0 {
		return Record{}, ErrNoSamples
	}
	return Record{
		Loss:     a.lossSum / float64(a.total),
		Accuracy: 100 * float64(a.correct) / float64(a.total),
	}, nil
}

// Epoch pairs the train and validation records of one epoch.
type Epoch struct {
	Train Record `json:"train"`
	Val   Record `json:"val"`
}

// History is the per-pipeline list of epoch records, in order.
type History struct {
	Epochs []Epoch `json:"epochs"`
}

func (h *History) Append(train, val Record) {
	h.Epochs = append(h.Epochs, Epoch{Train: train, Val: val})
}

func (h *History) Len() int {
	return len(h.Epochs)
}

// BestVal returns the highest validation accuracy and its 0-based epoch, or
// -1 when the history is empty.
func (h *History) BestVal() (float64, int) {
	best, at := 0.0, -1
	for i, e := range h.Epochs {
		if at < 0 || e.Val.Accuracy > best {
			best, at = e.Val.Accuracy, i
		}
	}
	return best, at
}

// Window accumulates timing stats across multiple training steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds one step to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Steps reports how many steps are pending in the window.
func (w *Window) Steps() int {
	return w.steps
}

// Snapshot returns aggregated throughput and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.lastLoss}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable step metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}
