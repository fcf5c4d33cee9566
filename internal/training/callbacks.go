package training

import "math"

// The three policies below watch the same validation-loss signal once per
// epoch. A NaN loss never counts as an improvement.

func improves(current, best, minDelta float64) bool {
	return !math.IsNaN(current) && current < best-minDelta
}

// EarlyStopping stops training after Patience epochs without improvement.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best      float64
	bestEpoch int
	wait      int
}

func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, best: math.Inf(1), bestEpoch: -1}
}

// Observe records the loss of epoch and reports whether it is the best so far
// and whether training should stop.
func (e *EarlyStopping) Observe(epoch int, valLoss float64) (improved, stop bool) {
	if improves(valLoss, e.best, e.MinDelta) {
		e.best, e.bestEpoch, e.wait = valLoss, epoch, 0
		return true, false
	}
	e.wait++
	return false, e.wait >= e.Patience
}

func (e *EarlyStopping) Best() (epoch int, loss float64) { return e.bestEpoch, e.best }

// ReduceLROnPlateau multiplies the learning rate by Factor after Patience
// epochs without an improvement larger than MinDelta.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64

	best float64
	wait int
}

func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, MinDelta: 1e-4, best: math.Inf(1)}
}

// Observe returns the learning rate to use from the next epoch on.
func (r *ReduceLROnPlateau) Observe(valLoss, lr float64) (next float64, reduced bool) {
	if improves(valLoss, r.best, r.MinDelta) {
		r.best, r.wait = valLoss, 0
		return lr, false
	}
	r.wait++
	if r.wait < r.Patience {
		return lr, false
	}
	r.wait = 0
	next = math.Max(lr*r.Factor, r.MinLR)
	return next, next < lr
}

// BestCheckpoint decides when the best model so far must be written.
type BestCheckpoint struct {
	Dir  string
	best float64
}

func NewBestCheckpoint(dir string) *BestCheckpoint {
	return &BestCheckpoint{Dir: dir, best: math.Inf(1)}
}

// Observe reports whether valLoss beats every previous epoch.
func (b *BestCheckpoint) Observe(valLoss float64) bool {
	if improves(valLoss, b.best, 0) {
		b.best = valLoss
		return true
	}
	return false
}
