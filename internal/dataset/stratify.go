package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Partition holds sample indices into the slice that was split.
type Partition struct {
	Train []int
	Test  []int
}

// NewRand returns the seeded generator every stage shuffles with.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// StratifiedSplit holds out ceil(testFraction*n) samples so that every class
// keeps its share in both halves. Per-class test counts are allocated by
// largest remainder; ties go to the class that sorts first. Both halves are
// shuffled, and the same labels and seed always give the same partition.
func StratifiedSplit(labels []string, testFraction float64, seed int64) (Partition, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return Partition{}, fmt.Errorf("test fraction must be in (0,1), got %g", testFraction)
	}
	n := len(labels)
	if n == 0 {
		return Partition{}, ErrEmpty
	}

	byClass := make(map[string][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	for _, c := range classes {
		if len(byClass[c]) < 2 {
			return Partition{}, fmt.Errorf("%w: class %q has %d sample(s), need at least 2", ErrEmpty, c, len(byClass[c]))
		}
	}

	nTest := int(math.Ceil(testFraction*float64(n) - 1e-9))
	nTrain := n - nTest
	if nTest < len(classes) || nTrain < len(classes) {
		return Partition{}, fmt.Errorf("%w: %d samples cannot hold %d classes on both sides of a %.2f split",
			ErrEmpty, n, len(classes), testFraction)
	}

	counts := make([]int, len(classes))
	for i, c := range classes {
		counts[i] = len(byClass[c])
	}
	alloc := allocate(counts, nTest)

	rng := NewRand(seed)
	var p Partition
	for i, c := range classes {
		idx := append([]int(nil), byClass[c]...)
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		p.Test = append(p.Test, idx[:alloc[i]]...)
		p.Train = append(p.Train, idx[alloc[i]:]...)
	}
	rng.Shuffle(len(p.Train), func(a, b int) { p.Train[a], p.Train[b] = p.Train[b], p.Train[a] })
	rng.Shuffle(len(p.Test), func(a, b int) { p.Test[a], p.Test[b] = p.Test[b], p.Test[a] })
	return p, nil
}

// allocate distributes total across buckets proportionally to counts using
// the largest-remainder method.
func allocate(counts []int, total int) []int {
	n := 0
	for _, c := range counts {
		n += c
	}

	alloc := make([]int, len(counts))
	remainders := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		exact := float64(c) * float64(total) / float64(n)
		alloc[i] = int(math.Floor(exact))
		remainders[i] = exact - float64(alloc[i])
		assigned += alloc[i]
	}

	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return remainders[order[a]] > remainders[order[b]] })
	for _, i := range order {
		if assigned == total {
			break
		}
		if alloc[i] < counts[i] {
			alloc[i]++
			assigned++
		}
	}
	return alloc
}

// ThreeWaySplit applies the two-step split used by preprocessing: holdOut of
// the samples leave training, and the held-out part is halved into
// validation and test.
func ThreeWaySplit(labels []string, holdOut float64, seed int64) (train, val, test []int, err error) {
	first, err := StratifiedSplit(labels, holdOut, seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("train/held-out split: %w", err)
	}
	heldLabels := make([]string, len(first.Test))
	for i, idx := range first.Test {
		heldLabels[i] = labels[idx]
	}
	second, err := StratifiedSplit(heldLabels, 0.5, seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("val/test split: %w", err)
	}

	val = make([]int, len(second.Train))
	for i, j := range second.Train {
		val[i] = first.Test[j]
	}
	test = make([]int, len(second.Test))
	for i, j := range second.Test {
		test[i] = first.Test[j]
	}
	return first.Train, val, test, nil
}
