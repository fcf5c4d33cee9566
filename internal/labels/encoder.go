package labels

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// FileName is the class-list file written next to trained models.
const FileName = "label_classes.json"

var ErrUnseenLabel = errors.New("label not seen during fitting")

// Encoder maps class names to 0..k-1 in lexicographic order, or numeric
// order when every class name is an integer.
type Encoder struct {
	classes []string
	index   map[string]int
}

// Fit builds an encoder from the distinct values of labels.
func Fit(labels []string) (*Encoder, error) {
	seen := make(map[string]struct{})
	var classes []string
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		classes = append(classes, l)
	}
	if keys, ok := integerKeys(classes); ok {
		sort.Slice(classes, func(i, j int) bool { return keys[classes[i]] < keys[classes[j]] })
	} else {
		sort.Strings(classes)
	}
	return FromClasses(classes)
}

// integerKeys parses every class as an integer. Coerce treats integer labels
// as indices, so such classes must sort by value for names and indices to agree.
func integerKeys(classes []string) (map[string]int, bool) {
	keys := make(map[string]int, len(classes))
	for _, c := range classes {
		v, err := strconv.Atoi(c)
		if err != nil {
			return nil, false
		}
		keys[c] = v
	}
	return keys, true
}

// FromClasses restores an encoder from an ordered class list.
func FromClasses(classes []string) (*Encoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("encoder needs at least one class")
	}
	e := &Encoder{
		classes: append([]string(nil), classes...),
		index:   make(map[string]int, len(classes)),
	}
	for i, c := range classes {
		if _, dup := e.index[c]; dup {
			return nil, fmt.Errorf("duplicate class %q", c)
		}
		e.index[c] = i
	}
	return e, nil
}

// Classes returns a copy of the class list.
func (e *Encoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

func (e *Encoder) Len() int { return len(e.classes) }

// Transform encodes labels; any label outside the fitted set fails with
// ErrUnseenLabel.
func (e *Encoder) Transform(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, ok := e.index[l]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnseenLabel, l)
		}
		out[i] = idx
	}
	return out, nil
}

// Inverse decodes class indices.
func (e *Encoder) Inverse(indices []int) ([]string, error) {
	out := make([]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(e.classes) {
			return nil, fmt.Errorf("class index %d out of range [0,%d)", idx, len(e.classes))
		}
		out[i] = e.classes[idx]
	}
	return out, nil
}

// Coerce turns evaluation labels into indices. When every label is an
// integer the values are taken as already encoded (and range-checked);
// otherwise they are looked up by name.
func (e *Encoder) Coerce(labels []string) ([]int, error) {
	ints := make([]int, len(labels))
	numeric := true
	for i, l := range labels {
		v, err := strconv.Atoi(l)
		if err != nil {
			numeric = false
			break
		}
		ints[i] = v
	}
	if !numeric {
		return e.Transform(labels)
	}
	for _, v := range ints {
		if v < 0 || v >= len(e.classes) {
			return nil, fmt.Errorf("%w: index %d with %d classes", ErrUnseenLabel, v, len(e.classes))
		}
	}
	return ints, nil
}

// Save writes the class list as an ordered JSON array.
func (e *Encoder) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create label directory: %w", err)
	}
	data, err := json.Marshal(e.classes)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a class list written by Save.
func Load(path string) (*Encoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var classes []string
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return FromClasses(classes)
}
