package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// Processed image geometry shared by every stage.
const (
	ImageSize = 224
	Channels  = 3
)

var (
	ErrNotFound = errors.New("dataset input not found")
	ErrEmpty    = errors.New("dataset is empty")
)

// archiveEpoch is stamped on every member so rewriting the same data yields
// the same bytes.
var archiveEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// SampleShape is the per-sample feature shape (H, W, C).
var SampleShape = []int{ImageSize, ImageSize, Channels}

// Split is one partition: samples laid out back to back in Features, one
// label per sample.
type Split struct {
	Features []float32
	Labels   []string
}

// Len returns the number of samples.
func (s Split) Len() int { return len(s.Labels) }

// SampleSize returns the number of float32 values per sample.
func SampleSize() int { return ImageSize * ImageSize * Channels }

// Sample returns a view of sample i.
func (s Split) Sample(i int) []float32 {
	size := SampleSize()
	return s.Features[i*size : (i+1)*size]
}

// Validate checks that features and labels agree on the sample count.
func (s Split) Validate() error {
	if want := s.Len() * SampleSize(); len(s.Features) != want {
		return fmt.Errorf("split holds %d values for %d labels, want %d", len(s.Features), s.Len(), want)
	}
	return nil
}

// Subset copies the samples at indices into a new split.
func (s Split) Subset(indices []int) Split {
	size := SampleSize()
	out := Split{
		Features: make([]float32, 0, len(indices)*size),
		Labels:   make([]string, 0, len(indices)),
	}
	for _, i := range indices {
		out.Features = append(out.Features, s.Sample(i)...)
		out.Labels = append(out.Labels, s.Labels[i])
	}
	return out
}

// Archive is the three-way partition handed from preprocessing to training
// and evaluation.
type Archive struct {
	Train Split
	Val   Split
	Test  Split
}

func (a *Archive) splits() []struct {
	name  string
	split *Split
} {
	return []struct {
		name  string
		split *Split
	}{
		{"train", &a.Train},
		{"val", &a.Val},
		{"test", &a.Test},
	}
}

// WriteArchive stores a as a deflate zip of six .npy members in fixed order
// (X_train, y_train, X_val, y_val, X_test, y_test). The file is replaced
// atomically.
func WriteArchive(path string, a *Archive) error {
	for _, s := range a.splits() {
		if err := s.split.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, s := range a.splits() {
		shape := append([]int{s.split.Len()}, SampleShape...)
		w, err := zw.CreateHeader(memberHeader("X_" + s.name))
		if err != nil {
			tmp.Close()
			return fmt.Errorf("add X_%s: %w", s.name, err)
		}
		if err := writeNPYFloat32(w, s.split.Features, shape); err != nil {
			tmp.Close()
			return fmt.Errorf("write X_%s: %w", s.name, err)
		}

		w, err = zw.CreateHeader(memberHeader("y_" + s.name))
		if err != nil {
			tmp.Close()
			return fmt.Errorf("add y_%s: %w", s.name, err)
		}
		if err := writeNPYStrings(w, s.split.Labels); err != nil {
			tmp.Close()
			return fmt.Errorf("write y_%s: %w", s.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func memberHeader(name string) *zip.FileHeader {
	return &zip.FileHeader{
		Name:     name + ".npy",
		Method:   zip.Deflate,
		Modified: archiveEpoch,
	}
}

// LoadArchive reads all three splits.
func LoadArchive(path string) (*Archive, error) {
	members, closeFn, err := openMembers(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	a := &Archive{}
	for _, s := range a.splits() {
		split, err := readSplit(members, s.name)
		if err != nil {
			return nil, err
		}
		*s.split = split
	}
	return a, nil
}

// LoadTestSplit reads only X_test and y_test.
func LoadTestSplit(path string) (Split, error) {
	members, closeFn, err := openMembers(path)
	if err != nil {
		return Split{}, err
	}
	defer closeFn()
	return readSplit(members, "test")
}

func openMembers(path string) (map[string]*zip.File, func(), error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	members := make(map[string]*zip.File, len(rc.File))
	for _, f := range rc.File {
		members[strings.TrimSuffix(f.Name, ".npy")] = f
	}
	return members, func() { rc.Close() }, nil
}

func readMember(members map[string]*zip.File, name string) (*npyArray, error) {
	f, ok := members[name]
	if !ok {
		return nil, fmt.Errorf("archive has no member %s", name)
	}
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer r.Close()

	arr, err := readNPY(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return arr, nil
}

func readSplit(members map[string]*zip.File, name string) (Split, error) {
	x, err := readMember(members, "X_"+name)
	if err != nil {
		return Split{}, err
	}
	y, err := readMember(members, "y_"+name)
	if err != nil {
		return Split{}, err
	}

	if len(x.shape) != 4 || x.shape[1] != ImageSize || x.shape[2] != ImageSize || x.shape[3] != Channels {
		return Split{}, fmt.Errorf("X_%s has shape %v, want (n, %d, %d, %d)", name, x.shape, ImageSize, ImageSize, Channels)
	}
	features, err := x.float32s()
	if err != nil {
		return Split{}, fmt.Errorf("X_%s: %w", name, err)
	}
	labels, err := y.strings()
	if err != nil {
		return Split{}, fmt.Errorf("y_%s: %w", name, err)
	}

	split := Split{Features: features, Labels: labels}
	if err := split.Validate(); err != nil {
		return Split{}, fmt.Errorf("%s: %w", name, err)
	}
	return split, nil
}
