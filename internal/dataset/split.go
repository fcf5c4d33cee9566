package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Ratios for the on-disk file split. Test takes whatever train and val leave.
type Ratios struct {
	Train float64
	Val   float64
}

var DefaultRatios = Ratios{Train: 0.7, Val: 0.15}

// FileSplit lists which raw files go to which directory.
type FileSplit struct {
	Train []RawImage
	Val   []RawImage
	Test  []RawImage
}

// PartitionFiles shuffles every class with the seeded generator and cuts it
// at floor(Train*n) and floor(Val*n).
func PartitionFiles(images []RawImage, ratios Ratios, seed int64) (FileSplit, error) {
	if ratios.Train <= 0 || ratios.Val < 0 || ratios.Train+ratios.Val >= 1 {
		return FileSplit{}, fmt.Errorf("invalid split ratios %+v", ratios)
	}
	if len(images) == 0 {
		return FileSplit{}, ErrEmpty
	}

	groups, classes := GroupByLabel(images)
	rng := NewRand(seed)
	var fs FileSplit
	for _, c := range classes {
		group := append([]RawImage(nil), groups[c]...)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })

		n := len(group)
		nTrain := int(ratios.Train * float64(n))
		nVal := int(ratios.Val * float64(n))
		fs.Train = append(fs.Train, group[:nTrain]...)
		fs.Val = append(fs.Val, group[nTrain:nTrain+nVal]...)
		fs.Test = append(fs.Test, group[nTrain+nVal:]...)
	}
	return fs, nil
}

// CopySplit copies every file into outDir/<split>/<class>/<file>.
func CopySplit(fs FileSplit, outDir string) error {
	for _, part := range []struct {
		name   string
		images []RawImage
	}{
		{"train", fs.Train},
		{"val", fs.Val},
		{"test", fs.Test},
	} {
		for _, img := range part.images {
			dst := filepath.Join(outDir, part.name, img.Label, filepath.Base(img.Path))
			if err := copyFile(img.Path, dst); err != nil {
				return fmt.Errorf("copy %s: %w", img.Rel, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}
