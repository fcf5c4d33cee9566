package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RawImage is one input file and the class it belongs to.
type RawImage struct {
	Path  string
	Rel   string
	Label string
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// IsImageFile reports whether name carries one of the accepted image extensions.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// LabelFromFilename derives a class from the filename convention used for
// images stored directly under the raw root: everything before the first '_'.
func LabelFromFilename(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if i := strings.IndexByte(base, '_'); i > 0 {
		return base[:i]
	}
	return base
}

// ListRaw enumerates root. Each subdirectory is a class and contributes the
// image files it holds (nested directories included); image files placed
// directly under root are labelled by LabelFromFilename. Results are sorted by
// relative path so every stage sees the same order.
func ListRaw(root string) ([]RawImage, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: raw directory %s", ErrNotFound, root)
		}
		return nil, fmt.Errorf("read raw directory: %w", err)
	}

	var images []RawImage
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !entry.IsDir() {
			if IsImageFile(entry.Name()) {
				images = append(images, RawImage{Path: path, Rel: entry.Name(), Label: LabelFromFilename(entry.Name())})
			}
			continue
		}

		label := entry.Name()
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsImageFile(d.Name()) {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			images = append(images, RawImage{Path: p, Rel: filepath.ToSlash(rel), Label: label})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk class %s: %w", label, err)
		}
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Rel < images[j].Rel })
	return images, nil
}

// GroupByLabel buckets images by class, preserving their order.
func GroupByLabel(images []RawImage) (map[string][]RawImage, []string) {
	groups := make(map[string][]RawImage)
	var classes []string
	for _, img := range images {
		if _, ok := groups[img.Label]; !ok {
			classes = append(classes, img.Label)
		}
		groups[img.Label] = append(groups[img.Label], img)
	}
	sort.Strings(classes)
	return groups, classes
}
