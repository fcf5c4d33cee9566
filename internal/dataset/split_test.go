package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func makeRawTree(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, class := range []string{"classA", "classB"} {
		for i := 0; i < perClass; i++ {
			writePNG(t, filepath.Join(root, class, class+"_"+string(rune('a'+i))+".png"), 8, 6)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "classA", "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root
}

func TestListRaw(t *testing.T) {
	root := makeRawTree(t, 3)
	writePNG(t, filepath.Join(root, "classC_loose.png"), 4, 4)

	images, err := ListRaw(root)
	if err != nil {
		t.Fatalf("ListRaw: %v", err)
	}
	if len(images) != 7 {
		t.Fatalf("expected 7 images, got %d", len(images))
	}
	if images[0].Rel != "classA/classA_a.png" || images[0].Label != "classA" {
		t.Fatalf("unexpected first entry %+v", images[0])
	}
	last := images[len(images)-1]
	if last.Label != "classC" {
		t.Fatalf("loose file labelled %q, want classC", last.Label)
	}
}

func TestListRawMissingRoot(t *testing.T) {
	if _, err := ListRaw(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error")
	}
}

func TestPartitionFilesAndCopy(t *testing.T) {
	root := makeRawTree(t, 10)
	images, err := ListRaw(root)
	if err != nil {
		t.Fatalf("ListRaw: %v", err)
	}

	fs, err := PartitionFiles(images, DefaultRatios, 42)
	if err != nil {
		t.Fatalf("PartitionFiles: %v", err)
	}
	if len(fs.Train) != 14 || len(fs.Val) != 2 || len(fs.Test) != 4 {
		t.Fatalf("sizes %d/%d/%d, want 14/2/4", len(fs.Train), len(fs.Val), len(fs.Test))
	}

	seen := make(map[string]int)
	for _, part := range [][]RawImage{fs.Train, fs.Val, fs.Test} {
		for _, img := range part {
			seen[img.Rel]++
		}
	}
	if len(seen) != len(images) {
		t.Fatalf("union has %d files, want %d", len(seen), len(images))
	}
	for rel, n := range seen {
		if n != 1 {
			t.Fatalf("%s assigned %d times", rel, n)
		}
	}

	again, _ := PartitionFiles(images, DefaultRatios, 42)
	if !cmp.Equal(fs, again) {
		t.Fatal("same seed produced a different file split")
	}

	out := t.TempDir()
	if err := CopySplit(fs, out); err != nil {
		t.Fatalf("CopySplit: %v", err)
	}
	dst := filepath.Join(out, "train", fs.Train[0].Label, filepath.Base(fs.Train[0].Path))
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected copied file at %s: %v", dst, err)
	}
}

func TestCollectMetadata(t *testing.T) {
	root := makeRawTree(t, 1)
	broken := filepath.Join(root, "classB", "broken.png")
	if err := os.WriteFile(broken, []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	images, err := ListRaw(root)
	if err != nil {
		t.Fatalf("ListRaw: %v", err)
	}

	items := CollectMetadata(zap.NewNop(), images)
	want := []ImageMetadata{
		{File: "classA/classA_a.png", Label: "classA", Width: 8, Height: 6, Mode: "L"},
		{File: "classB/classB_a.png", Label: "classB", Width: 8, Height: 6, Mode: "L"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "metadata.json")
	if err := WriteMetadata(path, items); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
}

func TestColorMode(t *testing.T) {
	if got := ColorMode(color.Palette{color.Black}); got != "P" {
		t.Fatalf("palette mode = %q", got)
	}
	if got := ColorMode(color.CMYKModel); got != "CMYK" {
		t.Fatalf("cmyk mode = %q", got)
	}
}
