package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ImageMetadata describes one raw image without decoding its pixels.
type ImageMetadata struct {
	File   string `json:"file"`
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   string `json:"mode"`
}

// ColorMode names a color model with the PIL vocabulary used by
// metadata.json consumers.
func ColorMode(m color.Model) string {
	switch m {
	case color.RGBAModel, color.NRGBAModel:
		return "RGBA"
	case color.RGBA64Model, color.NRGBA64Model:
		return "RGBA"
	case color.GrayModel:
		return "L"
	case color.Gray16Model:
		return "I;16"
	case color.AlphaModel, color.Alpha16Model:
		return "LA"
	case color.YCbCrModel:
		return "RGB"
	case color.NYCbCrAModel:
		return "RGBA"
	case color.CMYKModel:
		return "CMYK"
	}
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	return "RGB"
}

// CollectMetadata reads the header of every image. Files that cannot be
// decoded are logged and left out.
func CollectMetadata(logger *zap.Logger, images []RawImage) []ImageMetadata {
	out := make([]ImageMetadata, 0, len(images))
	for _, img := range images {
		meta, err := readMetadata(img)
		if err != nil {
			logger.Warn("skipping unreadable image", zap.String("file", img.Rel), zap.Error(err))
			continue
		}
		out = append(out, meta)
	}
	return out
}

func readMetadata(img RawImage) (ImageMetadata, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return ImageMetadata{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return ImageMetadata{}, fmt.Errorf("decode header: %w", err)
	}
	return ImageMetadata{
		File:   img.Rel,
		Label:  img.Label,
		Width:  cfg.Width,
		Height: cfg.Height,
		Mode:   ColorMode(cfg.ColorModel),
	}, nil
}

// WriteMetadata stores items as indented JSON at path.
func WriteMetadata(path string, items []ImageMetadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
