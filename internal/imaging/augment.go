package imaging

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"gocv.io/x/gocv"
)

// Augmenter applies random flip, rotation, zoom and contrast changes to
// processed samples. It is not safe for concurrent use.
type Augmenter struct {
	Size        int
	MaxRotation float64 // fraction of a full turn
	MaxZoom     float64
	MaxContrast float64

	rng *rand.Rand
}

func NewAugmenter(size int, seed int64) *Augmenter {
	return &Augmenter{
		Size:        size,
		MaxRotation: 0.1,
		MaxZoom:     0.1,
		MaxContrast: 0.1,
		rng:         rand.New(rand.NewPCG(uint64(seed), 0x5eed)),
	}
}

func (a *Augmenter) uniform(limit float64) float64 {
	return (a.rng.Float64()*2 - 1) * limit
}

// Apply returns an augmented copy of sample (HWC, 3 channels, [0,1]).
func (a *Augmenter) Apply(sample []float32) ([]float32, error) {
	if want := a.Size * a.Size * 3; len(sample) != want {
		return nil, fmt.Errorf("sample has %d values, want %d", len(sample), want)
	}

	src, err := gocv.NewMatFromBytes(a.Size, a.Size, gocv.MatTypeCV32FC3, float32Bytes(sample))
	if err != nil {
		return nil, fmt.Errorf("wrap sample: %w", err)
	}
	defer src.Close()

	flipped := gocv.NewMat()
	defer flipped.Close()
	if a.rng.IntN(2) == 1 {
		gocv.Flip(src, &flipped, 1)
	} else {
		src.CopyTo(&flipped)
	}

	angle := a.uniform(a.MaxRotation) * 360
	scale := 1 + a.uniform(a.MaxZoom)
	center := image.Pt(a.Size/2, a.Size/2)
	rot := gocv.GetRotationMatrix2D(center, angle, scale)
	defer rot.Close()

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpAffineWithParams(flipped, &warped, rot, image.Pt(a.Size, a.Size),
		gocv.InterpolationLinear, gocv.BorderReflect, color.RGBA{})

	data, err := warped.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read augmented pixels: %w", err)
	}
	out := make([]float32, len(data))
	copy(out, data)

	adjustContrast(out, 1+a.uniform(a.MaxContrast))
	return out, nil
}

// adjustContrast scales every channel around its mean and clips to [0,1].
func adjustContrast(sample []float32, factor float64) {
	var mean [3]float64
	pixels := len(sample) / 3
	for i, v := range sample {
		mean[i%3] += float64(v)
	}
	for c := range mean {
		mean[c] /= float64(pixels)
	}
	for i, v := range sample {
		m := mean[i%3]
		sample[i] = float32(math.Min(1, math.Max(0, (float64(v)-m)*factor+m)))
	}
}

func float32Bytes(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}
