package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrDecode = errors.New("image could not be decoded")

// Processor turns an encoded image into a model input sample (HWC, BGR,
// values in [0,1]).
type Processor interface {
	ProcessFile(path string) ([]float32, error)
	ProcessBytes(data []byte) ([]float32, error)
}

// Params tunes segmentation and reflection removal.
type Params struct {
	Size                int
	MedianKernel        int
	HoughDP             float64
	HoughMinDist        float64
	HoughParam1         float64
	HoughParam2         float64
	MinRadius           int
	MaxRadius           int
	ReflectionThreshold float32
	InpaintRadius       float32
}

func DefaultParams() Params {
	return Params{
		Size:                224,
		MedianKernel:        5,
		HoughDP:             1,
		HoughMinDist:        100,
		HoughParam1:         100,
		HoughParam2:         30,
		MinRadius:           30,
		MaxRadius:           120,
		ReflectionThreshold: 240,
		InpaintRadius:       5,
	}
}

// Pipeline is the gocv implementation of Processor.
type Pipeline struct {
	params Params
	logger *zap.Logger
}

func NewPipeline(logger *zap.Logger, params Params) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{params: params, logger: logger}
}

// SampleLen is the number of values ProcessFile and ProcessBytes return.
func (p *Pipeline) SampleLen() int {
	return p.params.Size * p.params.Size * 3
}

func (p *Pipeline) ProcessFile(path string) ([]float32, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrDecode, path)
	}
	return p.process(img, path)
}

func (p *Pipeline) ProcessBytes(data []byte) ([]float32, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, ErrDecode
	}
	return p.process(img, "upload")
}

func (p *Pipeline) process(img gocv.Mat, subject string) ([]float32, error) {
	segmented, found := p.SegmentIris(img)
	defer segmented.Close()
	if !found {
		p.logger.Debug("no iris circle found, using full image", zap.String("image", subject))
	}

	clean := p.RemoveReflections(segmented)
	defer clean.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(clean, &resized, image.Pt(p.params.Size, p.params.Size), 0, 0, gocv.InterpolationLinear)

	return toSample(resized)
}

// SegmentIris keeps the strongest Hough circle and blacks out the rest of the
// image. When no circle is found it returns a copy of img and false. The
// caller closes the returned Mat.
func (p *Pipeline) SegmentIris(img gocv.Mat) (gocv.Mat, bool) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.MedianBlur(gray, &blurred, p.params.MedianKernel)

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(blurred, &circles, gocv.HoughGradient,
		p.params.HoughDP, p.params.HoughMinDist, p.params.HoughParam1, p.params.HoughParam2,
		p.params.MinRadius, p.params.MaxRadius)
	if circles.Empty() || circles.Cols() == 0 {
		return img.Clone(), false
	}

	v := circles.GetVecfAt(0, 0)
	center := image.Pt(int(v[0]+0.5), int(v[1]+0.5))
	radius := int(v[2] + 0.5)

	mask := gocv.Zeros(img.Rows(), img.Cols(), gocv.MatTypeCV8U)
	defer mask.Close()
	gocv.Circle(&mask, center, radius, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	out := gocv.NewMat()
	gocv.BitwiseAndWithMask(img, img, &out, mask)
	return out, true
}

// RemoveReflections inpaints near-white specular highlights. The caller
// closes the returned Mat.
func (p *Pipeline) RemoveReflections(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, p.params.ReflectionThreshold, 255, gocv.ThresholdBinary)

	out := gocv.NewMat()
	gocv.Inpaint(img, mask, &out, p.params.InpaintRadius, gocv.Telea)
	return out
}

// toSample scales an 8-bit BGR Mat to [0,1] and copies it out row-major.
func toSample(m gocv.Mat) ([]float32, error) {
	f := gocv.NewMat()
	defer f.Close()
	m.ConvertToWithParams(&f, gocv.MatTypeCV32FC3, 1.0/255, 0)

	data, err := f.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read pixels: %w", err)
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
