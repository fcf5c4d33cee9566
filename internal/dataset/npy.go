package dataset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// NPY format 1.0: magic, version, little-endian header length, python dict
// literal padded so the data starts on a 64-byte boundary.
var npyMagic = []byte("\x93NUMPY")

const (
	npyAlign = 64
	// maxNPYBytes bounds the data section a header may announce.
	maxNPYBytes = 1 << 34
)

var (
	descrPattern   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranPattern = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapePattern   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)

	errUnsupportedDType = errors.New("unsupported npy dtype")
)

type npyArray struct {
	descr string
	shape []int
	data  []byte
}

func (a *npyArray) count() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

func shapeLiteral(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func writeNPYHeader(w io.Writer, descr string, shape []int) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeLiteral(shape))
	preamble := len(npyMagic) + 2 + 2
	padding := npyAlign - (preamble+len(dict)+1)%npyAlign
	if padding == npyAlign {
		padding = 0
	}
	header := dict + strings.Repeat(" ", padding) + "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy header too long: %d bytes", len(header))
	}

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	_, err := w.Write(buf.Bytes())
	return err
}

func writeNPYFloat32(w io.Writer, values []float32, shape []int) error {
	if err := writeNPYHeader(w, "<f4", shape); err != nil {
		return err
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// writeNPYStrings stores labels as fixed-width UTF-32 ('<U{k}'), the dtype
// numpy gives an array of python strings.
func writeNPYStrings(w io.Writer, values []string) error {
	width := 1
	for _, v := range values {
		if n := utf8.RuneCountInString(v); n > width {
			width = n
		}
	}
	if err := writeNPYHeader(w, fmt.Sprintf("<U%d", width), []int{len(values)}); err != nil {
		return err
	}
	buf := make([]byte, 4*width*len(values))
	for i, v := range values {
		offset := 4 * width * i
		for _, r := range v {
			binary.LittleEndian.PutUint32(buf[offset:], uint32(r))
			offset += 4
		}
	}
	_, err := w.Write(buf)
	return err
}

func readNPY(r io.Reader) (*npyArray, error) {
	magic := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read npy magic: %w", err)
	}
	if !bytes.Equal(magic[:len(npyMagic)], npyMagic) {
		return nil, errors.New("not an npy stream")
	}

	var headerLen int
	switch major := magic[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("unsupported npy version %d", major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}

	arr, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}
	itemSize, err := dtypeSize(arr.descr)
	if err != nil {
		return nil, err
	}
	n := arr.count()
	if itemSize > 0 && n > maxNPYBytes/itemSize {
		return nil, fmt.Errorf("npy array of shape %v is too large", arr.shape)
	}
	arr.data = make([]byte, itemSize*n)
	if _, err := io.ReadFull(r, arr.data); err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}
	return arr, nil
}

func parseNPYHeader(header string) (*npyArray, error) {
	descr := descrPattern.FindStringSubmatch(header)
	if descr == nil {
		return nil, fmt.Errorf("npy header without descr: %q", header)
	}
	if m := fortranPattern.FindStringSubmatch(header); m != nil && m[1] == "True" {
		return nil, errors.New("fortran-ordered npy arrays are not supported")
	}
	shapeMatch := shapePattern.FindStringSubmatch(header)
	if shapeMatch == nil {
		return nil, fmt.Errorf("npy header without shape: %q", header)
	}

	var shape []int
	count := 1
	for _, part := range strings.Split(shapeMatch[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad npy shape %q: %w", shapeMatch[1], err)
		}
		if d < 0 {
			return nil, fmt.Errorf("bad npy shape %q: negative dimension", shapeMatch[1])
		}
		if d > 0 && count > maxNPYBytes/d {
			return nil, fmt.Errorf("bad npy shape %q: too many elements", shapeMatch[1])
		}
		count *= d
		shape = append(shape, d)
	}
	return &npyArray{descr: descr[1], shape: shape}, nil
}

func dtypeSize(descr string) (int, error) {
	switch descr {
	case "<f4", "<i4":
		return 4, nil
	case "<f8", "<i8":
		return 8, nil
	}
	if strings.HasPrefix(descr, "<U") {
		width, err := strconv.Atoi(descr[2:])
		if err != nil || width < 0 {
			return 0, fmt.Errorf("%w: %s", errUnsupportedDType, descr)
		}
		return 4 * width, nil
	}
	return 0, fmt.Errorf("%w: %s", errUnsupportedDType, descr)
}

func (a *npyArray) float32s() ([]float32, error) {
	n := a.count()
	out := make([]float32, n)
	switch a.descr {
	case "<f4":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.data[4*i:]))
		}
	case "<f8":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(a.data[8*i:])))
		}
	default:
		return nil, fmt.Errorf("%w for features: %s", errUnsupportedDType, a.descr)
	}
	return out, nil
}

// strings decodes a label array. Integer labels are formatted in base 10 so
// that later stages can decide whether they are already encoded.
func (a *npyArray) strings() ([]string, error) {
	n := a.count()
	out := make([]string, n)
	switch {
	case a.descr == "<i8":
		for i := range out {
			out[i] = strconv.FormatInt(int64(binary.LittleEndian.Uint64(a.data[8*i:])), 10)
		}
	case a.descr == "<i4":
		for i := range out {
			out[i] = strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(a.data[4*i:]))), 10)
		}
	case strings.HasPrefix(a.descr, "<U"):
		width := len(a.data) / max(n, 1) / 4
		for i := range out {
			var sb strings.Builder
			for j := 0; j < width; j++ {
				r := rune(binary.LittleEndian.Uint32(a.data[4*(i*width+j):]))
				if r == 0 {
					break
				}
				sb.WriteRune(r)
			}
			out[i] = sb.String()
		}
	default:
		return nil, fmt.Errorf("%w for labels: %s", errUnsupportedDType, a.descr)
	}
	return out, nil
}
