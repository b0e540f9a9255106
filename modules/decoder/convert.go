package decoder

import (
	"fmt"
	"strings"
)

// Matrix selects the YCbCr→RGB coefficients.
type Matrix int

const (
	BT709 Matrix = iota
	BT601
)

// Range selects studio (16-235/16-240) or full (0-255) quantization.
type Range int

const (
	RangeLimited Range = iota
	RangeFull
)

// ColorSpace describes how decoded luma/chroma map to RGB.
// The zero value is BT.709 limited range, the common remote-desktop default.
type ColorSpace struct {
	Matrix Matrix
	Range  Range
}

// ParseColorSpace parses matrix ("bt601", "bt709") and range ("limited",
// "full") names. Empty strings select the defaults.
func ParseColorSpace(matrix, rng string) (ColorSpace, error) {
	var cs ColorSpace

	switch strings.ToLower(matrix) {
	case "", "bt709", "709":
		cs.Matrix = BT709
	case "bt601", "601":
		cs.Matrix = BT601
	default:
		return cs, fmt.Errorf("decoder: invalid color matrix %q (must be bt601 or bt709)", matrix)
	}

	switch strings.ToLower(rng) {
	case "", "limited", "studio", "tv":
		cs.Range = RangeLimited
	case "full", "pc":
		cs.Range = RangeFull
	default:
		return cs, fmt.Errorf("decoder: invalid color range %q (must be limited or full)", rng)
	}

	return cs, nil
}

// String returns e.g. "bt709/limited".
func (cs ColorSpace) String() string {
	m := "bt709"
	if cs.Matrix == BT601 {
		m = "bt601"
	}
	r := "limited"
	if cs.Range == RangeFull {
		r = "full"
	}
	return m + "/" + r
}

// coefficients are 16.16 fixed-point factors for one color space.
type coefficients struct {
	yOff int32
	yMul int32
	rCr  int32
	gCb  int32
	gCr  int32
	bCb  int32
}

const fixShift = 16

func (cs ColorSpace) coefficients() coefficients {
	kr, kb := 0.2126, 0.0722
	if cs.Matrix == BT601 {
		kr, kb = 0.299, 0.114
	}
	kg := 1 - kr - kb

	yScale, cScale, yOff := 1.0, 1.0, 0.0
	if cs.Range == RangeLimited {
		yScale = 255.0 / 219.0
		cScale = 255.0 / 224.0
		yOff = 16
	}

	fix := func(v float64) int32 {
		if v < 0 {
			return int32(v*(1<<fixShift) - 0.5)
		}
		return int32(v*(1<<fixShift) + 0.5)
	}

	return coefficients{
		yOff: int32(yOff),
		yMul: fix(yScale),
		rCr:  fix(2 * (1 - kr) * cScale),
		gCb:  fix(2 * kb * (1 - kb) / kg * cScale),
		gCr:  fix(2 * kr * (1 - kr) / kg * cScale),
		bCb:  fix(2 * (1 - kb) * cScale),
	}
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// pixel writes one RGBA pixel.
func (c *coefficients) pixel(dst []byte, y, cb, cr byte) {
	yy := (int32(y) - c.yOff) * c.yMul
	u := int32(cb) - 128
	v := int32(cr) - 128
	const half = 1 << (fixShift - 1)

	dst[0] = clamp8((yy + c.rCr*v + half) >> fixShift)
	dst[1] = clamp8((yy - c.gCb*u - c.gCr*v + half) >> fixShift)
	dst[2] = clamp8((yy + c.bCb*u + half) >> fixShift)
	dst[3] = 0xFF
}

// nv12Size is the minimum byte length of a strided NV12 picture.
func nv12Size(stride, height int) int {
	return stride*height + stride*((height+1)/2)
}

// planarSize is the minimum byte length of an I420/YV12 picture.
func planarSize(stride, height int) int {
	cstride := (stride + 1) / 2
	return stride*height + 2*cstride*((height+1)/2)
}

// convertNV12 converts a strided semi-planar picture into dst (w*h*4 bytes).
// Returns false when src is too small for the layout.
func convertNV12(dst, src []byte, w, h, stride int, cs ColorSpace) bool {
	// Interleaved chroma rows hold a full UV pair for an odd last column.
	if stride < (w+1)&^1 {
		return false
	}
	if len(src) < nv12Size(stride, h) || len(dst) < w*h*4 {
		return false
	}

	c := cs.coefficients()
	uv := src[stride*h:]

	for row := 0; row < h; row++ {
		yRow := src[row*stride : row*stride+w]
		uvRow := uv[(row/2)*stride:]
		out := dst[row*w*4 : (row+1)*w*4]
		for col := 0; col < w; col++ {
			ci := col &^ 1
			c.pixel(out[col*4:col*4+4], yRow[col], uvRow[ci], uvRow[ci+1])
		}
	}
	return true
}

// convertPlanar converts I420 (swapUV=false) or YV12 (swapUV=true).
func convertPlanar(dst, src []byte, w, h, stride int, swapUV bool, cs ColorSpace) bool {
	if stride < w {
		return false
	}
	if len(src) < planarSize(stride, h) || len(dst) < w*h*4 {
		return false
	}

	c := cs.coefficients()
	cstride := (stride + 1) / 2
	crows := (h + 1) / 2
	first := src[stride*h:]
	second := first[cstride*crows:]
	uPlane, vPlane := first, second
	if swapUV {
		uPlane, vPlane = second, first
	}

	for row := 0; row < h; row++ {
		yRow := src[row*stride : row*stride+w]
		crow := (row / 2) * cstride
		out := dst[row*w*4 : (row+1)*w*4]
		for col := 0; col < w; col++ {
			c.pixel(out[col*4:col*4+4], yRow[col], uPlane[crow+col/2], vPlane[crow+col/2])
		}
	}
	return true
}

// convert dispatches on the negotiated subtype. On any layout mismatch dst is
// zero filled so the caller never reads out of bounds or ships stale pixels.
func convert(dst, src []byte, sub Subtype, w, h, stride int, cs ColorSpace) bool {
	if stride <= 0 {
		stride = w
		if sub == SubtypeNV12 {
			stride = (w + 1) &^ 1
		}
	}

	var ok bool
	switch sub {
	case SubtypeNV12:
		ok = convertNV12(dst, src, w, h, stride, cs)
	case SubtypeIYUV:
		ok = convertPlanar(dst, src, w, h, stride, false, cs)
	case SubtypeYV12:
		ok = convertPlanar(dst, src, w, h, stride, true, cs)
	}

	if !ok {
		clear(dst)
	}
	return ok
}
