package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nv12Picture(w, h, stride int, y, u, v byte) []byte {
	pic := make([]byte, nv12Size(stride, h))
	for i := 0; i < stride*h; i++ {
		pic[i] = y
	}
	uv := pic[stride*h:]
	for i := 0; i+1 < len(uv); i += 2 {
		uv[i] = u
		uv[i+1] = v
	}
	return pic
}

func planarPicture(w, h int, y, first, second byte) []byte {
	cstride := (w + 1) / 2
	crows := (h + 1) / 2
	pic := make([]byte, planarSize(w, h))
	for i := 0; i < w*h; i++ {
		pic[i] = y
	}
	for i := 0; i < cstride*crows; i++ {
		pic[w*h+i] = first
		pic[w*h+cstride*crows+i] = second
	}
	return pic
}

func TestConvert_NV12LimitedRangeExtremes(t *testing.T) {
	testCases := []struct {
		name string
		y    byte
		want byte
	}{
		{"black", 16, 0},
		{"white", 235, 255},
		{"below_black_clamps", 0, 0},
		{"above_white_clamps", 255, 255},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dst := make([]byte, 2*2*4)
			ok := convert(dst, nv12Picture(2, 2, 2, tc.y, 128, 128), SubtypeNV12, 2, 2, 0, ColorSpace{})
			require.True(t, ok)
			assert.Equal(t, []byte{tc.want, tc.want, tc.want, 0xFF}, dst[:4])
		})
	}
}

func TestConvert_FullRangeKeepsLuma(t *testing.T) {
	cs := ColorSpace{Matrix: BT709, Range: RangeFull}
	dst := make([]byte, 4)

	require.True(t, convert(dst, nv12Picture(1, 1, 2, 128, 128, 128), SubtypeNV12, 1, 1, 2, cs))

	assert.Equal(t, []byte{128, 128, 128, 0xFF}, dst)
}

func TestConvert_StridedNV12IgnoresPadding(t *testing.T) {
	const w, h, stride = 2, 2, 8
	pic := nv12Picture(w, h, stride, 235, 128, 128)
	// Poison the padding columns; they must never be read.
	for row := 0; row < h; row++ {
		for col := w; col < stride; col++ {
			pic[row*stride+col] = 16
		}
	}

	dst := make([]byte, w*h*4)
	require.True(t, convert(dst, pic, SubtypeNV12, w, h, stride, ColorSpace{}))

	for i := 0; i < len(dst); i += 4 {
		assert.Equal(t, byte(255), dst[i], "pixel %d", i/4)
	}
}

func TestConvert_PlanarChromaOrder(t *testing.T) {
	// First chroma plane saturated, second neutral.
	pic := planarPicture(2, 2, 128, 240, 128)

	i420 := make([]byte, 16)
	require.True(t, convert(i420, pic, SubtypeIYUV, 2, 2, 0, ColorSpace{}))
	yv12 := make([]byte, 16)
	require.True(t, convert(yv12, pic, SubtypeYV12, 2, 2, 0, ColorSpace{}))

	// I420: first plane is Cb, so blue dominates.
	assert.Greater(t, i420[2], i420[0])
	// YV12: first plane is Cr, so red dominates.
	assert.Greater(t, yv12[0], yv12[2])
}

func TestConvert_OddDimensions(t *testing.T) {
	dst := make([]byte, 3*3*4)
	assert.True(t, convert(dst, planarPicture(3, 3, 235, 128, 128), SubtypeIYUV, 3, 3, 0, ColorSpace{}))
	assert.Equal(t, byte(255), dst[len(dst)-4])

	dst = make([]byte, 3*3*4)
	assert.True(t, convert(dst, nv12Picture(3, 3, 4, 235, 128, 128), SubtypeNV12, 3, 3, 0, ColorSpace{}))
	assert.Equal(t, byte(255), dst[len(dst)-4])
}

func TestConvert_UndersizedInputZeroFills(t *testing.T) {
	dst := make([]byte, 4*4*4)
	for i := range dst {
		dst[i] = 0xAA
	}

	ok := convert(dst, make([]byte, 10), SubtypeNV12, 4, 4, 0, ColorSpace{})

	assert.False(t, ok)
	assert.Equal(t, make([]byte, len(dst)), dst)
}

func TestConvert_StrideNarrowerThanWidthRejected(t *testing.T) {
	dst := make([]byte, 4*2*4)
	assert.False(t, convert(dst, make([]byte, 1024), SubtypeIYUV, 4, 2, 2, ColorSpace{}))
}

func TestConvert_MatricesDiffer(t *testing.T) {
	pic := nv12Picture(2, 2, 2, 128, 64, 200)

	bt709 := make([]byte, 16)
	bt601 := make([]byte, 16)
	require.True(t, convert(bt709, pic, SubtypeNV12, 2, 2, 0, ColorSpace{Matrix: BT709}))
	require.True(t, convert(bt601, pic, SubtypeNV12, 2, 2, 0, ColorSpace{Matrix: BT601}))

	assert.NotEqual(t, bt709[:4], bt601[:4])
}

func TestParseColorSpace(t *testing.T) {
	cs, err := ParseColorSpace("", "")
	require.NoError(t, err)
	assert.Equal(t, ColorSpace{Matrix: BT709, Range: RangeLimited}, cs)
	assert.Equal(t, "bt709/limited", cs.String())

	cs, err = ParseColorSpace("BT601", "full")
	require.NoError(t, err)
	assert.Equal(t, "bt601/full", cs.String())

	_, err = ParseColorSpace("bt2020", "")
	assert.Error(t, err)
	_, err = ParseColorSpace("", "wide")
	assert.Error(t, err)
}
