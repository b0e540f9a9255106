package pipeline

// Layout is GStreamer's default memory layout for a 4:2:0 raw video buffer
// (gst_video_info_fill_planes without video meta).
type Layout struct {
	LumaStride   int
	ChromaStride int
	ChromaOffset [2]int // first and second chroma plane; second unused for NV12
	ChromaRows   int
	Size         int
}

func roundUp2(v int) int { return (v + 1) &^ 1 }
func roundUp4(v int) int { return (v + 3) &^ 3 }

// DefaultLayout computes the layout GStreamer uses for format at w×h.
// format is "NV12", "I420" or "YV12"; ok is false for anything else.
func DefaultLayout(format string, w, h int) (Layout, bool) {
	var l Layout
	l.LumaStride = roundUp4(w)
	l.ChromaRows = roundUp2(h) / 2
	lumaSize := l.LumaStride * roundUp2(h)

	switch format {
	case "NV12":
		l.ChromaStride = l.LumaStride
		l.ChromaOffset[0] = lumaSize
		l.Size = lumaSize + l.ChromaStride*l.ChromaRows
	case "I420", "YV12":
		l.ChromaStride = roundUp4(roundUp2(w) / 2)
		l.ChromaOffset[0] = lumaSize
		l.ChromaOffset[1] = lumaSize + l.ChromaStride*l.ChromaRows
		l.Size = l.ChromaOffset[1] + l.ChromaStride*l.ChromaRows
	default:
		return Layout{}, false
	}
	return l, true
}

// Normalize rewrites a GStreamer buffer into the packed layout the decode
// engine reads: luma rows of LumaStride bytes with no row padding below the
// picture, chroma rows of LumaStride (NV12) or (LumaStride+1)/2 (planar)
// bytes.
//
// When the layouts already agree data is returned as is. Otherwise the result
// is written into scratch (grown when needed) and returned. Undersized data is
// returned untouched so the engine's size check rejects it.
func Normalize(scratch, data []byte, format string, w, h int) (out []byte, stride int) {
	l, ok := DefaultLayout(format, w, h)
	if !ok || len(data) < l.Size {
		return data, l.LumaStride
	}

	stride = l.LumaStride
	lumaSize := stride * h
	planar := format != "NV12"

	engineChroma := stride
	planes := 1
	if planar {
		engineChroma = (stride + 1) / 2
		planes = 2
	}

	if h%2 == 0 && engineChroma == l.ChromaStride {
		return data[:l.Size], stride
	}

	size := lumaSize + planes*engineChroma*l.ChromaRows
	if cap(scratch) < size {
		scratch = make([]byte, size)
	}
	out = scratch[:size]

	copy(out, data[:lumaSize])

	n := engineChroma
	if l.ChromaStride < n {
		n = l.ChromaStride
	}
	dst := lumaSize
	for p := 0; p < planes; p++ {
		src := l.ChromaOffset[p]
		for row := 0; row < l.ChromaRows; row++ {
			copy(out[dst:dst+n], data[src+row*l.ChromaStride:])
			dst += engineChroma
		}
	}
	return out, stride
}
