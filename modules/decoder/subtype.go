package decoder

// Subtype is the negotiated raw output layout of a transform. It is decided
// once per stream (and again on every stream change) and conversion code
// branches on it.
type Subtype int

const (
	SubtypeUnknown Subtype = iota
	// SubtypeNV12 is 4:2:0 semi-planar: Y plane, then interleaved UV plane.
	SubtypeNV12
	// SubtypeIYUV is 4:2:0 planar: Y, U, V planes (a.k.a. I420).
	SubtypeIYUV
	// SubtypeYV12 is 4:2:0 planar with the chroma planes swapped: Y, V, U.
	SubtypeYV12
)

// Preference is the negotiation order: semi-planar first, then the two
// planar variants.
var Preference = []Subtype{SubtypeNV12, SubtypeIYUV, SubtypeYV12}

// String returns the GStreamer-style format name.
func (s Subtype) String() string {
	switch s {
	case SubtypeNV12:
		return "NV12"
	case SubtypeIYUV:
		return "I420"
	case SubtypeYV12:
		return "YV12"
	default:
		return "unknown"
	}
}

// Planar reports whether the subtype stores chroma in two separate planes.
func (s Subtype) Planar() bool {
	return s == SubtypeIYUV || s == SubtypeYV12
}

// ParseSubtype maps a format name to a Subtype.
func ParseSubtype(name string) Subtype {
	switch name {
	case "NV12", "nv12":
		return SubtypeNV12
	case "I420", "i420", "IYUV", "iyuv":
		return SubtypeIYUV
	case "YV12", "yv12":
		return SubtypeYV12
	default:
		return SubtypeUnknown
	}
}

// Negotiate picks the first entry of preference that appears in offered.
// Preference order wins over offer order.
func Negotiate(offered, preference []Subtype) (Subtype, bool) {
	for _, want := range preference {
		for _, have := range offered {
			if have == want {
				return want, true
			}
		}
	}
	return SubtypeUnknown, false
}
