package replay

// NAL unit types used for access unit boundaries (H.264 Table 7-1).
const (
	nalSlice    = 1
	nalIDR      = 5
	nalSEI      = 6
	nalSPS      = 7
	nalPPS      = 8
	nalAUD      = 9
	nalTypeMask = 0x1F
)

// AccessUnit is one decodable unit of an H.264 Annex B stream.
type AccessUnit struct {
	Data       []byte // Annex B bytes including start codes
	IsKeyframe bool
}

// SplitNALUs returns the NAL units of an Annex B stream without start codes.
func SplitNALUs(stream []byte) [][]byte {
	var nalus [][]byte
	start := -1

	for i := 0; i+2 < len(stream); {
		if stream[i] == 0 && stream[i+1] == 0 && stream[i+2] == 1 {
			if start >= 0 {
				nalus = append(nalus, trimTrailingZeros(stream[start:i]))
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(stream) {
		nalus = append(nalus, stream[start:])
	}
	return nalus
}

// trimTrailingZeros drops the leading zero of a following 4-byte start code.
func trimTrailingZeros(nalu []byte) []byte {
	end := len(nalu)
	for end > 0 && nalu[end-1] == 0 {
		end--
	}
	return nalu[:end]
}

// SplitAccessUnits groups an Annex B stream into access units.
//
// A new unit starts at an access unit delimiter, at SPS/PPS/SEI following a
// picture, or at a slice whose first_mb_in_slice is zero following a picture.
func SplitAccessUnits(stream []byte) []AccessUnit {
	var (
		units      []AccessUnit
		current    []byte
		hasPicture bool
		keyframe   bool
	)

	flush := func() {
		if len(current) > 0 {
			units = append(units, AccessUnit{Data: current, IsKeyframe: keyframe})
		}
		current = nil
		hasPicture = false
		keyframe = false
	}

	for _, nalu := range SplitNALUs(stream) {
		if len(nalu) == 0 {
			continue
		}
		typ := nalu[0] & nalTypeMask

		switch typ {
		case nalAUD:
			flush()
		case nalSPS, nalPPS, nalSEI:
			if hasPicture {
				flush()
			}
		case nalSlice, nalIDR:
			// first_mb_in_slice is ue(v); value 0 encodes as a single 1 bit.
			if hasPicture && len(nalu) > 1 && nalu[1]&0x80 != 0 {
				flush()
			}
			hasPicture = true
			if typ == nalIDR {
				keyframe = true
			}
		}

		current = append(current, 0, 0, 0, 1)
		current = append(current, nalu...)
	}
	flush()
	return units
}
