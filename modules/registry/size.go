package registry

// SizePolicy bounds requested desktop sizes.
type SizePolicy struct {
	DefaultWidth  int
	DefaultHeight int
	MinWidth      int
	MinHeight     int
	MaxWidth      int
	MaxHeight     int
}

// DefaultSizePolicy returns 1920×1080 within 200×200..8192×8192.
func DefaultSizePolicy() SizePolicy {
	return SizePolicy{
		DefaultWidth:  1920,
		DefaultHeight: 1080,
		MinWidth:      200,
		MinHeight:     200,
		MaxWidth:      8192,
		MaxHeight:     8192,
	}
}

func (p SizePolicy) withDefaults() SizePolicy {
	def := DefaultSizePolicy()
	if p.MinWidth <= 0 {
		p.MinWidth = def.MinWidth
	}
	if p.MinHeight <= 0 {
		p.MinHeight = def.MinHeight
	}
	if p.MaxWidth < p.MinWidth {
		p.MaxWidth = max(def.MaxWidth, p.MinWidth)
	}
	if p.MaxHeight < p.MinHeight {
		p.MaxHeight = max(def.MaxHeight, p.MinHeight)
	}
	if p.DefaultWidth <= 0 {
		p.DefaultWidth = def.DefaultWidth
	}
	if p.DefaultHeight <= 0 {
		p.DefaultHeight = def.DefaultHeight
	}
	return p
}

// Resolve picks the desktop size for a request. A zero dimension selects the
// default size; the result is clamped to the bounds and the width made even,
// since 4:2:0 video needs even luma widths.
func (p SizePolicy) Resolve(width, height int) (int, int) {
	p = p.withDefaults()
	if width <= 0 || height <= 0 {
		width, height = p.DefaultWidth, p.DefaultHeight
	}
	width = min(max(width, p.MinWidth), p.MaxWidth)
	height = min(max(height, p.MinHeight), p.MaxHeight)

	if width%2 != 0 {
		if width+1 <= p.MaxWidth {
			width++
		} else {
			width--
		}
	}
	return width, height
}
