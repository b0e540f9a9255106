package pipeline

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer bus errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryCodec covers bitstream and negotiation failures.
	ErrCategoryCodec ErrorCategory = iota
	// ErrCategoryResource covers missing plugins, VA devices and memory.
	ErrCategoryResource
	// ErrCategoryUnknown covers everything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a bus error.
// go-gst's GError does not expose the error domain, so classification relies
// on message heuristics.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error from its message and debug text.
// Resource keywords are checked first: "no decoder" style messages would
// otherwise match the codec list.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	if containsAny(combined, resourceKeywords) {
		return ErrCategoryResource
	}
	if containsAny(combined, codecKeywords) {
		return ErrCategoryCodec
	}
	return ErrCategoryUnknown
}

var resourceKeywords = []string{
	"missing plugin",
	"no such element",
	"no decoder",
	"va display",
	"vaapi",
	"drm",
	"device",
	"out of memory",
	"allocate",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"format",
	"negotiation",
	"not negotiated",
	"not-negotiated",
	"caps",
	"h264",
	"bitstream",
	"slice",
	"sps",
	"pps",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
