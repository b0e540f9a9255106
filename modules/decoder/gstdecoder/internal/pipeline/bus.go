package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrDrainTimeout means EOS did not reach the bus in time.
var ErrDrainTimeout = errors.New("gstdecoder: drain timed out waiting for EOS")

// BusError is an error message popped from the pipeline bus.
type BusError struct {
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *BusError) Error() string {
	return fmt.Sprintf("pipeline error [%s]: %s", e.Category, e.Message)
}

func busError(msg *gst.Message) *BusError {
	gerr := msg.ParseError()
	if gerr == nil {
		return &BusError{Category: ErrCategoryUnknown, Message: "unparseable error message"}
	}
	return &BusError{
		Category: ClassifyGStreamerError(gerr),
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
	}
}

// PollErrors pops every pending bus message without blocking and returns the
// first error found.
func PollErrors(el *Elements) error {
	bus := el.Pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			berr := busError(msg)
			slog.Error("gstdecoder: pipeline error",
				"decoder", el.DecoderName,
				"error", berr.Message,
				"debug", berr.Debug,
				"category", berr.Category.String(),
			)
			return berr
		}
	}
}

// WaitEOS blocks until EOS, an error message or timeout.
func WaitEOS(el *Elements, timeout time.Duration) error {
	bus := el.Pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrDrainTimeout
		}

		// Short polls keep shutdown responsive.
		wait := 50 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}
		msg := bus.TimedPop(wait)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("gstdecoder: end of stream reached", "decoder", el.DecoderName)
			return nil
		case gst.MessageError:
			return busError(msg)
		}
	}
}
