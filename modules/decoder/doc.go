// Package decoder turns compressed video access units into RGBA frames.
//
// # Overview
//
// A Decoder is one of several interchangeable backends selected at session
// setup. Backends adapt a platform video decoder to the Transform interface and
// wrap it in an Engine, which owns everything backend independent:
//
//   - Output subtype negotiation (NV12, then I420, then YV12)
//   - The submit/drain loop with a single backpressure retry
//   - Stream-change renegotiation (remote desktop resize)
//   - Output buffer allocation for transforms that do not provide samples
//   - YUV 4:2:0 to RGBA conversion into pooled buffers
//
// # Basic Usage
//
//	reg := decoder.NewRegistry()
//	reg.Register("gstreamer", gstdecoder.Factory(gstdecoder.ModeAuto))
//	reg.Register("software", gstdecoder.Factory(gstdecoder.ModeSoftware))
//
//	dec, err := reg.Open(nil, decoder.Options{})
//	if err != nil {
//	    return err // every backend failed with ErrInitFailed
//	}
//	defer dec.Close()
//
//	frames, err := dec.Decode(unit)
//	for _, f := range frames {
//	    render(f.Width, f.Height, f.Data)
//	    f.Release()
//	}
//
// # Errors
//
// ErrInitFailed is permanent for a decoder instance; Registry.Open moves on to
// the next backend. ErrDecodeFailed covers one unit or one output pull and is
// not fatal: log it and keep feeding input.
//
// # Color Space
//
// Conversion uses 16.16 fixed-point coefficients for BT.709 or BT.601, limited
// or full range. The zero ColorSpace is BT.709 limited range.
//
// # Thread Safety
//
// A Decoder belongs to one goroutine (the session orchestrator, locked to its
// OS thread). Frames are immutable once returned and may be shared; the last
// Release returns the pixel buffer to the decoder's pool.
package decoder
