// Package media provides the RTP anchor legs used when the bridge
// originates calls on behalf of an extension: a minimal SDP endpoint that
// keeps the audio session alive with clock-paced silence.
package media

import "time"

// Codec is an immutable audio codec specification.
type Codec struct {
	Name        string        // codec name (e.g. "PCMU")
	PayloadType uint8         // RTP payload type (0 for PCMU)
	SampleRate  uint32        // sample rate in Hz
	SampleDur   time.Duration // duration per frame (typically 20ms)
	Channels    int           // 1 for mono
}

// CodecPCMU is G.711 µ-law, the one codec the anchor offers.
var CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame. G.711 encodes one
// byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}
