package audio

import (
	"time"
)

// Telephony-standard framing: 8 kHz μ-law, one byte per sample, 20 ms
// per frame.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSize     = SampleRate / 1000 * 20 // bytes per 20 ms frame

	// μ-law encoding of a zero sample.
	muLawSilence = 0xFF
)

// Frames splits a μ-law clip into wire frames. The final frame is
// padded with silence so every frame is exactly FrameSize bytes.
func Frames(mu []byte) [][]byte {
	if len(mu) == 0 {
		return nil
	}
	n := (len(mu) + FrameSize - 1) / FrameSize
	frames := make([][]byte, 0, n)
	for off := 0; off < len(mu); off += FrameSize {
		end := off + FrameSize
		if end <= len(mu) {
			frames = append(frames, mu[off:end])
			continue
		}
		last := make([]byte, FrameSize)
		copy(last, mu[off:])
		for i := len(mu) - off; i < FrameSize; i++ {
			last[i] = muLawSilence
		}
		frames = append(frames, last)
	}
	return frames
}

// FrameCount returns how many frames cover the given duration, rounding
// up.
func FrameCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + FrameDuration - 1) / FrameDuration)
}

// SilenceFrame returns a fresh frame of μ-law silence.
func SilenceFrame() []byte {
	f := make([]byte, FrameSize)
	for i := range f {
		f[i] = muLawSilence
	}
	return f
}

// Duration reports the playback time of a μ-law clip.
func Duration(mu []byte) time.Duration {
	return time.Duration(len(mu)) * time.Second / SampleRate
}
