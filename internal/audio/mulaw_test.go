package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestFramesPadsFinalFrame(t *testing.T) {
	clip := bytes.Repeat([]byte{0x42}, FrameSize+10)
	frames := Frames(clip)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameSize {
			t.Fatalf("frame %d size = %d", i, len(f))
		}
	}
	if frames[1][9] != 0x42 || frames[1][10] != muLawSilence {
		t.Fatalf("final frame not padded with silence")
	}
}

func TestFramesEmpty(t *testing.T) {
	if got := Frames(nil); got != nil {
		t.Fatalf("Frames(nil) = %v", got)
	}
}

func TestFrameCount(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{FrameDuration, 1},
		{2 * time.Second, 100},
		{25 * time.Millisecond, 2},
	}
	for _, tc := range cases {
		if got := FrameCount(tc.d); got != tc.want {
			t.Errorf("FrameCount(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestDurationRoundTripsFrameSize(t *testing.T) {
	if got := Duration(make([]byte, FrameSize)); got != FrameDuration {
		t.Fatalf("Duration(one frame) = %v, want %v", got, FrameDuration)
	}
}

func TestEncodeWAVMulawHeader(t *testing.T) {
	clip := bytes.Repeat([]byte{0x7F}, 320)
	wav, err := EncodeWAVMulaw(clip)
	if err != nil {
		t.Fatalf("EncodeWAVMulaw() error = %v", err)
	}
	if len(wav) != 44+len(clip) {
		t.Fatalf("wav size = %d, want %d", len(wav), 44+len(clip))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad container header %q", wav[:12])
	}
	// Format code 7 (μ-law) lives at offset 20.
	if wav[20] != 7 || wav[21] != 0 {
		t.Fatalf("format code = %d", uint16(wav[20])|uint16(wav[21])<<8)
	}
	if !bytes.Equal(wav[44:], clip) {
		t.Fatalf("payload mangled")
	}
}
