package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

// EncodeWAVMulaw wraps raw 8 kHz μ-law mono bytes in a WAV container so
// recognizers that only take containered audio can consume captures
// from the telephony stream.
func EncodeWAVMulaw(mu []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVMulawTo(&buf, mu); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVMulawTo writes raw 8 kHz μ-law mono bytes to out as a WAV
// stream.
func WriteWAVMulawTo(out io.Writer, mu []byte) error {
	const (
		numChannels   = 1
		bitsPerSample = 8
		audioFormat   = 7 // μ-law
	)

	dataSize := uint32(len(mu))
	byteRate := uint32(SampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(SampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(mu); err != nil {
		return err
	}
	return w.Flush()
}
