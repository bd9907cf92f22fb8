package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/anupbose/dhwani/internal/audio"
	"github.com/anupbose/dhwani/internal/telephony"
)

const (
	// utteranceGap is how long the caller must stay quiet before the
	// buffered audio is treated as a finished utterance.
	utteranceGap = 800 * time.Millisecond
	// minUtteranceFrames filters out line noise and clicks.
	minUtteranceFrames = 10
	// maxUtterance bounds a single capture.
	maxUtterance = 30 * time.Second
)

// ConsumeStream binds a telephony stream to a call: outbound clips play
// through it, inbound frames are segmented into utterances on quiet
// gaps, and caller audio arriving mid-playback triggers barge-in.
// Blocks until the stream or context ends.
func (o *Orchestrator) ConsumeStream(ctx context.Context, callID string, st *telephony.Stream) error {
	if err := o.AttachAudio(callID, st); err != nil {
		return err
	}

	var buffer []byte
	maxBytes := audio.FrameCount(maxUtterance) * audio.FrameSize

	gap := time.NewTimer(utteranceGap)
	defer gap.Stop()
	gap.Stop()

	flush := func() {
		if len(buffer) < minUtteranceFrames*audio.FrameSize {
			buffer = buffer[:0]
			return
		}
		wav, err := audio.EncodeWAVMulaw(buffer)
		buffer = nil
		if err != nil {
			log.Printf("orchestrator: call %s utterance wrap failed: %v", callID, err)
			return
		}
		if err := o.HandleSpeech(callID, wav); err != nil {
			log.Printf("orchestrator: call %s utterance dropped: %v", callID, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gap.C:
			flush()
		case ev, ok := <-st.Controls():
			if !ok {
				flush()
				return nil
			}
			if ev.Event == "stop" {
				flush()
				return nil
			}
		case frame, ok := <-st.Inbound():
			if !ok {
				flush()
				return nil
			}
			if len(buffer) == 0 && st.PlayoutDepth() > 0 {
				o.HandleInterrupt(callID)
			}
			buffer = append(buffer, frame...)
			if len(buffer) >= maxBytes {
				gap.Stop()
				flush()
				continue
			}
			gap.Reset(utteranceGap)
		}
	}
}
