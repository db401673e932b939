package audio

import "time"

// Standard rates of a live voice session.
const (
	// InputSampleRate is the microphone capture rate sent to the model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of the model's synthesised speech.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per capture frame.
	DefaultFrameSize = 4096
)

// AudioFrame is a fixed-size block of mono float samples captured from the
// microphone. Frames are ephemeral: produced by an [Input], consumed by the
// capture pipeline and then dropped.
type AudioFrame struct {
	// Samples are normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for live capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// PlaybackBuffer is decoded model audio ready to be scheduled on an [Output].
// Once handed to [Output.Schedule] the output owns it until it has played.
type PlaybackBuffer struct {
	// Samples are mono, normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for live playback).
	SampleRate int
}

// Duration returns the playing time of the buffer at its sample rate.
func (b PlaybackBuffer) Duration() time.Duration {
	return samplesDuration(len(b.Samples), b.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
