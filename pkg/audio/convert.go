package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Resampler converts float frames to a target sample rate. It logs a warning
// on the first rate mismatch. Create one per stream; not designed for shared
// use across goroutines.
type Resampler struct {
	Target         int
	warnedMismatch sync.Once
}

// Convert resamples frame to the target rate. If the source rate already
// matches, the frame is returned unchanged (zero allocation).
func (r *Resampler) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == r.Target || frame.SampleRate <= 0 {
		return frame
	}

	r.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: resampling",
			"from", rateString(frame.SampleRate),
			"to", rateString(r.Target),
		)
	})

	return AudioFrame{
		Samples:    ResampleFloat32(frame.Samples, frame.SampleRate, r.Target),
		SampleRate: r.Target,
		Timestamp:  frame.Timestamp,
	}
}

// ResampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// rateString returns a human-readable sample rate, e.g. "16000Hz mono".
func rateString(rate int) string {
	return fmt.Sprintf("%dHz mono", rate)
}
