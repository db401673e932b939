package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pcmScale converts between normalised float samples and int16 PCM. The same
// factor is used in both directions.
const pcmScale = 32768

// Blob is the wire form of a block of audio: base64-encoded little-endian
// int16 PCM tagged with a MIME descriptor such as "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// PCMMIMEType returns the MIME descriptor for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// ParsePCMRate extracts the rate parameter from a MIME descriptor produced by
// [PCMMIMEType]. It returns fallback when the descriptor carries no usable rate.
func ParsePCMRate(mimeType string, fallback int) int {
	for _, param := range strings.Split(mimeType, ";")[1:] {
		key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(val); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

// EncodePCM16 converts float samples in [-1, 1] to little-endian int16 PCM.
// Each sample is multiplied by 32768 and truncated toward zero; values outside
// the int16 range (including exactly 1.0) are clamped, NaN becomes silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * pcmScale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// DecodePCM16 converts little-endian int16 PCM to float samples in [-1, 1].
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

// EncodeBlob encodes one capture frame into its wire form.
func EncodeBlob(samples []float32, rate int) Blob {
	return Blob{
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
	}
}

// DecodeBlob decodes a base64 PCM payload into a mono buffer at rate. The
// payload is assumed to already be at rate; no resampling is performed.
func DecodeBlob(data string, rate int) (PlaybackBuffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return PlaybackBuffer{}, fmt.Errorf("audio: decode base64 pcm: %w", err)
	}
	return PlaybackBuffer{Samples: DecodePCM16(pcm), SampleRate: rate}, nil
}
