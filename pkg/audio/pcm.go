package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddLength is returned by [DecodePCM16] when the input cannot be split
// into whole 16-bit samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// EncodeFloat32 converts float samples in [-1, 1] to 16-bit signed
// little-endian PCM. Out-of-range samples are clamped. Negative values are
// scaled by 32768 and non-negative values by 32767 so that both ends of the
// range map exactly onto the int16 limits.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	// NaN compares false against everything; map it to silence.
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples by
// dividing each sample by 32768. The result lies in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// PeakAmplitude returns the largest absolute sample value in pcm, normalised
// to [0, 1]. A trailing odd byte is ignored.
func PeakAmplitude(pcm []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// RMSLevel returns the root-mean-square level of samples.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// IsSilent reports whether a PCM16 frame should be withheld from the channel.
// A frame is silent when its first probeBytes bytes are all zero (capture
// devices emit zero-filled buffers while warming up and the remote service
// rejects them) or when its peak amplitude is below epsilon.
//
// A probeBytes of zero disables the leading-zero check; an epsilon of zero
// disables the amplitude check.
func IsSilent(pcm []byte, probeBytes int, epsilon float64) bool {
	if len(pcm) == 0 {
		return true
	}
	if probeBytes > 0 {
		n := min(probeBytes, len(pcm))
		zero := true
		for _, b := range pcm[:n] {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			return true
		}
	}
	return epsilon > 0 && PeakAmplitude(pcm) < epsilon
}
