package audio

import "encoding/binary"

// Interleave merges two mono channels into stereo frames (L, R, L, R, ...).
// The shorter channel is padded with silence.
func Interleave(left, right []int16) []int16 {
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	out := make([]int16, n*2)
	for i := 0; i < n; i++ {
		if i < len(left) {
			out[i*2] = left[i]
		}
		if i < len(right) {
			out[i*2+1] = right[i]
		}
	}
	return out
}

// Int16ToBytes converts int16 samples to s16le byte slice.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToInt16 converts s16le byte slice to int16 samples.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
