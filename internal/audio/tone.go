package audio

import "math"

const (
	ToneFrequency = 440.0
	ToneAmplitude = 16000
)

// GenerateSineWave produces a mono sine wave at the given sample rate,
// frequency and duration as int16 PCM samples.
func GenerateSineWave(sampleRate int, durationSec, frequency float64) []int16 {
	numSamples := int(durationSec * float64(sampleRate))
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(ToneAmplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

// StereoTone returns durationSec of s16le stereo PCM with a tone on the left
// (caller) channel and silence on the right (agent) channel, the layout the
// browser extension streams.
func StereoTone(sampleRate int, durationSec float64) []byte {
	left := GenerateSineWave(sampleRate, durationSec, ToneFrequency)
	return Int16ToBytes(Interleave(left, nil))
}
