package audio

import "encoding/binary"

// WAVHeaderSize is the size of the canonical PCM RIFF/WAVE header.
const WAVHeaderSize = 44

// WAVHeader returns a 44-byte PCM WAV header declaring dataLen bytes of
// sample data. Data lengths beyond the 32-bit RIFF limit are clamped.
func WAVHeader(sampleRate, channels, bitsPerSample int, dataLen int64) []byte {
	if dataLen > int64(^uint32(0))-36 {
		dataLen = int64(^uint32(0)) - 36
	}
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(bitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// WAVDataLen reads the declared data length from a header built by WAVHeader.
// It returns false if h is not a PCM WAV header.
func WAVDataLen(h []byte) (uint32, bool) {
	if len(h) < WAVHeaderSize || string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[36:40]) != "data" {
		return 0, false
	}
	return binary.LittleEndian.Uint32(h[40:44]), true
}
