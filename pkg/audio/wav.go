package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM audio
// used throughout the pipeline.
const bitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct delivery
// to a client or inclusion in a multipart form upload.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts the raw PCM payload and format from a RIFF/WAV container.
// Only 16-bit PCM (format tag 1) is supported since that is what every TTS
// vendor in the pipeline emits. Chunks other than "fmt " and "data" (e.g.
// "LIST" metadata) are skipped.
//
// The returned slice aliases wav; callers that need to keep the PCM past the
// lifetime of the container must copy it.
func DecodeWAV(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("audio: not a RIFF/WAVE container")
	}

	var (
		haveFmt bool
		bps     int
	)

	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return nil, 0, 0, fmt.Errorf("audio: truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("audio: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported WAV format tag %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			bps = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			if bps != bitsPerSample {
				return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d (want %d)", bps, bitsPerSample)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, 0, 0, errors.New("audio: data chunk before fmt chunk")
			}
			return wav[body : body+size], sampleRate, channels, nil
		}

		// Chunks are word-aligned; odd sizes carry a pad byte.
		off = body + size + (size & 1)
	}

	return nil, 0, 0, errors.New("audio: no data chunk found")
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer. Returns 0 for buffers shorter than one sample. The result is
// expressed in the same units as PCM sample values (0–32 767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// DurationMs returns the duration of a PCM audio chunk in milliseconds, based
// on the sample rate and channel count. Returns 0 for invalid inputs.
func DurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
