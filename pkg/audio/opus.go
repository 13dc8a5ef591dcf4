package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Voice transport uses 48 kHz mono Opus at 20 ms frame size. 48 kHz is the
// only sample rate Opus encodes natively without internal resampling, and
// browser capture APIs deliver it by default.
const (
	OpusSampleRate  = 48000
	OpusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSamples is the number of samples per channel per 20 ms frame.
	opusFrameSamples = OpusSampleRate * opusFrameSizeMs / 1000 // 960

	// maxOpusPacketBytes bounds a single encoded packet. Opus voice packets
	// rarely exceed a few hundred bytes at 20 ms.
	maxOpusPacketBytes = 4000
)

// OpusEncoder wraps a gopus Opus encoder for one output stream. Encoder state
// carries across consecutive frames, so create one per stream and do not share
// across goroutines.
type OpusEncoder struct {
	enc        *gopus.Encoder
	channels   int
	frameBytes int
	// pending holds PCM left over from EncodeAll calls that did not end on a
	// frame boundary.
	pending []byte
}

// NewOpusEncoder creates an Opus encoder for 16-bit little-endian PCM at the
// given sample rate and channel count. Opus supports 8, 12, 16, 24 and 48 kHz.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	frameSamples := sampleRate * opusFrameSizeMs / 1000
	return &OpusEncoder{
		enc:        enc,
		channels:   channels,
		frameBytes: frameSamples * channels * 2,
	}, nil
}

// Encode encodes exactly one 20 ms frame of interleaved PCM (little-endian
// int16 bytes) into an Opus packet. len(pcmBytes) must equal one frame.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != e.frameBytes {
		return nil, fmt.Errorf("audio: opus encode: got %d bytes, want one %d-byte frame", len(pcmBytes), e.frameBytes)
	}
	pcm := bytesToInt16s(pcmBytes)
	packet, err := e.enc.Encode(pcm, len(pcm)/e.channels, maxOpusPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// EncodeAll splits pcmBytes into 20 ms frames and encodes each one, returning
// the packets in order. A trailing partial frame is held until the next call;
// use Flush to force it out zero-padded at end of stream.
func (e *OpusEncoder) EncodeAll(pcmBytes []byte) ([][]byte, error) {
	data := pcmBytes
	if len(e.pending) > 0 {
		data = append(e.pending, pcmBytes...)
		e.pending = nil
	}

	var packets [][]byte
	for len(data) >= e.frameBytes {
		packet, err := e.Encode(data[:e.frameBytes])
		if err != nil {
			return packets, err
		}
		packets = append(packets, packet)
		data = data[e.frameBytes:]
	}
	if len(data) > 0 {
		e.pending = append([]byte(nil), data...)
	}
	return packets, nil
}

// Flush encodes any buffered partial frame, zero-padded to a full 20 ms.
// Returns nil when nothing is buffered.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, e.frameBytes)
	copy(frame, e.pending)
	e.pending = nil
	return e.Encode(frame)
}

// OpusDecoder wraps a gopus Opus decoder for one input stream. Each stream
// gets its own decoder to maintain decoder state correctly across consecutive
// packets.
type OpusDecoder struct {
	dec          *gopus.Decoder
	frameSamples int
}

// NewOpusDecoder creates an Opus decoder producing 16-bit little-endian PCM
// at the given sample rate and channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:          dec,
		frameSamples: sampleRate * opusFrameSizeMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved PCM int16 samples and
// returns the result as little-endian bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
