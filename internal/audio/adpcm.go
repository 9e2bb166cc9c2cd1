package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IMA ADPCM at 4 bits per sample. At 48kHz mono this is a fixed 192kbit/s,
// so an encoded segment is bounded by duration x bitrate plus the header.
// The codec is lossy but self-contained: no external decoder state.

const adpcmMagic = "EAD1"

// adpcmHeaderSize: magic(4) + sampleRate(4) + sampleCount(4) + predictor(2) + index(1) + pad(1).
const adpcmHeaderSize = 16

var ErrBadPayload = errors.New("audio: malformed encoded segment")

var imaIndexTable = [16]int{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

var imaStepTable = [89]int{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

// Encoder converts PCM segments to the compact transport payload. It holds
// no per-call state, so output size depends only on input length.
type Encoder struct {
	SampleRate int
}

func NewEncoder(sampleRate int) *Encoder {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &Encoder{SampleRate: sampleRate}
}

// MaxEncodedSize bounds the payload size for a segment of the given
// duration.
func (e *Encoder) MaxEncodedSize(durationMS int64) int {
	samples := int(durationMS) * e.SampleRate / 1000
	return adpcmHeaderSize + (samples+1)/2
}

// Encode compresses the segment and releases its PCM buffer. The audio is
// not retained after encoding completes.
func (e *Encoder) Encode(seg *Segment) ([]byte, error) {
	if len(seg.Samples) == 0 {
		return nil, fmt.Errorf("audio: empty segment for line %d", seg.LineIndex)
	}
	payload := encodeIMA(seg.Samples, e.SampleRate)
	seg.Samples = nil
	return payload, nil
}

func encodeIMA(pcm []int16, sampleRate int) []byte {
	out := make([]byte, adpcmHeaderSize, adpcmHeaderSize+(len(pcm)+1)/2)
	copy(out[0:4], adpcmMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(pcm)))

	predictor := int(pcm[0])
	index := 0
	binary.LittleEndian.PutUint16(out[12:14], uint16(int16(predictor)))
	out[14] = byte(index)

	var nibbles byte
	half := false
	for _, s := range pcm {
		n := encodeSample(int(s), &predictor, &index)
		if !half {
			nibbles = n
			half = true
		} else {
			out = append(out, nibbles|n<<4)
			half = false
		}
	}
	if half {
		out = append(out, nibbles)
	}
	return out
}

func encodeSample(sample int, predictor, index *int) byte {
	step := imaStepTable[*index]
	diff := sample - *predictor

	var nibble byte
	if diff < 0 {
		nibble = 8
		diff = -diff
	}

	// Successive approximation against step/2, step/4, step/8.
	delta := step >> 3
	if diff >= step {
		nibble |= 4
		diff -= step
		delta += step
	}
	if diff >= step>>1 {
		nibble |= 2
		diff -= step >> 1
		delta += step >> 1
	}
	if diff >= step>>2 {
		nibble |= 1
		delta += step >> 2
	}

	if nibble&8 != 0 {
		*predictor -= delta
	} else {
		*predictor += delta
	}
	*predictor = clamp16(*predictor)

	*index += imaIndexTable[nibble]
	if *index < 0 {
		*index = 0
	} else if *index > len(imaStepTable)-1 {
		*index = len(imaStepTable) - 1
	}
	return nibble
}

// Decode reverses Encode. The executor uses it to rebuild PCM for the
// transcription oracle.
func Decode(payload []byte) ([]int16, int, error) {
	if len(payload) < adpcmHeaderSize || string(payload[0:4]) != adpcmMagic {
		return nil, 0, ErrBadPayload
	}
	sampleRate := int(binary.LittleEndian.Uint32(payload[4:8]))
	count := int(binary.LittleEndian.Uint32(payload[8:12]))
	predictor := int(int16(binary.LittleEndian.Uint16(payload[12:14])))
	index := int(payload[14])
	if index > len(imaStepTable)-1 {
		return nil, 0, ErrBadPayload
	}
	if need := adpcmHeaderSize + (count+1)/2; len(payload) < need {
		return nil, 0, ErrBadPayload
	}

	out := make([]int16, 0, count)
	data := payload[adpcmHeaderSize:]
	for i := 0; i < count; i++ {
		var nibble byte
		if i%2 == 0 {
			nibble = data[i/2] & 0x0f
		} else {
			nibble = data[i/2] >> 4
		}
		out = append(out, int16(decodeSample(nibble, &predictor, &index)))
	}
	return out, sampleRate, nil
}

func decodeSample(nibble byte, predictor, index *int) int {
	step := imaStepTable[*index]

	delta := step >> 3
	if nibble&4 != 0 {
		delta += step
	}
	if nibble&2 != 0 {
		delta += step >> 1
	}
	if nibble&1 != 0 {
		delta += step >> 2
	}

	if nibble&8 != 0 {
		*predictor -= delta
	} else {
		*predictor += delta
	}
	*predictor = clamp16(*predictor)

	*index += imaIndexTable[nibble]
	if *index < 0 {
		*index = 0
	} else if *index > len(imaStepTable)-1 {
		*index = len(imaStepTable) - 1
	}
	return *predictor
}

func clamp16(v int) int {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
