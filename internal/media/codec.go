package media

import (
	"strings"
	"time"

	"github.com/zaf/g711"
)

const (
	// RTP payload types for supported codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// samplesPerFrame is the number of audio samples per RTP packet.
	// At 8 kHz sample rate with 20ms ptime, each packet carries 160 samples.
	// For G.711, each sample is 1 byte, so each packet payload is 160 bytes.
	samplesPerFrame = 160

	// frameDuration is the duration of one RTP packet (20ms at 8kHz).
	frameDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp increment per packet.
	// At 8 kHz clock rate with 20ms ptime: 8000 * 0.020 = 160.
	timestampIncrement = 160
)

// Codec describes a G.711 audio codec as negotiated over SDP.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32

	// silence is the companded byte value for a silent sample.
	silence byte
}

var (
	// CodecPCMU is G.711 u-law, static payload type 0.
	CodecPCMU = Codec{Name: "PCMU", PayloadType: PayloadPCMU, SampleRate: 8000, silence: 0xFF}
	// CodecPCMA is G.711 a-law, static payload type 8.
	CodecPCMA = Codec{Name: "PCMA", PayloadType: PayloadPCMA, SampleRate: 8000, silence: 0xD5}
)

// CodecByName resolves a codec by its SDP name, case-insensitively.
// "pcmu"/"ulaw" and "pcma"/"alaw" are both accepted.
func CodecByName(name string) (Codec, bool) {
	switch strings.ToLower(name) {
	case "pcmu", "ulaw":
		return CodecPCMU, true
	case "pcma", "alaw":
		return CodecPCMA, true
	default:
		return Codec{}, false
	}
}

// CodecByPayloadType resolves a codec by its static RTP payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, true
	case PayloadPCMA:
		return CodecPCMA, true
	default:
		return Codec{}, false
	}
}

// RTPMap returns the SDP rtpmap value for the codec, e.g. "PCMA/8000".
func (c Codec) RTPMap() string {
	return c.Name + "/8000"
}

// Encode compands 16-bit signed little-endian PCM into the codec's
// G.711 form. The output is half the length of the input.
func (c Codec) Encode(pcm []byte) []byte {
	if c.PayloadType == PayloadPCMA {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode expands G.711 samples into 16-bit signed little-endian PCM.
// The output is twice the length of the input.
func (c Codec) Decode(payload []byte) []byte {
	if c.PayloadType == PayloadPCMA {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// SilenceFrame returns one 20ms frame of companded silence.
func (c Codec) SilenceFrame() []byte {
	frame := make([]byte, samplesPerFrame)
	for i := range frame {
		frame[i] = c.silence
	}
	return frame
}

// Transcode converts companded samples from one G.711 variant to the other.
// When source and destination match, the payload is returned unchanged.
func Transcode(from, to Codec, payload []byte) []byte {
	if from.PayloadType == to.PayloadType {
		return payload
	}
	if from.PayloadType == PayloadPCMA {
		return g711.Alaw2Ulaw(payload)
	}
	return g711.Ulaw2Alaw(payload)
}
