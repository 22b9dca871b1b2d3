package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// ErrNoAudioMedia is returned when an SDP body carries no usable audio
// media description.
var ErrNoAudioMedia = errors.New("sdp: no audio media description")

// MediaOffer is the audio endpoint a peer advertised in its SDP offer.
type MediaOffer struct {
	// Address and Port are where the peer wants to receive RTP.
	Address string
	Port    int

	// PayloadTypes are the offered codecs, in the peer's preference order.
	PayloadTypes []uint8

	// TelephoneEventPT is the dynamic payload type the peer offered for
	// RFC 2833 telephone-event, or 0 if it was not offered.
	TelephoneEventPT uint8
}

// Offers reports whether the given payload type appears in the offer.
func (o *MediaOffer) Offers(pt uint8) bool {
	for _, p := range o.PayloadTypes {
		if p == pt {
			return true
		}
	}
	return false
}

// ParseOffer extracts the audio endpoint and offered codecs from an SDP
// offer body. Returns ErrNoAudioMedia if the offer has no active audio
// media description.
func ParseOffer(body []byte) (*MediaOffer, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, ErrNoAudioMedia
	}

	offer := &MediaOffer{Port: audio.MediaName.Port.Value}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		offer.PayloadTypes = append(offer.PayloadTypes, uint8(pt))
	}
	if len(offer.PayloadTypes) == 0 {
		return nil, fmt.Errorf("sdp: audio media has no valid payload types")
	}

	// Connection address: media-level wins, session-level is the fallback.
	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		offer.Address = audio.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		offer.Address = sd.ConnectionInformation.Address.Address
	}
	if offer.Address == "" {
		return nil, fmt.Errorf("sdp: no connection address for audio media")
	}

	// Find the dynamic payload type offered for telephone-event, if any.
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(name), "telephone-event/") {
			continue
		}
		if v, err := strconv.Atoi(pt); err == nil && v > 0 && v <= 127 {
			offer.TelephoneEventPT = uint8(v)
			break
		}
	}

	return offer, nil
}

// SelectCodec picks the audio codec for the call: the preferred codec if
// the peer offered it, otherwise the first supported codec in the peer's
// preference order. Returns false when no supported codec was offered.
func SelectCodec(offer *MediaOffer, preferred Codec) (Codec, bool) {
	if offer.Offers(preferred.PayloadType) {
		return preferred, true
	}
	for _, pt := range offer.PayloadTypes {
		if codec, ok := CodecByPayloadType(pt); ok {
			return codec, true
		}
	}
	return Codec{}, false
}

// BuildAnswer builds the SDP answer advertising our RTP endpoint and the
// selected codec. telephoneEventPT should be the payload type negotiated
// for RFC 2833 DTMF, or 0 to omit telephone-event from the answer.
func BuildAnswer(address string, port int, codec Codec, telephoneEventPT uint8) ([]byte, error) {
	formats := []string{strconv.Itoa(int(codec.PayloadType))}
	attributes := []sdp.Attribute{
		{Key: "rtpmap", Value: fmt.Sprintf("%d %s", codec.PayloadType, codec.RTPMap())},
	}

	if telephoneEventPT != 0 {
		formats = append(formats, strconv.Itoa(int(telephoneEventPT)))
		attributes = append(attributes,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", telephoneEventPT)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", telephoneEventPT)},
		)
	}

	attributes = append(attributes,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sessionID := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "doorbridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: address,
		},
		SessionName: "DoorBridge Audio",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attributes,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp answer: %w", err)
	}
	return body, nil
}
