package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ErrUnknownEvent is returned by Normalize for event types the core ignores.
var ErrUnknownEvent = errors.New("mesh: unknown event type")

// Normalize converts a raw device event into its typed form.
//
// Missing or malformed fields fall back to defaults: empty strings, zero
// timestamps, channel 0 and the normal text subtype. Signal quality and hop
// count stay nil when absent or not numeric.
func Normalize(raw RawEvent) (Event, error) {
	payload := raw.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	switch raw.Type {
	case RawNewContact:
		return NewPeerEvent{Peer: peerRecord(payload)}, nil

	case RawContacts:
		return PeerDirectorySyncEvent{}, nil

	case RawContactMessage:
		return DirectMessageEvent{
			SenderRef:         stringField(payload, "pubkey_prefix", "sender"),
			RelaySignatureRef: stringField(payload, "signature"),
			Text:              stringField(payload, "text"),
			PayloadTime:       int64Field(payload, "timestamp", "sender_timestamp"),
			SignalQuality:     optionalFloat(payload, "SNR", "snr"),
			HopCount:          optionalInt(payload, "path_len"),
			TextSubtype:       int(int64Field(payload, "txt_type")),
		}, nil

	case RawChannelMessage:
		return BroadcastMessageEvent{
			SenderRef:     stringField(payload, "pubkey_prefix", "sender"),
			Text:          stringField(payload, "text"),
			PayloadTime:   int64Field(payload, "sender_timestamp", "timestamp"),
			ChannelIndex:  int(int64Field(payload, "channel_idx", "channel")),
			SignalQuality: optionalFloat(payload, "SNR", "snr"),
			HopCount:      optionalInt(payload, "path_len"),
			TextSubtype:   int(int64Field(payload, "txt_type")),
		}, nil

	case RawAdvertisement:
		return AdvertisementEvent{
			IdentityRef: stringField(payload, "pubkey", "public_key", "pubkey_prefix"),
			Name:        stringField(payload, "name"),
			AdvName:     stringField(payload, "adv_name"),
			TypeCode:    int(int64Field(payload, "type")),
			Attributes:  encodeAttributes(payload),
		}, nil

	case RawPathUpdate:
		return PathUpdateEvent{
			IdentityRef: stringField(payload, "pubkey", "public_key", "pubkey_prefix"),
			PathLength:  int(int64Field(payload, "path_len", "out_path_len")),
		}, nil

	case RawChannelInfo:
		return ChannelInfoEvent{
			ChannelIndex: int(int64Field(payload, "channel_idx", "channel")),
			Name:         stringField(payload, "channel_name", "name"),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, raw.Type)
	}
}

// PeerRecordFromPayload extracts contact fields from a device contact entry.
func PeerRecordFromPayload(payload map[string]any) PeerRecord {
	return peerRecord(payload)
}

func peerRecord(payload map[string]any) PeerRecord {
	return PeerRecord{
		IdentityKey:   stringField(payload, "public_key", "pubkey"),
		Name:          stringField(payload, "name"),
		BroadcastName: stringField(payload, "adv_name"),
		TypeCode:      int(int64Field(payload, "type")),
		Attributes:    encodeAttributes(payload),
	}
}

// lookup returns the first present, non-nil, non-blank value among keys.
func lookup(payload map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		value, ok := payload[key]
		if !ok || value == nil {
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return value, true
	}
	return nil, false
}

func stringField(payload map[string]any, keys ...string) string {
	value, ok := lookup(payload, keys...)
	if !ok {
		return ""
	}
	return cast.ToString(value)
}

func int64Field(payload map[string]any, keys ...string) int64 {
	value, ok := lookup(payload, keys...)
	if !ok {
		return 0
	}
	n, err := cast.ToInt64E(value)
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(payload map[string]any, keys ...string) *float64 {
	value, ok := lookup(payload, keys...)
	if !ok {
		return nil
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return nil
	}
	return &f
}

func optionalInt(payload map[string]any, keys ...string) *int {
	value, ok := lookup(payload, keys...)
	if !ok {
		return nil
	}
	n, err := cast.ToIntE(value)
	if err != nil {
		return nil
	}
	return &n
}

func encodeAttributes(payload map[string]any) []byte {
	if len(payload) == 0 {
		return nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return encoded
}
