package relay

import (
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/wisprnet/relay/internal/constants"
)

// ClientMessage is the closed union of frames a client can send. Every
// inbound frame is decoded into exactly one variant before any handler
// logic runs; handlers never inspect raw array shapes themselves.
type ClientMessage interface {
	// Verb returns the wire verb, used as a metrics label.
	Verb() string
}

// EventMessage is ["EVENT", event] carrying an ordinary event that must
// pass validation before it is stored or broadcast.
type EventMessage struct {
	Event nostr.Event
	Raw   []byte
}

// SignerEventMessage is ["EVENT", event] whose kind is the NIP-46 signer
// tunnel. It is a deliberate protocol extension: the relay stores and
// forwards it without validating, so remote-signer round trips work even
// for frames the relay cannot verify.
type SignerEventMessage struct {
	Event nostr.Event
	Raw   []byte
}

// ReqMessage is ["REQ", subID, filter...]. Zero filters is legal.
type ReqMessage struct {
	SubID   string
	Filters []nostr.Filter
}

// CloseMessage is ["CLOSE", subID].
type CloseMessage struct {
	SubID string
}

// TunnelMessage is any array whose verb the relay does not interpret.
// It is treated as relay-opaque signer traffic and forwarded verbatim.
type TunnelMessage struct {
	WireVerb string
	Raw      []byte
}

func (EventMessage) Verb() string       { return "EVENT" }
func (SignerEventMessage) Verb() string { return "EVENT" }
func (ReqMessage) Verb() string         { return "REQ" }
func (CloseMessage) Verb() string       { return "CLOSE" }
func (TunnelMessage) Verb() string      { return "TUNNEL" }

// DecodeClientMessage turns a raw inbound frame into a ClientMessage.
// A non-nil error means the frame was malformed and the caller should
// answer with a NOTICE; the connection itself stays healthy.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("invalid: %w", ErrInvalidJSON)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("invalid: %w", ErrEmptyFrame)
	}

	var verb string
	if err := json.Unmarshal(arr[0], &verb); err != nil {
		return nil, fmt.Errorf("invalid: %w", ErrVerbNotString)
	}

	switch verb {
	case "EVENT":
		if len(arr) < 2 {
			return nil, fmt.Errorf("invalid: %w", ErrMissingEvent)
		}
		var evt nostr.Event
		if err := json.Unmarshal(arr[1], &evt); err != nil {
			return nil, fmt.Errorf("invalid: event object: %w", err)
		}
		if evt.Kind == constants.KindSignerTunnel {
			return SignerEventMessage{Event: evt, Raw: raw}, nil
		}
		return EventMessage{Event: evt, Raw: raw}, nil

	case "REQ":
		if len(arr) < 2 {
			return nil, fmt.Errorf("invalid: %w", ErrMissingSubID)
		}
		subID, err := decodeSubID(arr[1])
		if err != nil {
			return nil, err
		}
		filters := make([]nostr.Filter, 0, len(arr)-2)
		for _, rawFilter := range arr[2:] {
			f, err := parseFilterFromRaw(rawFilter)
			if err != nil {
				return nil, fmt.Errorf("invalid: filter: %w", err)
			}
			filters = append(filters, f)
		}
		return ReqMessage{SubID: subID, Filters: filters}, nil

	case "CLOSE":
		if len(arr) < 2 {
			return nil, fmt.Errorf("invalid: %w", ErrMissingSubID)
		}
		subID, err := decodeSubID(arr[1])
		if err != nil {
			return nil, err
		}
		return CloseMessage{SubID: subID}, nil

	default:
		return TunnelMessage{WireVerb: verb, Raw: raw}, nil
	}
}

func decodeSubID(raw json.RawMessage) (string, error) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return "", fmt.Errorf("invalid: %w", ErrSubIDNotString)
	}
	if subID == "" {
		return "", fmt.Errorf("invalid: %w", ErrMissingSubID)
	}
	if len(subID) > constants.MaxSubscriptionIDLen {
		return "", fmt.Errorf("invalid: %w", ErrSubIDTooLong)
	}
	return subID, nil
}
