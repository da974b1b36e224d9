// Package events defines the event envelope and typed payloads shared by the
// worker plane, the event log, and stream subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types published by the worker plane
const (
	RuntimeStatus = "runtime.status"
	RuntimeError  = "runtime.error"
	RuntimeLog    = "runtime.log"
)

// Event types originating from the WhatsApp bridge
const (
	WhatsAppQR           = "whatsapp.qr"
	WhatsAppConnected    = "whatsapp.connected"
	WhatsAppDisconnected = "whatsapp.disconnected"
)

// Event types originating from the Google integration
const (
	GoogleConnected    = "google.connected"
	GoogleDisconnected = "google.disconnected"
	GoogleError        = "google.error"
)

// Event types published by the control plane
const (
	ConfigApplied = "config.applied"
)

// Envelope is the wire and storage form of a single event. EventID is
// assigned by the event manager's single writer; envelopes published by
// the worker carry EventID zero until then.
type Envelope struct {
	EventID   int64           `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Payload is implemented by the typed payloads below. Use DecodePayload to
// turn an envelope into one.
type Payload interface {
	payloadType() string
}

// StatusPayload reports a runtime state transition. Baseline is set only on
// the pending_pairing status that follows a pair_start, and carries the
// event id below which QR events are stale.
type StatusPayload struct {
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
	Baseline int64  `json:"baseline,omitempty"`
}

func (StatusPayload) payloadType() string { return RuntimeStatus }

// ErrorPayload reports a runtime or integration failure.
type ErrorPayload struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (ErrorPayload) payloadType() string { return RuntimeError }

// LogPayload carries a single runtime log line.
type LogPayload struct {
	Stream string `json:"stream,omitempty"`
	Line   string `json:"line"`
}

func (LogPayload) payloadType() string { return RuntimeLog }

// QRPayload carries the pairing QR token. Bridges spell the field
// inconsistently, so decoding accepts qr, qr_code, qrcode and code;
// encoding always writes qr.
type QRPayload struct {
	QR string `json:"qr"`
}

func (QRPayload) payloadType() string { return WhatsAppQR }

func (p *QRPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		QR     string `json:"qr"`
		QRCode string `json:"qr_code"`
		QRCde  string `json:"qrcode"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, v := range []string{raw.QR, raw.QRCode, raw.QRCde, raw.Code} {
		if v != "" {
			p.QR = v
			break
		}
	}
	return nil
}

// ConfigAppliedPayload reports that a config revision became effective.
type ConfigAppliedPayload struct {
	Revision int64 `json:"revision"`
}

func (ConfigAppliedPayload) payloadType() string { return ConfigApplied }

// ConnectionPayload is the (possibly empty) payload of the connected and
// disconnected integration events.
type ConnectionPayload struct {
	Account string `json:"account,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (ConnectionPayload) payloadType() string { return WhatsAppConnected }

// UnknownPayload carries the raw object of an event type the control plane
// does not model. It is stored and forwarded untouched.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (UnknownPayload) payloadType() string { return "" }

// DecodePayload turns an envelope into its typed payload. Unmodeled types
// (and a nil payload on modeled ones) fall through to UnknownPayload.
func DecodePayload(e *Envelope) (Payload, error) {
	raw := e.Payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch e.Type {
	case RuntimeStatus:
		var p StatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case RuntimeError, GoogleError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case RuntimeLog:
		var p LogPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case WhatsAppQR:
		var p QRPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case WhatsAppConnected, WhatsAppDisconnected, GoogleConnected, GoogleDisconnected:
		var p ConnectionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	default:
		return UnknownPayload{Raw: e.Payload}, nil
	}
}

// MustMarshal encodes a typed payload, panicking on failure. Payload structs
// here always marshal; the panic guards against future type mistakes.
func MustMarshal(p Payload) json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("events: marshal %T: %v", p, err))
	}
	return data
}
