// ABOUTME: JSON frame codec for the STOMP-style broker wire protocol
// ABOUTME: Defines frame commands, header names and decoding with validation

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is reported in CONNECTED frames.
const ProtocolVersion = "1.2"

// Frame commands. Clients send CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and
// DISCONNECT; the server sends CONNECTED, MESSAGE, RECEIPT and ERROR.
const (
	CommandConnect     = "CONNECT"
	CommandStomp       = "STOMP"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
	CommandDisconnect  = "DISCONNECT"

	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandReceipt   = "RECEIPT"
	CommandError     = "ERROR"
)

// Header names used by the broker.
const (
	HeaderDestination  = "destination"
	HeaderContentType  = "content-type"
	HeaderMessageID    = "message-id"
	HeaderSubscription = "subscription"
	HeaderID           = "id"
	HeaderReceipt      = "receipt"
	HeaderReceiptID    = "receipt-id"
	HeaderMessage      = "message"
	HeaderUserName     = "user-name"
	HeaderSession      = "session"
	HeaderHeartBeat    = "heart-beat"
)

// ContentTypeJSON is the content type of every MESSAGE body.
const ContentTypeJSON = "application/json"

// ErrMalformedFrame is returned when an inbound frame cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single protocol frame. Body is always a string; MESSAGE bodies
// carry JSON-encoded payloads.
type Frame struct {
	Command string            `json:"command"`
	Version string            `json:"version,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Header returns a header value or "" if absent.
func (f Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// DecodeFrame parses a client frame. The command is upper-cased so clients
// may send "subscribe".
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Command = strings.ToUpper(strings.TrimSpace(f.Command))
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	return f, nil
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// encodeBody turns a publish payload into a MESSAGE body. Strings and byte
// slices are passed through; everything else is JSON-encoded.
func encodeBody(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "null", nil
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("encoding payload: %w", err)
		}
		return string(data), nil
	}
}

func errorFrame(message, detail, receipt string) Frame {
	headers := map[string]string{HeaderMessage: message}
	if receipt != "" {
		headers[HeaderReceiptID] = receipt
	}
	return Frame{Command: CommandError, Headers: headers, Body: detail}
}

func receiptFrame(receipt string) Frame {
	return Frame{Command: CommandReceipt, Headers: map[string]string{HeaderReceiptID: receipt}}
}
