package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrQueryNotFound is returned by query caches for unknown fingerprints
	ErrQueryNotFound = errors.New("query not found")
	// ErrSessionNotFound is returned when no transport session can be restored
	ErrSessionNotFound = errors.New("session not found")
)

// IndicatorType is the semantic class of a search token
type IndicatorType string

const (
	IndicatorTypeIP    IndicatorType = "ip"
	IndicatorTypeHash  IndicatorType = "hash"
	IndicatorTypeEmail IndicatorType = "email"
	IndicatorTypeHost  IndicatorType = "host"
)

// Query is the record kept for every outstanding search so that replies
// carrying its fingerprint can be attributed back to it.
type Query struct {
	Hash      string        `json:"hash"`
	Query     string        `json:"query"`
	Type      IndicatorType `json:"type,omitempty"`
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
}

// SessionDescriptor is what GET /bosh-session hands out and what is
// persisted between runs to restore a transport session.
type SessionDescriptor struct {
	Service string   `json:"service"`
	Rooms   []string `json:"rooms"`
	JID     string   `json:"jid"`
	SID     string   `json:"sid"`
	RID     string   `json:"rid"`
}

// UnmarshalJSON accepts rid as either a string or a number; issuers differ.
func (d *SessionDescriptor) UnmarshalJSON(data []byte) error {
	type alias SessionDescriptor
	var wire struct {
		alias
		RID json.RawMessage `json:"rid"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*d = SessionDescriptor(wire.alias)
	d.RID = ""
	if len(wire.RID) > 0 && string(wire.RID) != "null" {
		var s string
		if err := json.Unmarshal(wire.RID, &s); err != nil {
			s = strings.TrimSpace(string(wire.RID))
		}
		d.RID = s
	}
	return nil
}

// ConnStatus is the transport connection state
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusAttached
	StatusAuthenticating
	StatusAuthFail
	StatusConnFail
	StatusError
	StatusDisconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusAttached:
		return "Attached"
	case StatusAuthenticating:
		return "Authenticating"
	case StatusAuthFail:
		return "Failed to authenticate"
	case StatusConnFail:
		return "Failed to connect"
	case StatusError:
		return "Error"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status name in JSON
func (s ConnStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnStatus) UnmarshalText(text []byte) error {
	for c := StatusDisconnected; c <= StatusDisconnecting; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}

// StanzaHandler receives inbound elements. Returning false unregisters it.
type StanzaHandler func(Element) bool

// HandlerID identifies a stanza handler registered on a transport
type HandlerID uint64

// Participant is a room occupant. JID is empty when the room does not
// reveal the occupant's real address.
type Participant struct {
	Nick string `json:"nick"`
	JID  string `json:"jid,omitempty"`
}
