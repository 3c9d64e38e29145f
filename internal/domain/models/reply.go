package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attribute is one key of an event together with all its values.
type Attribute struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Items is the key → values view of an event. The slice keeps the key order
// stable; it marshals to a JSON object.
type Items []Attribute

// Get returns the values stored under key.
func (it Items) Get(key string) []string {
	for _, a := range it {
		if a.Key == key {
			return a.Values
		}
	}
	return nil
}

// Keys returns the keys in order.
func (it Items) Keys() []string {
	keys := make([]string, len(it))
	for i, a := range it {
		keys[i] = a.Key
	}
	return keys
}

// Clone returns a deep copy.
func (it Items) Clone() Items {
	out := make(Items, len(it))
	for i, a := range it {
		out[i] = Attribute{Key: a.Key, Values: append([]string(nil), a.Values...)}
	}
	return out
}

func (it Items) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range it {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKV(&buf, a.Key, a.Values); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (it *Items) UnmarshalJSON(data []byte) error {
	keys, raw, err := decodeOrderedObject(data)
	if err != nil {
		return err
	}
	out := make(Items, 0, len(keys))
	for _, k := range keys {
		var values []string
		if err := json.Unmarshal(raw[k], &values); err != nil {
			return fmt.Errorf("items %q: %w", k, err)
		}
		out = append(out, Attribute{Key: k, Values: values})
	}
	*it = out
	return nil
}

// ExpertReplies holds one responder's replies in arrival order.
type ExpertReplies struct {
	Nick    string
	Replies []Items
}

// ReplyGroup accumulates every responder's replies to one query.
// Responders are kept in first-seen order.
type ReplyGroup struct {
	QueryHash   string
	QueryString string
	Experts     []ExpertReplies
}

// NewReplyGroup creates a group holding a first reply.
func NewReplyGroup(queryHash, queryString, nick string, items Items) *ReplyGroup {
	return &ReplyGroup{
		QueryHash:   queryHash,
		QueryString: queryString,
		Experts:     []ExpertReplies{{Nick: nick, Replies: []Items{items}}},
	}
}

// Append adds a reply under nick, creating the responder on first sight.
func (g *ReplyGroup) Append(nick string, items Items) {
	for i := range g.Experts {
		if g.Experts[i].Nick == nick {
			g.Experts[i].Replies = append(g.Experts[i].Replies, items)
			return
		}
	}
	g.Experts = append(g.Experts, ExpertReplies{Nick: nick, Replies: []Items{items}})
}

// Replies returns nick's replies.
func (g *ReplyGroup) Replies(nick string) []Items {
	for _, e := range g.Experts {
		if e.Nick == nick {
			return e.Replies
		}
	}
	return nil
}

// Clone returns a deep copy.
func (g *ReplyGroup) Clone() *ReplyGroup {
	out := &ReplyGroup{QueryHash: g.QueryHash, QueryString: g.QueryString}
	for _, e := range g.Experts {
		replies := make([]Items, len(e.Replies))
		for i, r := range e.Replies {
			replies[i] = r.Clone()
		}
		out.Experts = append(out.Experts, ExpertReplies{Nick: e.Nick, Replies: replies})
	}
	return out
}

// MarshalJSON renders {query_hash, query_string, experts: {nick: [items...]}}
// with experts in first-seen order.
func (g *ReplyGroup) MarshalJSON() ([]byte, error) {
	var experts bytes.Buffer
	experts.WriteByte('{')
	for i, e := range g.Experts {
		if i > 0 {
			experts.WriteByte(',')
		}
		replies := e.Replies
		if replies == nil {
			replies = []Items{}
		}
		if err := writeKV(&experts, e.Nick, replies); err != nil {
			return nil, err
		}
	}
	experts.WriteByte('}')

	return json.Marshal(struct {
		QueryHash   string          `json:"query_hash"`
		QueryString string          `json:"query_string"`
		Experts     json.RawMessage `json:"experts"`
	}{g.QueryHash, g.QueryString, experts.Bytes()})
}

func (g *ReplyGroup) UnmarshalJSON(data []byte) error {
	var wire struct {
		QueryHash   string          `json:"query_hash"`
		QueryString string          `json:"query_string"`
		Experts     json.RawMessage `json:"experts"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	g.QueryHash = wire.QueryHash
	g.QueryString = wire.QueryString
	g.Experts = nil
	if len(wire.Experts) == 0 {
		return nil
	}
	nicks, raw, err := decodeOrderedObject(wire.Experts)
	if err != nil {
		return err
	}
	for _, nick := range nicks {
		var replies []Items
		if err := json.Unmarshal(raw[nick], &replies); err != nil {
			return fmt.Errorf("experts %q: %w", nick, err)
		}
		g.Experts = append(g.Experts, ExpertReplies{Nick: nick, Replies: replies})
	}
	return nil
}

// Response is an inbound reply event attributed to a room occupant.
type Response struct {
	Event *Event
	Nick  string
}

// ArchivedReply is the persisted form of one accepted reply.
type ArchivedReply struct {
	ID          uuid.UUID `json:"id" db:"id"`
	QueryHash   string    `json:"query_hash" db:"query_hash"`
	QueryString string    `json:"query_string" db:"query_string"`
	Expert      string    `json:"expert" db:"expert"`
	Items       Items     `json:"items" db:"items"`
	ReceivedAt  time.Time `json:"received_at" db:"received_at"`
}

func writeKV(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// decodeOrderedObject returns the keys of a JSON object in document order.
func decodeOrderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected JSON object")
	}
	var keys []string
	raw := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := raw[key]; !dup {
			keys = append(keys, key)
		}
		raw[key] = v
	}
	return keys, raw, nil
}
