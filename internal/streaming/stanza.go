package streaming

import (
	"fmt"
	"strconv"

	"investigation-lab/internal/domain/models"
)

// XML namespaces used by room stanzas
const (
	NSClient      = "jabber:client"
	NSMUC         = "http://jabber.org/protocol/muc"
	NSMUCUser     = "http://jabber.org/protocol/muc#user"
	NSDelay       = "urn:xmpp:delay"
	NSLegacyDelay = "jabber:x:delay"
)

// Presence types
const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
)

// MessageTypeGroupchat is the type of messages broadcast to a room
const MessageTypeGroupchat = "groupchat"

// Stanza is the result of parsing an inbound element. It is one of
// ParsedPresence, ParsedGroupMessage or Unrecognized.
type Stanza interface {
	stanza()
}

// ParsedPresence is a presence update from a room occupant.
type ParsedPresence struct {
	From models.JID
	To   models.JID
	Type string
	// ItemJID is the occupant's real address when the room discloses it.
	ItemJID string
}

// Available reports whether the occupant is present.
func (p ParsedPresence) Available() bool {
	return p.Type != PresenceUnavailable
}

// ParsedGroupMessage is a message broadcast in a room.
type ParsedGroupMessage struct {
	From    models.JID
	To      models.JID
	Type    string
	Body    string
	Events  []*models.Event
	Delayed bool
}

// Unrecognized is anything else, including undecodable input.
type Unrecognized struct {
	Name   string
	Reason string
}

func (ParsedPresence) stanza()     {}
func (ParsedGroupMessage) stanza() {}
func (Unrecognized) stanza()       {}

// DecodeStanza decodes raw bytes and parses the resulting element.
func DecodeStanza(data []byte) Stanza {
	el, err := models.UnmarshalElement(data)
	if err != nil {
		return Unrecognized{Reason: fmt.Sprintf("decode: %v", err)}
	}
	return ParseStanza(el)
}

// ParseStanza classifies an element.
func ParseStanza(el models.Element) Stanza {
	switch el.Name() {
	case "presence":
		return parsePresence(el)
	case "message":
		typ := el.AttrOr("type", "normal")
		if typ != MessageTypeGroupchat {
			return Unrecognized{Name: "message", Reason: "message type " + typ}
		}
		return parseGroupMessage(el)
	default:
		return Unrecognized{Name: el.Name(), Reason: "unsupported stanza"}
	}
}

func parsePresence(el models.Element) Stanza {
	from, ok := el.Attr("from")
	if !ok || from == "" {
		return Unrecognized{Name: "presence", Reason: "missing from"}
	}
	p := ParsedPresence{
		From: models.JID(from),
		To:   models.JID(el.AttrOr("to", "")),
		Type: el.AttrOr("type", PresenceAvailable),
	}
	if item, ok := findDescendant(el, "item"); ok {
		p.ItemJID = item.AttrOr("jid", "")
	}
	return p
}

func parseGroupMessage(el models.Element) Stanza {
	from, ok := el.Attr("from")
	if !ok || from == "" {
		return Unrecognized{Name: "message", Reason: "missing from"}
	}
	m := ParsedGroupMessage{
		From:   models.JID(from),
		To:     models.JID(el.AttrOr("to", "")),
		Type:   MessageTypeGroupchat,
		Events: models.EventsFromElements(el.ChildrenNamed("event")),
	}
	if body, ok := el.Child("body"); ok {
		m.Body = body.Text
	}
	if _, ok := el.Child("delay"); ok {
		m.Delayed = true
	}
	if _, ok := el.Child("x", NSLegacyDelay); ok {
		m.Delayed = true
	}
	return m
}

func findDescendant(el models.Element, local string) (models.Element, bool) {
	for _, c := range el.Children {
		if c.Name() == local {
			return c, true
		}
		if found, ok := findDescendant(c, local); ok {
			return found, true
		}
	}
	return models.Element{}, false
}

// SelfPresence announces availability with the given priority. A negative
// priority keeps messages addressed to the bare identity away from us.
func SelfPresence(priority int) models.Element {
	p := models.NewElement(NSClient, "presence")
	prio := models.NewElement(NSClient, "priority")
	prio.Text = strconv.Itoa(priority)
	p.Append(prio)
	return p
}

// RoomPresence joins room under nick.
func RoomPresence(room models.JID, nick string) models.Element {
	p := models.NewElement(NSClient, "presence")
	p.SetAttr("to", room.WithResource(nick).String())
	p.Append(models.NewElement(NSMUC, "x"))
	return p
}

// UnavailablePresence leaves the room occupied as to.
func UnavailablePresence(to models.JID) models.Element {
	p := models.NewElement(NSClient, "presence")
	p.SetAttr("to", to.String())
	p.SetAttr("type", PresenceUnavailable)
	return p
}

// OccupantPresence is the presence a room reflects to its occupants.
func OccupantPresence(from models.JID, realJID, typ string) models.Element {
	p := models.NewElement(NSClient, "presence")
	p.SetAttr("from", from.String())
	if typ != PresenceAvailable {
		p.SetAttr("type", typ)
	}
	x := models.NewElement(NSMUCUser, "x")
	item := models.NewElement(NSMUCUser, "item")
	if realJID != "" {
		item.SetAttr("jid", realJID)
	}
	x.Append(item)
	p.Append(x)
	return p
}

// GroupMessage broadcasts body and optional event payloads to room.
func GroupMessage(room models.JID, body string, events ...*models.Event) models.Element {
	m := models.NewElement(NSClient, "message")
	m.SetAttr("to", room.Bare().String())
	m.SetAttr("type", MessageTypeGroupchat)
	if body != "" {
		b := models.NewElement(NSClient, "body")
		b.Text = body
		m.Append(b)
	}
	for _, ev := range events {
		m.Append(ev.Element())
	}
	return m
}
