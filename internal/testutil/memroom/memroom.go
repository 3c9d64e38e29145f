package memroom

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/streaming"
)

var (
	ErrNotAttached = errors.New("connection not attached")
	ErrNotInRoom   = errors.New("not an occupant of room")
)

// Network is an in-memory multi-user chat service. Rooms reflect presence
// and group messages to every occupant synchronously.
type Network struct {
	mu        sync.Mutex
	rooms     map[models.JID]map[*Conn]string
	sessions  map[models.JID]*models.SessionDescriptor
	attachErr error
}

func NewNetwork() *Network {
	return &Network{
		rooms:    make(map[models.JID]map[*Conn]string),
		sessions: make(map[models.JID]*models.SessionDescriptor),
	}
}

// Remember makes desc restorable by its bare jid.
func (n *Network) Remember(desc *models.SessionDescriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions[models.JID(desc.JID).Bare()] = desc
}

// FailAttach makes every subsequent Attach fail with err. nil clears it.
func (n *Network) FailAttach(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attachErr = err
}

// Occupants returns the nicknames currently in room.
func (n *Network) Occupants(room models.JID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var nicks []string
	for _, nick := range n.rooms[room.Bare()] {
		nicks = append(nicks, nick)
	}
	return nicks
}

// Inject delivers el to every occupant of room as if the room had sent it.
func (n *Network) Inject(room models.JID, el models.Element) {
	for _, c := range n.members(room.Bare()) {
		c.Deliver(el)
	}
}

func (n *Network) members(room models.JID) []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Conn, 0, len(n.rooms[room]))
	for c := range n.rooms[room] {
		out = append(out, c)
	}
	return out
}

func (n *Network) join(c *Conn, room models.JID, nick string) {
	n.mu.Lock()
	occupants, ok := n.rooms[room]
	if !ok {
		occupants = make(map[*Conn]string)
		n.rooms[room] = occupants
	}
	existing := make(map[*Conn]string, len(occupants))
	for oc, on := range occupants {
		existing[oc] = on
	}
	occupants[c] = nick
	n.mu.Unlock()

	// the joiner learns about everyone already present, then everyone
	// (the joiner included) sees the joiner's presence
	for oc, on := range existing {
		if oc == c {
			continue
		}
		c.Deliver(streaming.OccupantPresence(room.WithResource(on), oc.JID().String(), streaming.PresenceAvailable))
	}
	presence := streaming.OccupantPresence(room.WithResource(nick), c.JID().String(), streaming.PresenceAvailable)
	for _, m := range n.members(room) {
		m.Deliver(presence)
	}
}

func (n *Network) leave(c *Conn, room models.JID) {
	n.mu.Lock()
	nick, ok := n.rooms[room][c]
	if ok {
		delete(n.rooms[room], c)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	presence := streaming.OccupantPresence(room.WithResource(nick), c.JID().String(), streaming.PresenceUnavailable)
	c.Deliver(presence)
	for _, m := range n.members(room) {
		m.Deliver(presence)
	}
}

func (n *Network) broadcast(c *Conn, room models.JID, el models.Element) error {
	n.mu.Lock()
	nick, ok := n.rooms[room][c]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInRoom, room)
	}
	el = el.Clone()
	el.SetAttr("from", room.WithResource(nick).String())
	for _, m := range n.members(room) {
		m.Deliver(el)
	}
	return nil
}

// Conn implements services.RoomTransport on a Network.
type Conn struct {
	net *Network

	mu        sync.Mutex
	jid       models.JID
	status    models.ConnStatus
	statusFns []func(models.ConnStatus)
	handlers  []entry
	nextID    models.HandlerID
	sent      []models.Element
}

type entry struct {
	id   models.HandlerID
	name string
	typ  string
	fn   models.StanzaHandler
}

var _ services.RoomTransport = (*Conn)(nil)

// NewConn returns a detached connection.
func (n *Network) NewConn() *Conn {
	return &Conn{net: n}
}

func (c *Conn) JID() models.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

func (c *Conn) Status() models.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) OnStatus(fn func(models.ConnStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

func (c *Conn) setStatus(s models.ConnStatus) {
	c.mu.Lock()
	c.status = s
	fns := slices.Clone(c.statusFns)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Conn) Restore(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error) {
	c.net.mu.Lock()
	desc, ok := c.net.sessions[bare.Bare()]
	c.net.mu.Unlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	if err := c.Attach(ctx, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func (c *Conn) Attach(_ context.Context, desc *models.SessionDescriptor) error {
	c.setStatus(models.StatusConnecting)

	c.net.mu.Lock()
	err := c.net.attachErr
	c.net.mu.Unlock()
	if err != nil {
		c.setStatus(models.StatusConnFail)
		return err
	}

	c.mu.Lock()
	c.jid = models.JID(desc.JID)
	c.mu.Unlock()
	c.setStatus(models.StatusAttached)
	return nil
}

func (c *Conn) AddHandler(fn models.StanzaHandler, name, typ string) models.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers = append(c.handlers, entry{id: c.nextID, name: name, typ: typ, fn: fn})
	return c.nextID
}

func (c *Conn) DeleteHandler(id models.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// Handlers returns the number of registered handlers.
func (c *Conn) Handlers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Sent returns every element passed to Send, in order.
func (c *Conn) Sent() []models.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Element(nil), c.sent...)
}

func (c *Conn) Send(_ context.Context, el models.Element) error {
	c.mu.Lock()
	attached := c.status == models.StatusAttached
	c.sent = append(c.sent, el)
	c.mu.Unlock()
	if !attached {
		return ErrNotAttached
	}

	to := models.JID(el.AttrOr("to", ""))
	switch el.Name() {
	case "presence":
		if to == "" {
			return nil
		}
		if el.AttrOr("type", "") == streaming.PresenceUnavailable {
			c.net.leave(c, to.Bare())
			return nil
		}
		c.net.join(c, to.Bare(), to.Resource())
		return nil
	case "message":
		if el.AttrOr("type", "") == streaming.MessageTypeGroupchat {
			return c.net.broadcast(c, to.Bare(), el)
		}
		return nil
	default:
		return fmt.Errorf("unsupported stanza %q", el.Name())
	}
}

// Deliver dispatches el to the matching handlers as if it had arrived from
// the network.
func (c *Conn) Deliver(el models.Element) {
	c.mu.Lock()
	handlers := append([]entry(nil), c.handlers...)
	c.mu.Unlock()

	typ := el.AttrOr("type", "")
	for _, h := range handlers {
		if h.name != "" && h.name != el.Name() {
			continue
		}
		if h.typ != "" && h.typ != typ {
			continue
		}
		if !h.fn(el) {
			c.DeleteHandler(h.id)
		}
	}
}

func (c *Conn) Disconnect(_ context.Context) error {
	c.setStatus(models.StatusDisconnecting)

	c.net.mu.Lock()
	var rooms []models.JID
	for room, occupants := range c.net.rooms {
		if _, ok := occupants[c]; ok {
			rooms = append(rooms, room)
		}
	}
	c.net.mu.Unlock()
	for _, room := range rooms {
		c.net.leave(c, room)
	}

	c.setStatus(models.StatusDisconnected)
	return nil
}
