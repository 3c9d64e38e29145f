package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"investigation-lab/internal/domain/models"
	"investigation-lab/pkg/logger"
)

var (
	// ErrNotConnected is returned when sending on a detached transport
	ErrNotConnected = errors.New("room transport not connected")
	// ErrNoRoom is returned when broadcasting to a room that was not joined
	ErrNoRoom = errors.New("room not joined")
)

// DescriptorStore is where NATSConn looks for sessions to restore.
type DescriptorStore interface {
	Load(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error)
}

// NATSConnConfig configures a NATSConn
type NATSConnConfig struct {
	SubjectPrefix string
	ReconnectWait time.Duration
}

// NATSConn carries room stanzas over NATS core subjects. Each room maps to
// one subject; the connection reflects presence and messages the way a
// multi-user chat service does, so every occupant sees broadcasts stamped
// with the sender's room address.
type NATSConn struct {
	cfg    NATSConnConfig
	store  DescriptorStore
	logger *logger.Logger

	mu        sync.RWMutex
	nc        *nats.Conn
	jid       models.JID
	status    models.ConnStatus
	statusFns []func(models.ConnStatus)
	handlers  []handlerEntry
	nextID    models.HandlerID
	rooms     map[models.JID]*joinedRoom
	direct    *nats.Subscription
	priority  int
}

type handlerEntry struct {
	id   models.HandlerID
	name string
	typ  string
	fn   models.StanzaHandler
}

type joinedRoom struct {
	nick   string
	sub    *nats.Subscription
	roster map[string]bool
}

// NewNATSConn creates a detached transport.
func NewNATSConn(cfg NATSConnConfig, store DescriptorStore, log *logger.Logger) *NATSConn {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "rooms"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSConn{
		cfg:    cfg,
		store:  store,
		logger: log.WithComponent("nats-room"),
		rooms:  make(map[models.JID]*joinedRoom),
	}
}

// JID returns the full address the transport is attached as
func (c *NATSConn) JID() models.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// Status returns the current connection status
func (c *NATSConn) Status() models.ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// OnStatus registers a status callback
func (c *NATSConn) OnStatus(fn func(models.ConnStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFns = append(c.statusFns, fn)
}

func (c *NATSConn) setStatus(s models.ConnStatus) {
	c.mu.Lock()
	c.status = s
	fns := slices.Clone(c.statusFns)
	c.mu.Unlock()

	c.logger.Debug().Str("status", s.String()).Msg("connection status changed")
	for _, fn := range fns {
		fn(s)
	}
}

// Restore re-attaches the session last persisted for bare.
func (c *NATSConn) Restore(ctx context.Context, bare models.JID) (*models.SessionDescriptor, error) {
	if c.store == nil {
		return nil, models.ErrSessionNotFound
	}
	desc, err := c.store.Load(ctx, bare.Bare())
	if err != nil {
		return nil, err
	}
	if err := c.Attach(ctx, desc); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	return desc, nil
}

// Attach connects to the NATS server named by desc.Service.
func (c *NATSConn) Attach(ctx context.Context, desc *models.SessionDescriptor) error {
	if desc == nil || desc.JID == "" {
		return fmt.Errorf("session descriptor has no jid")
	}
	url := desc.Service
	if url == "" {
		url = nats.DefaultURL
	}

	c.setStatus(models.StatusConnecting)
	c.logger.Info().Str("url", url).Str("jid", desc.JID).Msg("attaching to room service")

	nc, err := nats.Connect(url,
		nats.Name(desc.JID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("NATS disconnected")
			c.setStatus(models.StatusConnFail)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info().Msg("NATS reconnected")
			c.setStatus(models.StatusAttached)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		c.setStatus(models.StatusConnFail)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jid := models.JID(desc.JID)
	direct, err := nc.Subscribe(c.directSubject(jid), c.onNATSMessage)
	if err != nil {
		nc.Close()
		c.setStatus(models.StatusError)
		return fmt.Errorf("failed to subscribe to direct subject: %w", err)
	}

	c.mu.Lock()
	if c.nc != nil {
		c.nc.Close()
	}
	c.nc = nc
	c.jid = jid
	c.direct = direct
	c.mu.Unlock()

	c.setStatus(models.StatusAttached)
	return nil
}

// AddHandler registers fn for stanzas matching name and typ
func (c *NATSConn) AddHandler(fn models.StanzaHandler, name, typ string) models.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers = append(c.handlers, handlerEntry{id: c.nextID, name: name, typ: typ, fn: fn})
	return c.nextID
}

// DeleteHandler unregisters a handler
func (c *NATSConn) DeleteHandler(id models.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// Send routes an outbound stanza
func (c *NATSConn) Send(ctx context.Context, el models.Element) error {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}

	switch el.Name() {
	case "presence":
		return c.sendPresence(el)
	case "message":
		return c.sendMessage(el)
	default:
		return fmt.Errorf("unsupported stanza %q", el.Name())
	}
}

func (c *NATSConn) sendPresence(el models.Element) error {
	to := models.JID(el.AttrOr("to", ""))
	if to == "" {
		// presence to the service itself only carries our priority
		if prio, ok := el.Child("priority"); ok {
			p, err := strconv.Atoi(strings.TrimSpace(prio.Text))
			if err != nil {
				c.logger.Debug().Str("priority", prio.Text).Msg("ignoring malformed presence priority")
				return nil
			}
			c.mu.Lock()
			c.priority = p
			c.mu.Unlock()
		}
		return nil
	}

	room, nick := to.Bare(), to.Resource()
	if nick == "" {
		return fmt.Errorf("room presence needs a nickname: %s", to)
	}

	if el.AttrOr("type", PresenceAvailable) == PresenceUnavailable {
		return c.leave(room)
	}
	return c.join(room, nick)
}

func (c *NATSConn) join(room models.JID, nick string) error {
	c.mu.Lock()
	r, ok := c.rooms[room]
	if !ok {
		sub, err := c.nc.Subscribe(c.roomSubject(room), c.onNATSMessage)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to subscribe to room %s: %w", room, err)
		}
		r = &joinedRoom{sub: sub, roster: make(map[string]bool)}
		c.rooms[room] = r
	}
	r.nick = nick
	c.mu.Unlock()

	c.logger.Info().Str("room", room.String()).Str("nick", nick).Msg("joining room")
	return c.publishOccupant(room, nick, PresenceAvailable)
}

func (c *NATSConn) leave(room models.JID) error {
	c.mu.Lock()
	r, ok := c.rooms[room]
	if ok {
		delete(c.rooms, room)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.publishOccupant(room, r.nick, PresenceUnavailable)
	if uerr := r.sub.Unsubscribe(); uerr != nil && err == nil {
		err = uerr
	}
	c.logger.Info().Str("room", room.String()).Msg("left room")
	return err
}

func (c *NATSConn) publishOccupant(room models.JID, nick, typ string) error {
	presence := OccupantPresence(room.WithResource(nick), c.JID().String(), typ)
	return c.publish(c.roomSubject(room), presence)
}

func (c *NATSConn) sendMessage(el models.Element) error {
	el = el.Clone()
	to := models.JID(el.AttrOr("to", ""))
	if el.AttrOr("type", "") != MessageTypeGroupchat {
		el.SetAttr("from", c.JID().String())
		return c.publish(c.directSubject(to), el)
	}

	room := to.Bare()
	c.mu.RLock()
	r, ok := c.rooms[room]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoom, room)
	}
	el.SetAttr("from", room.WithResource(r.nick).String())
	return c.publish(c.roomSubject(room), el)
}

func (c *NATSConn) publish(subject string, el models.Element) error {
	data, err := el.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode stanza: %w", err)
	}
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return ErrNotConnected
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish stanza: %w", err)
	}
	return nil
}

func (c *NATSConn) onNATSMessage(msg *nats.Msg) {
	el, err := models.UnmarshalElement(msg.Data)
	if err != nil {
		c.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable stanza")
		return
	}
	if el.Name() == "presence" {
		c.trackOccupant(el)
	}
	c.dispatch(el)
}

// trackOccupant keeps a per-room roster and answers newcomers with our own
// presence so that they learn about existing occupants.
func (c *NATSConn) trackOccupant(el models.Element) {
	from := models.JID(el.AttrOr("from", ""))
	room, nick := from.Bare(), from.Resource()
	if nick == "" {
		return
	}

	c.mu.Lock()
	r, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		return
	}
	announce := false
	if el.AttrOr("type", PresenceAvailable) == PresenceUnavailable {
		delete(r.roster, nick)
	} else if !r.roster[nick] {
		r.roster[nick] = true
		announce = nick != r.nick
	}
	own := r.nick
	c.mu.Unlock()

	if announce {
		if err := c.publishOccupant(room, own, PresenceAvailable); err != nil {
			c.logger.Warn().Err(err).Msg("failed to announce presence")
		}
	}
}

func (c *NATSConn) dispatch(el models.Element) {
	c.mu.RLock()
	handlers := append([]handlerEntry(nil), c.handlers...)
	c.mu.RUnlock()

	name := el.Name()
	typ := el.AttrOr("type", "")
	for _, h := range handlers {
		if h.name != "" && h.name != name {
			continue
		}
		if h.typ != "" && h.typ != typ {
			continue
		}
		if !c.invoke(h, el) {
			c.DeleteHandler(h.id)
		}
	}
}

func (c *NATSConn) invoke(h handlerEntry, el models.Element) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("stanza handler panicked")
			keep = true
		}
	}()
	return h.fn(el)
}

// Disconnect leaves every room and closes the connection
func (c *NATSConn) Disconnect(ctx context.Context) error {
	c.mu.RLock()
	nc := c.nc
	rooms := make([]models.JID, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.RUnlock()
	if nc == nil {
		return nil
	}

	c.setStatus(models.StatusDisconnecting)
	for _, room := range rooms {
		if err := c.leave(room); err != nil {
			c.logger.Warn().Err(err).Str("room", room.String()).Msg("failed to leave room")
		}
	}

	err := nc.Drain()
	c.mu.Lock()
	c.nc = nil
	c.direct = nil
	c.mu.Unlock()

	c.setStatus(models.StatusDisconnected)
	if err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func (c *NATSConn) roomSubject(room models.JID) string {
	return c.cfg.SubjectPrefix + "." + subjectToken(room.Bare().String())
}

func (c *NATSConn) directSubject(jid models.JID) string {
	return c.cfg.SubjectPrefix + ".direct." + subjectToken(jid.String())
}

// subjectToken makes an address usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
