package streaming

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investigation-lab/internal/domain/models"
	"investigation-lab/pkg/logger"
)

type mapStore map[models.JID]*models.SessionDescriptor

func (m mapStore) Load(_ context.Context, bare models.JID) (*models.SessionDescriptor, error) {
	if d, ok := m[bare]; ok {
		return d, nil
	}
	return nil, models.ErrSessionNotFound
}

func stanzaMsg(t *testing.T, el models.Element) *nats.Msg {
	t.Helper()
	data, err := el.Marshal()
	require.NoError(t, err)
	return &nats.Msg{Subject: "rooms.test", Data: data}
}

func TestNATSConnDetached(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{}, mapStore{}, logger.Nop())
	ctx := context.Background()

	assert.Equal(t, models.StatusDisconnected, c.Status())
	require.ErrorIs(t, c.Send(ctx, SelfPresence(-1)), ErrNotConnected)
	require.NoError(t, c.Disconnect(ctx))

	_, err := c.Restore(ctx, "bot@example/res")
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	require.Error(t, c.Attach(ctx, &models.SessionDescriptor{}))
	assert.Equal(t, models.StatusDisconnected, c.Status())
}

func TestNATSConnAttachFailureReportsStatus(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{}, nil, logger.Nop())

	var seen []models.ConnStatus
	c.OnStatus(func(s models.ConnStatus) { seen = append(seen, s) })

	err := c.Attach(context.Background(), &models.SessionDescriptor{Service: "nats://127.0.0.1:1", JID: "bot@example/a"})
	require.Error(t, err)
	assert.Equal(t, []models.ConnStatus{models.StatusConnecting, models.StatusConnFail}, seen)
}

func TestNATSConnDispatch(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{SubjectPrefix: "test"}, nil, logger.Nop())

	var presences, messages, once int
	c.AddHandler(func(models.Element) bool { presences++; return true }, "presence", "")
	c.AddHandler(func(models.Element) bool { messages++; return true }, "message", MessageTypeGroupchat)
	c.AddHandler(func(models.Element) bool { once++; return false }, "", "")
	c.AddHandler(func(models.Element) bool { panic("boom") }, "message", "")

	room := models.JID("room@conf.example")
	c.onNATSMessage(stanzaMsg(t, OccupantPresence(room.WithResource("bob"), "", PresenceAvailable)))
	c.onNATSMessage(stanzaMsg(t, GroupMessage(room, "hi")))
	c.onNATSMessage(&nats.Msg{Subject: "test.x", Data: []byte("<<<")})

	assert.Equal(t, 1, presences)
	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, once, "a handler returning false is removed")
}

func TestNATSConnTracksRoster(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{}, nil, logger.Nop())
	room := models.JID("room@conf.example")
	c.rooms[room] = &joinedRoom{nick: "alice", roster: make(map[string]bool)}

	c.trackOccupant(OccupantPresence(room.WithResource("bob"), "", PresenceAvailable))
	c.trackOccupant(OccupantPresence(room.WithResource("alice"), "", PresenceAvailable))
	c.trackOccupant(OccupantPresence("elsewhere@conf.example/carol", "", PresenceAvailable))
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, c.rooms[room].roster)

	c.trackOccupant(OccupantPresence(room.WithResource("bob"), "", PresenceUnavailable))
	assert.Equal(t, map[string]bool{"alice": true}, c.rooms[room].roster)
}

func TestNATSConnSubjects(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{SubjectPrefix: "rooms"}, nil, logger.Nop())
	assert.Equal(t, "rooms.room@conf_example", c.roomSubject("room@conf.example/alice"))
	assert.Equal(t, "rooms.direct.bot@example/a", c.directSubject("bot@example/a"))
}

func TestNATSConnStatusCallbacksMayRegisterMore(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{}, nil, logger.Nop())

	var first, second int
	c.OnStatus(func(models.ConnStatus) {
		first++
		if first == 1 {
			c.OnStatus(func(models.ConnStatus) { second++ })
		}
	})

	c.setStatus(models.StatusConnecting)
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second, "callbacks added during dispatch run from the next status on")

	c.setStatus(models.StatusConnected)
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}

func TestNATSConnSelfPresencePriority(t *testing.T) {
	c := NewNATSConn(NATSConnConfig{}, nil, logger.Nop())

	require.NoError(t, c.sendPresence(SelfPresence(-1)))
	assert.Equal(t, -1, c.priority)

	bad := models.NewElement(NSClient, "presence")
	prio := models.NewElement(NSClient, "priority")
	prio.Text = "high"
	bad.Append(prio)
	require.NoError(t, c.sendPresence(bad))
	assert.Equal(t, -1, c.priority, "a malformed priority leaves the previous one")
}
