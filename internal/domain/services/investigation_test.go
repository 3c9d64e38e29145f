package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/internal/streaming"
	"investigation-lab/internal/testutil/memroom"
	"investigation-lab/pkg/logger"
)

const (
	testRoom     = models.JID("investigation@rooms.example")
	exampleHash  = "0caaf24ab1a0c33440c06afe99df986365b0781f" // Fingerprint("example.com")
	waitFor      = time.Second
	pollInterval = 5 * time.Millisecond
)

type fakeFetcher struct {
	mu    sync.Mutex
	desc  *models.SessionDescriptor
	err   error
	calls int
}

func (f *fakeFetcher) FetchSession(context.Context) (*models.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.desc
	return &cp, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type statusErr string

func (e statusErr) Error() string      { return "bosh-session: " + string(e) }
func (e statusErr) StatusText() string { return string(e) }

type recordingPublisher struct {
	mu        sync.Mutex
	responses []string
	cleared   int
	left      []string
	errors    []string
}

func (p *recordingPublisher) PublishResponse(_ context.Context, g *models.ReplyGroup, nick string, _ models.Items) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, g.QueryString+"/"+nick)
	return nil
}

func (p *recordingPublisher) PublishResponsesCleared(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared++
	return nil
}

func (p *recordingPublisher) PublishUserLeft(_ context.Context, nick string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, nick)
	return nil
}

func (p *recordingPublisher) PublishError(_ context.Context, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, message)
	return nil
}

func (p *recordingPublisher) Left() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.left...)
}

func (p *recordingPublisher) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errors...)
}

type fakeArchive struct {
	mu      sync.Mutex
	replies []*models.ArchivedReply
}

func (a *fakeArchive) AppendReply(_ context.Context, r *models.ArchivedReply) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, r)
	return nil
}

func (a *fakeArchive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.replies)
}

type harness struct {
	net       *memroom.Network
	conn      *memroom.Conn
	fetcher   *fakeFetcher
	store     *cache.MemorySessionStore
	queries   *cache.MemoryQueryCache
	publisher *recordingPublisher
	archive   *fakeArchive
	session   *services.InvestigationSession
}

func sessionDescriptor() *models.SessionDescriptor {
	return &models.SessionDescriptor{
		Service: "mem://rooms",
		Rooms:   []string{testRoom.String(), "other@rooms.example"},
		JID:     "analyst@example/alice",
		SID:     "sid-1",
		RID:     "1",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		net:       memroom.NewNetwork(),
		fetcher:   &fakeFetcher{desc: sessionDescriptor()},
		store:     cache.NewMemorySessionStore(),
		queries:   cache.NewMemoryQueryCache(),
		publisher: &recordingPublisher{},
		archive:   &fakeArchive{},
	}
	h.conn = h.net.NewConn()
	h.session = services.NewInvestigationSession(services.InvestigationDeps{
		Transport: h.conn,
		Fetcher:   h.fetcher,
		Store:     h.store,
		Queries:   h.queries,
		Archive:   h.archive,
		Publisher: h.publisher,
	}, services.InvestigationConfig{Identity: "analyst@example"}, logger.Nop())
	t.Cleanup(func() { _ = h.session.Close(context.Background()) })
	return h
}

func startedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	return h
}

// responder joins the room under nick and returns its connection.
func (h *harness) responder(t *testing.T, nick string) *memroom.Conn {
	t.Helper()
	ctx := context.Background()
	c := h.net.NewConn()
	require.NoError(t, c.Attach(ctx, &models.SessionDescriptor{JID: "expert@example/" + nick}))
	require.NoError(t, c.Send(ctx, streaming.RoomPresence(testRoom, nick)))
	return c
}

func reply(t *testing.T, c *memroom.Conn, fingerprint string, kv ...string) {
	t.Helper()
	pairs := []models.Pair{{Key: services.AugmentKey, Value: fingerprint}}
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, models.Pair{Key: kv[i], Value: kv[i+1]})
	}
	ev := models.NewEventFromPairs(pairs...)
	require.NoError(t, c.Send(context.Background(), streaming.GroupMessage(testRoom, "", ev)))
}

func (h *harness) waitMatched(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Stats().Matched >= n }, waitFor, pollInterval)
}

func (h *harness) waitUnmatched(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Stats().Unmatched >= n }, waitFor, pollInterval)
}

func (h *harness) search(t *testing.T, text string) []*models.Query {
	t.Helper()
	queries, err := h.session.Search(context.Background(), text)
	require.NoError(t, err)
	return queries
}

func sentBodies(c *memroom.Conn) []string {
	var bodies []string
	for _, el := range c.Sent() {
		if el.Name() != "message" {
			continue
		}
		if body, ok := el.Child("body"); ok {
			bodies = append(bodies, body.Text)
		}
	}
	return bodies
}

func TestStartFetchesFreshSessionAndJoinsFirstRoom(t *testing.T) {
	h := startedHarness(t)

	assert.Equal(t, 1, h.fetcher.Calls())
	assert.True(t, h.session.Joined())
	assert.Equal(t, models.StatusAttached, h.session.Status())
	assert.Contains(t, h.net.Occupants(testRoom), "alice")
	assert.Empty(t, h.net.Occupants("other@rooms.example"))

	stored, err := h.store.Load(context.Background(), "analyst@example")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", stored.SID)

	sent := h.conn.Sent()
	require.GreaterOrEqual(t, len(sent), 2)
	prio, ok := sent[0].Child("priority")
	require.True(t, ok)
	assert.Equal(t, "-1", prio.Text)
	assert.Equal(t, "investigation@rooms.example/alice", sent[1].AttrOr("to", ""))
	assert.Equal(t, 2, h.conn.Handlers())
}

func TestStartRestoresPersistedSession(t *testing.T) {
	h := newHarness(t)
	h.net.Remember(sessionDescriptor())
	h.fetcher.err = errors.New("must not be called")

	require.NoError(t, h.session.Start(context.Background()))

	assert.Zero(t, h.fetcher.Calls())
	assert.True(t, h.session.Joined())
	assert.Contains(t, h.net.Occupants(testRoom), "alice")
	assert.Empty(t, h.publisher.Errors())
}

func TestStartReportsFetchFailureOnce(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = statusErr("Service Unavailable")

	err := h.session.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"Service Unavailable"}, h.publisher.Errors())
	assert.False(t, h.session.Joined())
}

func TestStartReportsAttachFailureOnce(t *testing.T) {
	h := newHarness(t)
	h.net.Remember(sessionDescriptor())
	h.net.FailAttach(errors.New("connection refused"))

	err := h.session.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"connection refused"}, h.publisher.Errors())
	assert.Equal(t, 1, h.fetcher.Calls())
	assert.Equal(t, models.StatusConnFail, h.session.Status())
}

func TestSearchSendsOneReprPerToken(t *testing.T) {
	h := startedHarness(t)

	queries := h.search(t, "212.8.189.19, Example.com")
	require.Len(t, queries, 2)
	assert.Equal(t, models.IndicatorTypeIP, queries[0].Type)
	assert.Equal(t, "example.com", queries[1].Query)

	bodies := sentBodies(h.conn)
	require.Len(t, bodies, 2)
	assert.Equal(t, "!repr id="+queries[0].ID+", ip=212.8.189.19", bodies[0])
	assert.Equal(t, "!repr host=example.com, id="+queries[1].ID, bodies[1])

	for _, q := range queries {
		cached, err := h.queries.Get(context.Background(), q.Hash)
		require.NoError(t, err)
		assert.Equal(t, q.Query, cached.Query)
	}
}

func TestSearchBlankInputIsNoop(t *testing.T) {
	h := startedHarness(t)

	queries, err := h.session.Search(context.Background(), "  ,\n ")
	require.NoError(t, err)
	assert.Empty(t, queries)
	assert.Empty(t, sentBodies(h.conn))

	n, err := h.queries.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchBeforeJoin(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.Search(context.Background(), "example.com")
	require.ErrorIs(t, err, services.ErrNotJoined)
}

func TestSearchFile(t *testing.T) {
	h := startedHarness(t)

	queries, err := h.session.SearchFile(context.Background(), strings.NewReader("example.com\r\n1.2.3.4,a@b.com\n"))
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Equal(t, models.IndicatorTypeHost, queries[0].Type)
	assert.Equal(t, models.IndicatorTypeIP, queries[1].Type)
	assert.Equal(t, models.IndicatorTypeEmail, queries[2].Type)
}

func TestReplyIsCorrelatedToCachedQuery(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "asn", "64500")
	h.waitMatched(t, 1)

	groups := h.session.Responses()
	require.Len(t, groups, 1)
	assert.Equal(t, exampleHash, groups[0].QueryHash)
	assert.Equal(t, "example.com", groups[0].QueryString)

	replies := groups[0].Replies("shadowserver")
	require.Len(t, replies, 1)
	assert.Equal(t, []string{"64500"}, replies[0].Get("asn"))
	assert.Equal(t, []string{q.Hash}, replies[0].Get(services.AugmentKey))

	require.Eventually(t, func() bool { return h.archive.Len() == 1 }, waitFor, pollInterval)
}

func TestUnknownFingerprintIsDropped(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "asn", "1")
	h.waitMatched(t, 1)
	before := h.session.Responses()

	reply(t, expert, "0000000000000000000000000000000000000000", "asn", "2")
	h.waitUnmatched(t, 1)

	assert.Equal(t, before, h.session.Responses())
	assert.Equal(t, uint64(1), h.session.Stats().Matched)
}

func TestRepliesAccumulateInArrivalOrder(t *testing.T) {
	h := startedHarness(t)
	first := h.responder(t, "shadowserver")
	second := h.responder(t, "abuse.ch")

	q := h.search(t, "example.com")[0]
	reply(t, first, q.Hash, "seq", "1")
	reply(t, second, q.Hash, "seq", "x")
	reply(t, first, q.Hash, "seq", "2")
	h.waitMatched(t, 3)

	groups := h.session.Responses()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Experts, 2)
	assert.Equal(t, "shadowserver", groups[0].Experts[0].Nick)
	assert.Equal(t, "abuse.ch", groups[0].Experts[1].Nick)

	replies := groups[0].Replies("shadowserver")
	require.Len(t, replies, 2)
	assert.Equal(t, []string{"1"}, replies[0].Get("seq"))
	assert.Equal(t, []string{"2"}, replies[1].Get("seq"))
}

func TestNoticesDelayedAndEmptyMessagesAreIgnored(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")
	q := h.search(t, "example.com")[0]

	ev := models.NewEventFromPairs(models.Pair{Key: services.AugmentKey, Value: q.Hash})

	notice := streaming.GroupMessage(testRoom, "", ev)
	notice.SetAttr("from", testRoom.String())
	h.net.Inject(testRoom, notice)

	delayed := streaming.GroupMessage(testRoom, "", ev)
	delayed.SetAttr("from", testRoom.WithResource("shadowserver").String())
	delayed.Append(models.NewElement(streaming.NSDelay, "delay"))
	h.net.Inject(testRoom, delayed)

	foreign := streaming.GroupMessage("elsewhere@rooms.example", "", ev)
	foreign.SetAttr("from", "elsewhere@rooms.example/shadowserver")
	h.net.Inject(testRoom, foreign)

	idOnly := models.NewEventFromPairs(models.Pair{Key: "id", Value: "x"})
	require.NoError(t, expert.Send(context.Background(), streaming.GroupMessage(testRoom, "", idOnly)))

	reply(t, expert, q.Hash, "asn", "1")
	h.waitMatched(t, 1)

	groups := h.session.Responses()
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Replies("shadowserver"), 1)
	assert.GreaterOrEqual(t, h.session.Stats().Dropped, uint64(4))
}

func TestClearResponsesKeepsQueryCache(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "seq", "1")
	h.waitMatched(t, 1)

	h.session.ClearResponses(context.Background())
	assert.Empty(t, h.session.Responses())
	assert.Equal(t, [][]string{{"query", "expert"}}, h.session.ExportResponses())

	_, err := h.queries.Get(context.Background(), q.Hash)
	require.NoError(t, err)

	reply(t, expert, q.Hash, "seq", "2")
	h.waitMatched(t, 2)

	groups := h.session.Responses()
	require.Len(t, groups, 1)
	replies := groups[0].Replies("shadowserver")
	require.Len(t, replies, 1)
	assert.Equal(t, []string{"2"}, replies[0].Get("seq"))
}

func TestClearQueriesUnmatchesLaterReplies(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")
	ctx := context.Background()

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "seq", "1")
	h.waitMatched(t, 1)

	require.NoError(t, h.session.ClearQueries(ctx))
	n, err := h.queries.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.session.Describe(ctx).Queries)

	reply(t, expert, q.Hash, "seq", "2")
	h.waitUnmatched(t, 1)

	assert.Equal(t, uint64(1), h.session.Stats().Matched)
	groups := h.session.Responses()
	require.Len(t, groups, 1, "filed groups survive a query cache clear")
	assert.Len(t, groups[0].Replies("shadowserver"), 1)
}

func TestSearchClearsPreviousResults(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "seq", "1")
	h.waitMatched(t, 1)
	require.Len(t, h.session.Responses(), 1)

	h.search(t, "test.com")
	assert.Empty(t, h.session.Responses())
}

func TestSnapshotRefreshesOnNewGroupOnly(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")
	assert.JSONEq(t, `[]`, string(h.session.Snapshot()))

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "seq", "1")
	h.waitMatched(t, 1)

	snapshot := h.session.Snapshot()
	assert.Contains(t, string(snapshot), `"query_hash":"`+exampleHash+`"`)

	reply(t, expert, q.Hash, "seq", "2")
	h.waitMatched(t, 2)
	assert.Equal(t, snapshot, h.session.Snapshot())
}

func TestExportResponses(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	q := h.search(t, "example.com")[0]
	reply(t, expert, q.Hash, "asn", "64500", "asn", "64501")
	h.waitMatched(t, 1)

	table := h.session.ExportResponses()
	require.Len(t, table, 2)
	assert.Equal(t, []string{"query", "expert", "asn", services.AugmentKey}, table[0])
	assert.Equal(t, []string{"example.com", "shadowserver", "64500,64501", q.Hash}, table[1])

	var buf strings.Builder
	require.NoError(t, h.session.WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "query,expert,asn,augment sha-1\n"))
}

func TestPresenceTracking(t *testing.T) {
	h := startedHarness(t)
	expert := h.responder(t, "shadowserver")

	require.Eventually(t, func() bool { return len(h.session.Participants()) == 2 }, waitFor, pollInterval)
	participants := h.session.Participants()
	assert.Equal(t, "alice", participants[0].Nick)
	assert.Equal(t, models.Participant{Nick: "shadowserver", JID: "expert@example/shadowserver"}, participants[1])

	// unavailable for someone never seen is a no-op
	h.net.Inject(testRoom, streaming.OccupantPresence(testRoom.WithResource("ghost"), "", streaming.PresenceUnavailable))
	// presence from another room is ignored
	h.net.Inject(testRoom, streaming.OccupantPresence("elsewhere@rooms.example/mallory", "", streaming.PresenceAvailable))

	require.NoError(t, expert.Disconnect(context.Background()))

	require.Eventually(t, func() bool { return len(h.publisher.Left()) > 0 }, waitFor, pollInterval)
	assert.Equal(t, []string{"shadowserver"}, h.publisher.Left())
	assert.Len(t, h.session.Participants(), 1)
}

func TestDescribe(t *testing.T) {
	h := startedHarness(t)

	h.search(t, "example.com 1.2.3.4")

	status := h.session.Describe(context.Background())
	assert.Equal(t, models.StatusAttached, status.Status)
	assert.True(t, status.Joined)
	assert.Equal(t, testRoom.String(), status.Room)
	assert.Equal(t, "alice", status.Nick)
	assert.Equal(t, 2, status.Queries)
}

func TestCloseLeavesRoomAndDisconnects(t *testing.T) {
	h := startedHarness(t)
	ctx := context.Background()

	require.NoError(t, h.session.Close(ctx))
	require.NoError(t, h.session.Close(ctx))

	assert.Zero(t, h.conn.Handlers())
	assert.NotContains(t, h.net.Occupants(testRoom), "alice")
	assert.Equal(t, models.StatusDisconnected, h.conn.Status())

	_, err := h.session.Search(ctx, "example.com")
	require.ErrorIs(t, err, services.ErrSessionClosed)
	require.ErrorIs(t, h.session.Start(ctx), services.ErrSessionClosed)
}
