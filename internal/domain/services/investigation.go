package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/streaming"
	"investigation-lab/pkg/logger"
)

// AugmentKey is the reply attribute carrying the fingerprint of the query
// being answered.
const AugmentKey = "augment sha-1"

// ReprCommand prefixes query bodies sent to the room.
const ReprCommand = "!repr "

const (
	selfPriority     = -1
	defaultQueueSize = 256
	defaultNick      = "investigator"
)

var (
	// ErrNotJoined is returned by searches issued before the room is joined
	ErrNotJoined = errors.New("investigation room not joined")
	// ErrNoRooms is returned when the session descriptor lists no rooms
	ErrNoRooms = errors.New("session descriptor has no rooms")
	// ErrSessionClosed is returned after Close
	ErrSessionClosed = errors.New("investigation session closed")
)

var fileSeparators = regexp.MustCompile(`\r\n|\r|\n|,`)

// RestoreResult is the outcome of the first step of Start.
type RestoreResult int

const (
	Restored RestoreResult = iota
	NeedsFreshSession
)

func (r RestoreResult) String() string {
	if r == Restored {
		return "restored"
	}
	return "needs fresh session"
}

// InvestigationConfig holds the session settings
type InvestigationConfig struct {
	// Identity is the bare address whose persisted session Start tries to
	// restore first.
	Identity models.JID
	// Rooms is used when a restored descriptor does not carry a room list.
	Rooms     []string
	QueueSize int
}

// InvestigationDeps are the session collaborators. Archive and Publisher
// are optional.
type InvestigationDeps struct {
	Transport  RoomTransport
	Fetcher    SessionFetcher
	Store      SessionStore
	Queries    QueryCache
	Classifier *QueryClassifier
	Archive    ReplyArchive
	Publisher  EventPublisher
}

// SessionStats counts what happened to inbound stanzas.
type SessionStats struct {
	Matched   uint64 `json:"matched"`
	Unmatched uint64 `json:"unmatched"`
	Dropped   uint64 `json:"dropped"`
}

// SessionStatus is a point-in-time view of the session.
type SessionStatus struct {
	Status       models.ConnStatus    `json:"status"`
	Joined       bool                 `json:"joined"`
	Room         string               `json:"room,omitempty"`
	Nick         string               `json:"nick,omitempty"`
	Participants []models.Participant `json:"participants"`
	Responses    int                  `json:"responses"`
	Queries      int                  `json:"queries"`
	Stats        SessionStats         `json:"stats"`
}

// InvestigationSession owns the room connection, correlates replies against
// outstanding queries and accumulates the results table.
type InvestigationSession struct {
	transport  RoomTransport
	fetcher    SessionFetcher
	store      SessionStore
	queries    QueryCache
	classifier *QueryClassifier
	archive    ReplyArchive
	publisher  EventPublisher
	cfg        InvestigationConfig
	logger     *logger.Logger

	// joinMu serializes joinRoom so handlers are registered at most once
	joinMu sync.Mutex

	mu           sync.RWMutex
	closed       bool
	status       models.ConnStatus
	rooms        []string
	room         models.JID
	nick         string
	joined       bool
	handlerIDs   []models.HandlerID
	participants map[string]models.Participant
	responses    []*models.ReplyGroup
	index        map[string]int
	snapshot     []byte

	matched   atomic.Uint64
	unmatched atomic.Uint64
	dropped   atomic.Uint64

	queue     chan streaming.Stanza
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewInvestigationSession creates a session. Nothing happens on the network
// until Start.
func NewInvestigationSession(deps InvestigationDeps, cfg InvestigationConfig, log *logger.Logger) *InvestigationSession {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if deps.Classifier == nil {
		deps.Classifier = NewQueryClassifier()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &InvestigationSession{
		transport:    deps.Transport,
		fetcher:      deps.Fetcher,
		store:        deps.Store,
		queries:      deps.Queries,
		classifier:   deps.Classifier,
		archive:      deps.Archive,
		publisher:    deps.Publisher,
		cfg:          cfg,
		logger:       log.WithComponent("investigation"),
		participants: make(map[string]models.Participant),
		index:        make(map[string]int),
		queue:        make(chan streaming.Stanza, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.snapshot = s.marshalSnapshot()
	return s
}

// Start restores the persisted session or, failing that, fetches a fresh one
// and attaches it. Joining the room happens once the transport is attached.
// A failure is reported once through the publisher and is not retried.
func (s *InvestigationSession) Start(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	s.startOnce.Do(func() {
		s.transport.OnStatus(s.onStatus)
		s.wg.Add(1)
		go s.run()
	})

	result, desc := s.restore(ctx)
	s.logger.Info().Str("result", result.String()).Msg("session restore attempted")

	if result == NeedsFreshSession {
		var err error
		desc, err = s.fetcher.FetchSession(ctx)
		if err != nil {
			s.notify(ctx, err)
			return fmt.Errorf("failed to fetch session: %w", err)
		}
		s.setRooms(desc.Rooms)
		if s.store != nil {
			if err := s.store.Save(ctx, desc); err != nil {
				s.logger.Warn().Err(err).Msg("failed to persist session descriptor")
			}
		}
		if err := s.transport.Attach(ctx, desc); err != nil {
			s.notify(ctx, err)
			return fmt.Errorf("failed to attach session: %w", err)
		}
	}

	if s.Status() == models.StatusAttached && !s.Joined() {
		if err := s.joinRoom(ctx); err != nil {
			s.notify(ctx, err)
			return err
		}
	}
	return nil
}

// restore is the first, fallible step of Start. Any failure means a fresh
// session is needed.
func (s *InvestigationSession) restore(ctx context.Context) (RestoreResult, *models.SessionDescriptor) {
	if s.cfg.Identity == "" {
		return NeedsFreshSession, nil
	}
	desc, err := s.transport.Restore(ctx, s.cfg.Identity)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			s.logger.Warn().Err(err).Msg("persisted session rejected")
		}
		return NeedsFreshSession, nil
	}
	s.setRooms(desc.Rooms)
	return Restored, desc
}

func (s *InvestigationSession) setRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rooms) == 0 {
		rooms = s.cfg.Rooms
	}
	s.rooms = append([]string(nil), rooms...)
}

func (s *InvestigationSession) onStatus(status models.ConnStatus) {
	s.mu.Lock()
	s.status = status
	canJoin := status == models.StatusAttached && len(s.rooms) > 0
	s.mu.Unlock()

	s.logger.Debug().Str("status", status.String()).Msg("transport status")
	if canJoin {
		if err := s.joinRoom(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to join room")
		}
	}
}

// joinRoom joins the first room of the descriptor. Handlers are registered
// once; presences are sent again on every call so that a reattached
// transport rejoins.
func (s *InvestigationSession) joinRoom(ctx context.Context) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if len(s.rooms) == 0 {
		s.mu.Unlock()
		return ErrNoRooms
	}
	room := models.JID(s.rooms[0]).Bare()
	nick := s.transport.JID().Resource()
	if nick == "" {
		nick = defaultNick
	}
	s.room, s.nick = room, nick
	register := len(s.handlerIDs) == 0
	s.mu.Unlock()

	if register {
		ids := []models.HandlerID{
			s.transport.AddHandler(s.receive, "presence", ""),
			s.transport.AddHandler(s.receive, "message", streaming.MessageTypeGroupchat),
		}
		s.mu.Lock()
		s.handlerIDs = ids
		s.mu.Unlock()
	}

	if err := s.transport.Send(ctx, streaming.SelfPresence(selfPriority)); err != nil {
		return fmt.Errorf("failed to send presence: %w", err)
	}
	if err := s.transport.Send(ctx, streaming.RoomPresence(room, nick)); err != nil {
		return fmt.Errorf("failed to join room %s: %w", room, err)
	}

	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()

	s.logger.WithRoom(room.String()).Info().Str("nick", nick).Msg("joined investigation room")
	return nil
}

// receive is the transport handler for presences and group messages. It
// never fails and never unregisters itself.
func (s *InvestigationSession) receive(el models.Element) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("stanza handler panicked")
			keep = true
		}
	}()

	stanza := streaming.ParseStanza(el)
	select {
	case s.queue <- stanza:
	case <-s.ctx.Done():
	}
	return true
}

func (s *InvestigationSession) run() {
	defer s.wg.Done()
	for {
		select {
		case stanza := <-s.queue:
			s.handle(s.ctx, stanza)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *InvestigationSession) handle(ctx context.Context, stanza streaming.Stanza) {
	switch st := stanza.(type) {
	case streaming.ParsedPresence:
		s.handlePresence(ctx, st)
	case streaming.ParsedGroupMessage:
		s.handleMessage(ctx, st)
	case streaming.Unrecognized:
		s.dropped.Add(1)
		s.logger.Debug().Str("name", st.Name).Str("reason", st.Reason).Msg("dropping unrecognized stanza")
	}
}

func (s *InvestigationSession) handlePresence(ctx context.Context, p streaming.ParsedPresence) {
	nick := p.From.Resource()

	s.mu.Lock()
	if p.From.Bare() != s.room || nick == "" {
		s.mu.Unlock()
		return
	}
	_, tracked := s.participants[nick]
	left := false
	switch {
	case !tracked && p.Available():
		s.participants[nick] = models.Participant{Nick: nick, JID: p.ItemJID}
	case tracked && !p.Available():
		delete(s.participants, nick)
		left = true
	}
	s.mu.Unlock()

	if left {
		s.logger.Info().Str("nick", nick).Msg("participant left")
		if s.publisher != nil {
			if err := s.publisher.PublishUserLeft(ctx, nick); err != nil {
				s.logger.Warn().Err(err).Msg("failed to publish user_left")
			}
		}
	}
}

func (s *InvestigationSession) handleMessage(ctx context.Context, m streaming.ParsedGroupMessage) {
	nick := m.From.Resource()

	s.mu.RLock()
	room := s.room
	s.mu.RUnlock()

	if m.From.Bare() != room {
		s.dropped.Add(1)
		return
	}
	// a message without a resource comes from the room itself
	if nick == "" || m.Delayed {
		s.dropped.Add(1)
		return
	}
	ev := models.FirstValid(m.Events)
	if ev == nil {
		s.dropped.Add(1)
		return
	}
	s.onNewResponse(ctx, ev, nick)
}

// onNewResponse attributes a reply to the query it answers and files it
// under the responder.
func (s *InvestigationSession) onNewResponse(ctx context.Context, ev *models.Event, nick string) {
	fingerprint := ev.Value(AugmentKey)
	if fingerprint == "" {
		s.unmatched.Add(1)
		return
	}
	q, err := s.queries.Get(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, models.ErrQueryNotFound) {
			s.logger.Warn().Err(err).Msg("query cache lookup failed")
		}
		s.unmatched.Add(1)
		s.logger.Debug().Str("fingerprint", fingerprint).Str("nick", nick).Msg("unmatched reply")
		return
	}

	queryHash := Fingerprint(q.Query)
	items := ev.Items()

	s.mu.Lock()
	var group *models.ReplyGroup
	if i, ok := s.index[queryHash]; ok {
		group = s.responses[i]
		group.Append(nick, items)
	} else {
		group = models.NewReplyGroup(queryHash, q.Query, nick, items)
		s.index[queryHash] = len(s.responses)
		s.responses = append(s.responses, group)
		s.snapshot = s.marshalSnapshotLocked()
	}
	group = group.Clone()
	s.mu.Unlock()

	s.matched.Add(1)
	s.logger.Debug().Str("query", q.Query).Str("nick", nick).Msg("reply correlated")

	if s.archive != nil {
		reply := &models.ArchivedReply{
			QueryHash:   queryHash,
			QueryString: q.Query,
			Expert:      nick,
			Items:       items,
			ReceivedAt:  time.Now().UTC(),
		}
		if err := s.archive.AppendReply(ctx, reply); err != nil {
			s.logger.Warn().Err(err).Msg("failed to archive reply")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishResponse(ctx, group, nick, items); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish response")
		}
	}
}

// Search classifies every token of text, caches one query per token and
// sends the corresponding request to the room. Blank input is a no-op.
// Earlier results are cleared first.
func (s *InvestigationSession) Search(ctx context.Context, text string) ([]*models.Query, error) {
	tokens := SplitSearch(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}

	s.mu.RLock()
	room, joined := s.room, s.joined
	s.mu.RUnlock()
	if !joined {
		return nil, ErrNotJoined
	}

	s.ClearResponses(ctx)

	queries := make([]*models.Query, 0, len(tokens))
	for _, tok := range tokens {
		req := s.classifier.BuildRequest(tok)
		q := req.Query()
		if err := s.queries.Put(ctx, q.Hash, q); err != nil {
			return queries, fmt.Errorf("failed to cache query: %w", err)
		}
		if err := s.transport.Send(ctx, streaming.GroupMessage(room, ReprCommand+req.Repr())); err != nil {
			return queries, fmt.Errorf("failed to send query: %w", err)
		}
		queries = append(queries, q)
		s.logger.Debug().Str("type", string(q.Type)).Str("hash", q.Hash).Msg("query sent")
	}
	return queries, nil
}

// SearchFile searches every line and comma separated entry of r.
func (s *InvestigationSession) SearchFile(ctx context.Context, r io.Reader) ([]*models.Query, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read search file: %w", err)
	}
	entries := fileSeparators.Split(string(data), -1)
	return s.Search(ctx, strings.Join(entries, ","))
}

// ExportResponses returns the results table, header first.
func (s *InvestigationSession) ExportResponses() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ExportTable(s.responses)
}

// WriteCSV writes the results table as CSV.
func (s *InvestigationSession) WriteCSV(w io.Writer) error {
	return WriteTableCSV(w, s.ExportResponses())
}

// ClearResponses discards all reply groups. Cached queries and room
// membership are kept.
func (s *InvestigationSession) ClearResponses(ctx context.Context) {
	s.mu.Lock()
	s.responses = nil
	s.index = make(map[string]int)
	s.snapshot = s.marshalSnapshotLocked()
	s.mu.Unlock()

	if s.publisher != nil {
		if err := s.publisher.PublishResponsesCleared(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish responses cleared")
		}
	}
}

// Responses returns a deep copy of the reply groups in creation order.
func (s *InvestigationSession) Responses() []*models.ReplyGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ReplyGroup, len(s.responses))
	for i, g := range s.responses {
		out[i] = g.Clone()
	}
	return out
}

// Snapshot returns the JSON rendering of the results as of the last time a
// reply group was created or the results were cleared.
func (s *InvestigationSession) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.snapshot...)
}

func (s *InvestigationSession) marshalSnapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marshalSnapshotLocked()
}

func (s *InvestigationSession) marshalSnapshotLocked() []byte {
	groups := s.responses
	if groups == nil {
		groups = []*models.ReplyGroup{}
	}
	data, err := json.Marshal(groups)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render responses snapshot")
		return []byte("[]")
	}
	return data
}

// Participants returns the room occupants sorted by nickname.
func (s *InvestigationSession) Participants() []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Stats returns the inbound counters.
func (s *InvestigationSession) Stats() SessionStats {
	return SessionStats{
		Matched:   s.matched.Load(),
		Unmatched: s.unmatched.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Status returns the last transport status seen.
func (s *InvestigationSession) Status() models.ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Joined reports whether the room has been joined.
func (s *InvestigationSession) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// ClearQueries forgets every outstanding query. Replies that arrive for
// them afterwards are unmatched. Reply groups already filed are kept.
func (s *InvestigationSession) ClearQueries(ctx context.Context) error {
	if err := s.queries.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear queries: %w", err)
	}
	s.logger.Info().Msg("query cache cleared")
	return nil
}

// Describe returns a status view for the API. The query count is -1 when
// the cache cannot be read.
func (s *InvestigationSession) Describe(ctx context.Context) SessionStatus {
	participants := s.Participants()
	queries, err := s.queries.Len(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to count cached queries")
		queries = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionStatus{
		Status:       s.status,
		Joined:       s.joined,
		Room:         s.room.String(),
		Nick:         s.nick,
		Participants: participants,
		Responses:    len(s.responses),
		Queries:      queries,
		Stats:        s.Stats(),
	}
}

// Close leaves the room, stops correlation and disconnects the transport.
func (s *InvestigationSession) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.joinMu.Lock()
		s.mu.Lock()
		s.closed = true
		ids := s.handlerIDs
		s.handlerIDs = nil
		room, nick, joined := s.room, s.nick, s.joined
		s.joined = false
		s.mu.Unlock()
		s.joinMu.Unlock()

		for _, id := range ids {
			s.transport.DeleteHandler(id)
		}
		if joined {
			if serr := s.transport.Send(ctx, streaming.UnavailablePresence(room.WithResource(nick))); serr != nil {
				s.logger.Debug().Err(serr).Msg("failed to leave room")
			}
		}

		s.cancel()
		s.wg.Wait()

		if derr := s.transport.Disconnect(ctx); derr != nil {
			err = fmt.Errorf("failed to disconnect transport: %w", derr)
		}
		s.logger.Info().Msg("investigation session closed")
	})
	return err
}

// notify reports a start failure to the UI. Status errors carry the
// HTTP status text, which is what the user sees.
func (s *InvestigationSession) notify(ctx context.Context, err error) {
	s.logger.Error().Err(err).Msg("investigation session failed to start")
	if s.publisher == nil {
		return
	}
	message := err.Error()
	var st interface{ StatusText() string }
	if errors.As(err, &st) {
		message = st.StatusText()
	}
	if perr := s.publisher.PublishError(ctx, message); perr != nil {
		s.logger.Warn().Err(perr).Msg("failed to publish error")
	}
}
