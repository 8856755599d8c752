package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
	"github.com/njoerd114/timelinerelay/internal/state"
)

var testLogger = slog.Default()

// --- Mock Connection ----------------------------------------------------------

type timelineCall struct {
	timeline   model.TimelineType
	since      model.Position
	limit      int
	subjectOid string
}

// mockConn serves scripted pages keyed by the "since" position. An error
// registered for a position is returned instead of its page.
type mockConn struct {
	mu        sync.Mutex
	pages     map[model.Position][]model.TimelineItem
	errs      map[model.Position]error
	calls     []timelineCall
	self      *model.Subject
	verifyErr error
	posted    []string
	postErr   error
	messages  map[string]*model.Message
	maxLimit  int

	// stall makes every page return the same single item.
	stall *model.TimelineItem
}

func newMockConn(self *model.Subject) *mockConn {
	return &mockConn{
		pages:    make(map[model.Position][]model.TimelineItem),
		errs:     make(map[model.Position]error),
		messages: make(map[string]*model.Message),
		self:     self,
		maxLimit: 200,
	}
}

func (m *mockConn) page(since model.Position, items ...model.TimelineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[since] = items
}

func (m *mockConn) fail(since model.Position, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[since] = err
}

func (m *mockConn) GetTimeline(_ context.Context, timeline model.TimelineType, since model.Position, limit int, subjectOid string) ([]model.TimelineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, timelineCall{timeline, since, limit, subjectOid})
	if m.stall != nil {
		return []model.TimelineItem{*m.stall}, nil
	}
	if err, ok := m.errs[since]; ok {
		return nil, err
	}
	items := m.pages[since]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *mockConn) Search(ctx context.Context, since model.Position, limit int, _ string) ([]model.TimelineItem, error) {
	return m.GetTimeline(ctx, model.TimelineSearch, since, limit, "")
}

func (m *mockConn) GetMessage(_ context.Context, oid string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[oid]; ok {
		return msg, nil
	}
	return nil, social.NewError(social.StatusNotFound, "GET "+oid, errors.New("no such message"))
}

func (m *mockConn) UpdateStatus(_ context.Context, body, _ string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, body)
	if m.postErr != nil {
		return nil, m.postErr
	}
	return &model.Message{
		Oid:      "posted-" + body,
		Body:     body,
		Status:   model.StatusLoaded,
		SentDate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Public:   true,
	}, nil
}

func (m *mockConn) VerifyCredentials(context.Context) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	cp := *m.self
	return &cp, nil
}

func (m *mockConn) FixedDownloadLimit(limit int, _ model.TimelineType) int {
	return social.ClampLimit(limit, m.maxLimit)
}

func (m *mockConn) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockConn) call(i int) timelineCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

// --- Fixtures -----------------------------------------------------------------

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testAccount creates an origin and a verified account subject "me".
func testAccount(t *testing.T, store *state.Store, conn *mockConn) *Account {
	t.Helper()
	ctx := context.Background()
	originID, err := store.EnsureOrigin(ctx, "test", "twitter", "https://example.com")
	if err != nil {
		t.Fatalf("EnsureOrigin: %v", err)
	}
	if conn.self == nil {
		conn.self = &model.Subject{Oid: "1000", Username: "me", RealName: "Me"}
	}
	conn.self.OriginID = originID
	acct := &Account{
		Name:      "main",
		OriginID:  originID,
		Conn:      conn,
		Timelines: []model.TimelineType{model.TimelineHome},
	}
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)
	if err := e.VerifyAccount(ctx, acct); err != nil {
		t.Fatalf("VerifyAccount: %v", err)
	}
	return acct
}

func user(originID int64, oid, username string) *model.Subject {
	return &model.Subject{OriginID: originID, Oid: oid, Username: username, RealName: username + " Real"}
}

func ts(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

func message(originID int64, oid string, sender *model.Subject, body string, sent time.Time) *model.Message {
	return &model.Message{
		OriginID:    originID,
		Oid:         oid,
		Sender:      sender,
		Body:        body,
		SentDate:    sent,
		CreatedDate: sent,
		Status:      model.StatusLoaded,
		Public:      true,
	}
}

func reblog(originID int64, wrapperOid string, reblogger *model.Subject, orig *model.Message, at time.Time) *model.Message {
	return &model.Message{
		OriginID: originID,
		Oid:      wrapperOid,
		Sender:   reblogger,
		SentDate: at,
		Status:   model.StatusLoaded,
		Public:   true,
		ReblogOf: orig,
	}
}

func item(m *model.Message) model.TimelineItem {
	date := m.SentDate
	return model.MessageItem(model.Position(m.Oid), date, m)
}

func mustMessageID(t *testing.T, store *state.Store, originID int64, oid string) int64 {
	t.Helper()
	id, err := store.MessageIDByOid(context.Background(), originID, oid)
	if err != nil {
		t.Fatalf("MessageIDByOid(%q): %v", oid, err)
	}
	return id
}

func mustSubjectID(t *testing.T, store *state.Store, originID int64, oid string) int64 {
	t.Helper()
	id, err := store.SubjectIDByOid(context.Background(), originID, oid)
	if err != nil {
		t.Fatalf("SubjectIDByOid(%q): %v", oid, err)
	}
	return id
}

func counts(t *testing.T, store *state.Store) state.Counts {
	t.Helper()
	c, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	return c
}
