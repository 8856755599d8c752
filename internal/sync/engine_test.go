package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
	"github.com/njoerd114/timelinerelay/internal/state"
)

// unverifiedAccount returns an account whose subject has not been merged
// yet, on its own origin.
func unverifiedAccount(t *testing.T, store *state.Store, name, selfOid string, timelines ...model.TimelineType) (*Account, *mockConn) {
	t.Helper()
	originID, err := store.EnsureOrigin(context.Background(), name, "twitter", "https://"+name+".example")
	if err != nil {
		t.Fatalf("EnsureOrigin: %v", err)
	}
	conn := newMockConn(&model.Subject{OriginID: originID, Oid: selfOid, Username: name, RealName: name})
	if len(timelines) == 0 {
		timelines = []model.TimelineType{model.TimelineHome}
	}
	return &Account{Name: name, OriginID: originID, Conn: conn, Timelines: timelines}, conn
}

// ---------------------------------------------------------------------------
// VerifyAccount
// ---------------------------------------------------------------------------

func TestVerifyAccount_StoresSubject(t *testing.T) {
	store := openTestStore(t)
	acct, _ := unverifiedAccount(t, store, "alice", "42")
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)

	if err := e.VerifyAccount(context.Background(), acct); err != nil {
		t.Fatalf("VerifyAccount: %v", err)
	}
	if acct.SubjectID == 0 || acct.UserOid != "42" || acct.Username != "alice" {
		t.Errorf("account = %+v", acct)
	}
	if got := mustSubjectID(t, store, acct.OriginID, "42"); got != acct.SubjectID {
		t.Errorf("subject id = %d, want %d", got, acct.SubjectID)
	}
}

func TestVerifyAccount_OtherUser(t *testing.T) {
	store := openTestStore(t)
	acct, _ := unverifiedAccount(t, store, "alice", "42")
	acct.UserOid = "99"
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)

	err := e.VerifyAccount(context.Background(), acct)
	if social.StatusOf(err) != social.StatusCredentialsOfOtherUser {
		t.Fatalf("err = %v, want credentials of other user", err)
	}
	if acct.SubjectID != 0 {
		t.Errorf("SubjectID set to %d on mismatch", acct.SubjectID)
	}
}

func TestVerifyAccount_BackendError(t *testing.T) {
	store := openTestStore(t)
	acct, conn := unverifiedAccount(t, store, "alice", "42")
	conn.verifyErr = social.NewError(social.StatusAuthentication, "verify", errors.New("401"))
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)

	if err := e.VerifyAccount(context.Background(), acct); social.StatusOf(err) != social.StatusAuthentication {
		t.Fatalf("err = %v, want authentication", err)
	}
}

// ---------------------------------------------------------------------------
// SyncAccount / RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_AggregatesAccounts(t *testing.T) {
	store := openTestStore(t)
	a, connA := unverifiedAccount(t, store, "alice", "1")
	b, connB := unverifiedAccount(t, store, "bob", "2")

	connA.page("",
		item(message(a.OriginID, "a1", user(a.OriginID, "x", "xavier"), "hi", ts(1, 1))),
		item(message(a.OriginID, "a2", user(a.OriginID, "x", "xavier"), "there", ts(1, 2))),
	)
	connB.page("", item(message(b.OriginID, "b1", user(b.OriginID, "y", "yara"), "yo", ts(1, 1))))

	e := NewEngine(store, []*Account{a, b}, EngineConfig{Workers: 2}, testLogger)
	res, err := e.RunOnce(context.Background(), Selection{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.NewMessages != 3 || res.Downloaded != 3 {
		t.Errorf("result = %+v, want 3 new / 3 downloaded", res)
	}
	if a.SubjectID == 0 || b.SubjectID == 0 {
		t.Error("accounts not verified")
	}
}

func TestRunOnce_SelectsAccountAndTimeline(t *testing.T) {
	store := openTestStore(t)
	a, connA := unverifiedAccount(t, store, "alice", "1")
	b, connB := unverifiedAccount(t, store, "bob", "2")

	e := NewEngine(store, []*Account{a, b}, EngineConfig{}, testLogger)
	if _, err := e.RunOnce(context.Background(), Selection{Account: "bob", Timeline: model.TimelineMentions}); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n := connA.callCount(); n != 0 {
		t.Errorf("alice calls = %d, want 0", n)
	}
	if connB.callCount() != 1 || connB.call(0).timeline != model.TimelineMentions {
		t.Errorf("bob calls = %d", connB.callCount())
	}
}

func TestRunOnce_UnknownAccount(t *testing.T) {
	store := openTestStore(t)
	a, _ := unverifiedAccount(t, store, "alice", "1")
	e := NewEngine(store, []*Account{a}, EngineConfig{}, testLogger)

	if _, err := e.RunOnce(context.Background(), Selection{Account: "nobody"}); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestSyncAccount_AuthErrorStopsAccount(t *testing.T) {
	store := openTestStore(t)
	a, conn := unverifiedAccount(t, store, "alice", "1", model.TimelineHome, model.TimelineMentions)
	conn.fail("", social.NewError(social.StatusAuthentication, "GET home", errors.New("401")))

	e := NewEngine(store, []*Account{a}, EngineConfig{}, testLogger)
	_, err := e.SyncAccount(context.Background(), a, model.TimelineUnknown)
	if social.StatusOf(err) != social.StatusAuthentication {
		t.Fatalf("err = %v, want authentication", err)
	}
	if n := conn.callCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestSyncAccount_OtherErrorsContinue(t *testing.T) {
	store := openTestStore(t)
	a, conn := unverifiedAccount(t, store, "alice", "1", model.TimelineHome, model.TimelineMentions)
	conn.fail("", social.NewError(social.StatusTransient, "GET", errors.New("503")))

	e := NewEngine(store, []*Account{a}, EngineConfig{}, testLogger)
	_, err := e.SyncAccount(context.Background(), a, model.TimelineUnknown)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if n := conn.callCount(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestSyncAccount_TimelineOutsideConfig(t *testing.T) {
	store := openTestStore(t)
	a, conn := unverifiedAccount(t, store, "alice", "1")
	e := NewEngine(store, []*Account{a}, EngineConfig{}, testLogger)

	if _, err := e.SyncAccount(context.Background(), a, model.TimelineFavorites); err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if conn.call(0).timeline != model.TimelineFavorites || conn.call(0).subjectOid != "1" {
		t.Errorf("call = %+v", conn.call(0))
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_StopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	a, conn := unverifiedAccount(t, store, "alice", "1")
	e := NewEngine(store, []*Account{a}, EngineConfig{PollInterval: time.Hour}, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := e.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if conn.callCount() == 0 {
		t.Error("no immediate first pass")
	}
}

// ---------------------------------------------------------------------------
// Post / DownloadOneMessageBy
// ---------------------------------------------------------------------------

func TestPost_MergesReturnedMessage(t *testing.T) {
	store := openTestStore(t)
	acct, conn := unverifiedAccount(t, store, "alice", "1")
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)
	ctx := context.Background()

	id, err := e.Post(ctx, acct, "hello world", "")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(conn.posted) != 1 || conn.posted[0] != "hello world" {
		t.Errorf("posted = %q", conn.posted)
	}
	row, err := store.GetMessage(ctx, id)
	if err != nil || row == nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if row.SenderID != acct.SubjectID || row.Body != "hello world" || row.Status != model.StatusLoaded {
		t.Errorf("row = %+v", row)
	}
	// The local Sending row adopted the server's oid instead of being duplicated.
	if row.Oid != "posted-hello world" {
		t.Errorf("Oid = %q, want server oid", row.Oid)
	}
	if c := counts(t, store); c.Messages != 1 {
		t.Errorf("messages = %d, want 1", c.Messages)
	}
	if ann := getAnnotation(t, store, acct.SubjectID, id); ann.Subscribed != model.True {
		t.Errorf("own post Subscribed = %v, want true", ann.Subscribed)
	}
	me, _ := store.GetSubject(ctx, acct.SubjectID)
	if me.LatestMsgID != id {
		t.Errorf("account latest message = %d, want %d", me.LatestMsgID, id)
	}
}

func TestPost_Reply(t *testing.T) {
	store := openTestStore(t)
	acct, _ := unverifiedAccount(t, store, "alice", "1")
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)
	ctx := context.Background()

	id, err := e.Post(ctx, acct, "@bob agreed", "77")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	parent := mustMessageID(t, store, acct.OriginID, "77")
	if parent == 0 {
		t.Fatal("reply target not stored")
	}
	row, _ := store.GetMessage(ctx, id)
	if row.InReplyToMsgID != parent {
		t.Errorf("InReplyToMsgID = %d, want %d", row.InReplyToMsgID, parent)
	}
}

func TestPost_FailureKeepsUnsentRow(t *testing.T) {
	store := openTestStore(t)
	acct, conn := unverifiedAccount(t, store, "alice", "1")
	conn.postErr = social.NewError(social.StatusHardError, "POST", errors.New("rejected"))
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)
	ctx := context.Background()

	if _, err := e.Post(ctx, acct, "lost words", ""); err == nil {
		t.Fatal("expected error")
	}
	if c := counts(t, store); c.Messages != 1 {
		t.Fatalf("messages = %d, want the local row", c.Messages)
	}
	row := getMessage(t, store, 1)
	if row.Body != "lost words" || row.Status != model.StatusSoftError || row.Oid != "" {
		t.Errorf("row = %+v", row)
	}
}

func TestFetchMessage(t *testing.T) {
	store := openTestStore(t)
	acct, conn := unverifiedAccount(t, store, "alice", "1")
	o := acct.OriginID
	conn.messages["m9"] = message(o, "m9", user(o, "u7", "gina"), "fetched", ts(3, 1))
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)
	ctx := context.Background()

	id, err := e.FetchMessage(ctx, acct, "m9")
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if id == 0 || mustMessageID(t, store, o, "m9") != id {
		t.Errorf("id = %d, stored as %d", id, mustMessageID(t, store, o, "m9"))
	}
	if row := getMessage(t, store, id); row.SenderID != mustSubjectID(t, store, o, "u7") {
		t.Errorf("row = %+v", row)
	}

	_, err = e.FetchMessage(ctx, acct, "missing")
	if !social.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestDownloadOneMessageBy(t *testing.T) {
	store := openTestStore(t)
	acct, conn := unverifiedAccount(t, store, "alice", "1")
	o := acct.OriginID
	conn.page("",
		item(message(o, "n2", user(o, "u7", "gina"), "newest", ts(2, 2))),
		item(message(o, "n1", user(o, "u7", "gina"), "older", ts(2, 1))),
	)
	e := NewEngine(store, []*Account{acct}, EngineConfig{}, testLogger)

	res, err := e.DownloadOneMessageBy(context.Background(), acct, "u7")
	if err != nil {
		t.Fatalf("DownloadOneMessageBy: %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", res.Downloaded)
	}
	c := conn.call(0)
	if c.timeline != model.TimelineUser || c.subjectOid != "u7" || c.limit != 1 {
		t.Errorf("call = %+v", c)
	}
	if mustMessageID(t, store, o, "n2") == 0 || mustMessageID(t, store, o, "n1") != 0 {
		t.Error("expected only the newest message")
	}
	if pos := loadPosition(t, store, "alice/user/u7"); pos != "n2" {
		t.Errorf("position = %q", pos)
	}
}
