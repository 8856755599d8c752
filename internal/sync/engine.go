package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
	"github.com/njoerd114/timelinerelay/internal/state"
)

const (
	otelScope        = "timelinerelay/sync"
	spanTimeline     = "sync.timeline"
	metricNew        = "timelinerelay.sync.messages.new"
	metricMentions   = "timelinerelay.sync.messages.mentions"
	metricDirects    = "timelinerelay.sync.messages.directs"
	metricDownloaded = "timelinerelay.sync.messages.downloaded"
	metricErrors     = "timelinerelay.sync.errors"

	defaultPoll    = 10 * time.Minute
	defaultWorkers = 2
)

// EngineConfig holds the tunables shared by all runs.
type EngineConfig struct {
	PollInterval      time.Duration
	FetchLimit        int
	Workers           int
	DontSyncOlderThan time.Duration
	Filter            *KeywordFilter
}

// Selection narrows a pass to one account and/or one timeline. The zero
// value selects everything.
type Selection struct {
	Account  string
	Timeline model.TimelineType
}

// Engine runs timeline syncs for all configured accounts. Create one with
// [NewEngine] and start it with [Engine.Run].
type Engine struct {
	store    Store
	accounts []*Account
	cfg      EngineConfig
	log      *slog.Logger
	now      func() time.Time

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntNew        metric.Int64Counter
	cntMentions   metric.Int64Counter
	cntDirects    metric.Int64Counter
	cntDownloaded metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(store Store, accounts []*Account, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store:    store,
		accounts: accounts,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,

		tracer:        tracer,
		cntNew:        mustCounter(metricNew, "Number of new messages merged"),
		cntMentions:   mustCounter(metricMentions, "Number of new messages mentioning the account"),
		cntDirects:    mustCounter(metricDirects, "Number of new direct messages"),
		cntDownloaded: mustCounter(metricDownloaded, "Number of newer, unfiltered messages downloaded"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// Account returns the configured account with the given name, or nil.
func (e *Engine) Account(name string) *Account {
	for _, a := range e.accounts {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// VerifyAccount checks the account's credentials and merges its own
// subject, setting acct.SubjectID. A verified identity that differs from
// the configured user oid is a CredentialsOfOtherUser error.
func (e *Engine) VerifyAccount(ctx context.Context, acct *Account) error {
	s, err := acct.Conn.VerifyCredentials(ctx)
	if err != nil {
		return fmt.Errorf("verifying credentials of %q: %w", acct.Name, err)
	}
	if acct.UserOid != "" && s.Oid != acct.UserOid {
		return social.NewError(social.StatusCredentialsOfOtherUser, "verify "+acct.Name,
			fmt.Errorf("credentials belong to %q, expected %q", s.Oid, acct.UserOid))
	}
	if s.OriginID == 0 {
		s.OriginID = acct.OriginID
	}
	s.Partial = false

	ins := NewInserter(e.store, acct, model.TimelineUnknown, nil, nil, e.log)
	id, err := ins.mergeSubject(ctx, s, 0)
	if err != nil {
		return fmt.Errorf("storing subject of %q: %w", acct.Name, err)
	}
	acct.SubjectID = id
	acct.UserOid = s.Oid
	if acct.Username == "" {
		acct.Username = s.Username
	}
	e.log.Debug("account verified", "account", acct.Name, "oid", s.Oid, "subject_id", id)
	return nil
}

// SyncTimeline runs one timeline sync, recording a trace span and metrics.
func (e *Engine) SyncTimeline(ctx context.Context, req Request) (Result, error) {
	if req.Account.SubjectID == 0 {
		if err := e.VerifyAccount(ctx, req.Account); err != nil {
			return Result{}, err
		}
	}

	runID := uuid.NewString()
	log := e.log.With("run", runID, "account", req.Account.Name, "timeline", req.Timeline.String())

	ctx, span := e.tracer.Start(ctx, spanTimeline, trace.WithAttributes(
		attribute.String("sync.account", req.Account.Name),
		attribute.String("sync.timeline", req.Timeline.String()),
		attribute.String("sync.run", runID),
	))
	defer span.End()

	d := NewDownloader(e.store, req, DownloaderConfig{
		FetchLimit:        e.cfg.FetchLimit,
		DontSyncOlderThan: e.cfg.DontSyncOlderThan,
		Filter:            e.cfg.Filter,
		Now:               e.now,
	}, log)
	res, err := d.Download(ctx)

	// Counters are always safe even if the span is a no-op.
	if res.Downloaded > 0 {
		e.cntDownloaded.Add(ctx, int64(res.Downloaded))
	}
	if res.NewMessages > 0 {
		e.cntNew.Add(ctx, int64(res.NewMessages))
	}
	if res.Mentions > 0 {
		e.cntMentions.Add(ctx, int64(res.Mentions))
	}
	if res.Directs > 0 {
		e.cntDirects.Add(ctx, int64(res.Directs))
	}
	errCount := res.Errors
	if err != nil {
		errCount++
	}
	if errCount > 0 {
		e.cntErrors.Add(ctx, int64(errCount))
	}

	span.SetAttributes(
		attribute.Int("sync.downloaded", res.Downloaded),
		attribute.Int("sync.new", res.NewMessages),
		attribute.Int("sync.mentions", res.Mentions),
		attribute.Int("sync.directs", res.Directs),
		attribute.Int("sync.errors", res.Errors),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, social.StatusOf(err).String())
		log.Error("timeline sync failed", "status", social.StatusOf(err), "error", err)
		return res, fmt.Errorf("syncing %s of %q: %w", req.Timeline, req.Account.Name, err)
	}

	log.Info("timeline synced",
		"downloaded", res.Downloaded,
		"new", res.NewMessages,
		"mentions", res.Mentions,
		"directs", res.Directs,
		"errors", res.Errors,
	)
	return res, nil
}

// SyncAccount syncs the selected timelines of acct one after another. An
// authentication failure stops the account; other failures are collected
// and the next timeline is tried.
func (e *Engine) SyncAccount(ctx context.Context, acct *Account, only model.TimelineType) (Result, error) {
	var total Result
	if err := e.VerifyAccount(ctx, acct); err != nil {
		return total, err
	}

	timelines := acct.Timelines
	if only != model.TimelineUnknown {
		timelines = []model.TimelineType{only}
	}

	var errs []error
	for _, tl := range timelines {
		res, err := e.SyncTimeline(ctx, Request{Account: acct, Timeline: tl})
		total.Add(res)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		switch social.StatusOf(err) {
		case social.StatusAuthentication, social.StatusCredentialsOfOtherUser:
			return total, errors.Join(errs...)
		}
		if ctx.Err() != nil {
			return total, errors.Join(errs...)
		}
	}
	return total, errors.Join(errs...)
}

// RunOnce performs a single pass over the selected accounts, syncing up to
// Workers accounts concurrently.
func (e *Engine) RunOnce(ctx context.Context, sel Selection) (Result, error) {
	var (
		mu    sync.Mutex
		total Result
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(e.cfg.Workers)

	matched := 0
	for _, acct := range e.accounts {
		if sel.Account != "" && acct.Name != sel.Account {
			continue
		}
		matched++
		g.Go(func() error {
			res, err := e.SyncAccount(ctx, acct, sel.Timeline)
			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if sel.Account != "" && matched == 0 {
		return total, fmt.Errorf("unknown account %q", sel.Account)
	}

	e.log.Info("sync pass complete",
		"accounts", matched,
		"downloaded", total.Downloaded,
		"new", total.NewMessages,
		"mentions", total.Mentions,
		"directs", total.Directs,
		"errors", total.Errors+len(errs),
	)
	return total, errors.Join(errs...)
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if _, err := e.RunOnce(ctx, Selection{}); err != nil {
		e.log.Error("initial sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx, Selection{}); err != nil {
				e.log.Error("sync failed", "error", err)
			}
		}
	}
}

// DownloadOneMessageBy fetches the newest message of the subject with the
// given oid and merges it, e.g. right after following someone.
func (e *Engine) DownloadOneMessageBy(ctx context.Context, acct *Account, subjectOid string) (Result, error) {
	return e.SyncTimeline(ctx, Request{
		Account:    acct,
		Timeline:   model.TimelineUser,
		SubjectOid: subjectOid,
		Limit:      1,
	})
}

// FetchMessage downloads the message with the given oid and merges it. It
// returns the local id of the message.
func (e *Engine) FetchMessage(ctx context.Context, acct *Account, oid string) (int64, error) {
	if acct.SubjectID == 0 {
		if err := e.VerifyAccount(ctx, acct); err != nil {
			return 0, err
		}
	}
	m, err := acct.Conn.GetMessage(ctx, oid)
	if err != nil {
		return 0, fmt.Errorf("fetching message %q as %q: %w", oid, acct.Name, err)
	}
	id, err := e.mergeOne(ctx, acct, m)
	if err != nil {
		return 0, err
	}
	e.log.Info("message fetched", "account", acct.Name, "oid", oid, "id", id)
	return id, nil
}

// Post publishes body from acct, optionally as a reply, and merges the
// message the server returns. A local Sending row is written first and
// adopts the server's oid once the post succeeds; if it fails the row is
// kept with status SoftError. It returns the local id of the message.
func (e *Engine) Post(ctx context.Context, acct *Account, body, inReplyToOid string) (int64, error) {
	if acct.SubjectID == 0 {
		if err := e.VerifyAccount(ctx, acct); err != nil {
			return 0, err
		}
	}
	self := func() *model.Subject { return model.NewSubjectRef(acct.OriginID, acct.UserOid, acct.Username) }
	replyStub := func() *model.Message {
		if inReplyToOid == "" {
			return nil
		}
		return &model.Message{OriginID: acct.OriginID, Oid: inReplyToOid}
	}

	localID, err := e.mergeOne(ctx, acct, &model.Message{
		OriginID:    acct.OriginID,
		Sender:      self(),
		Body:        body,
		Status:      model.StatusSending,
		CreatedDate: time.Now().UTC(),
		InReplyTo:   replyStub(),
	})
	if err != nil {
		return 0, err
	}

	m, err := acct.Conn.UpdateStatus(ctx, body, inReplyToOid)
	if err != nil {
		if uerr := e.store.UpdateMessage(ctx, localID, &state.MessageRow{Status: model.StatusSoftError}); uerr != nil {
			e.log.Error("marking unsent message failed", "id", localID, "error", uerr)
		}
		return 0, fmt.Errorf("posting as %q: %w", acct.Name, err)
	}
	m.ID = localID
	m.Status = model.StatusLoaded
	if m.Sender.IsEmpty() {
		m.Sender = self()
	}
	if m.InReplyTo == nil {
		m.InReplyTo = replyStub()
	}

	id, err := e.mergeOne(ctx, acct, m)
	if err != nil {
		return 0, err
	}
	e.log.Info("message posted", "account", acct.Name, "oid", m.Oid, "id", id)
	return id, nil
}

// mergeOne merges a single message outside of any timeline and flushes the
// latest-message batch.
func (e *Engine) mergeOne(ctx context.Context, acct *Account, m *model.Message) (int64, error) {
	latest := NewLatestSubjectMessages()
	ins := NewInserter(e.store, acct, model.TimelineUnknown, nil, latest, e.log)
	id := ins.MergeMessage(ctx, m)
	if err := latest.Save(ctx, e.store); err != nil {
		e.log.Error("saving latest messages failed", "error", err)
	}
	if id == 0 {
		return 0, fmt.Errorf("storing message %q failed", m.Oid)
	}
	return id, nil
}
