package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
)

const (
	// DefaultFetchLimit is the item quota of one timeline run.
	DefaultFetchLimit = 200

	// maxRounds caps the pages fetched in one run.
	maxRounds = 100
)

// ErrNoLastPosition is returned when the backend reports "not found" for a
// request that carried no cursor at all.
var ErrNoLastPosition = errors.New("no last position")

// DownloaderConfig tunes a [Downloader].
type DownloaderConfig struct {
	// FetchLimit is the default item quota. Zero means DefaultFetchLimit.
	FetchLimit int

	// DontSyncOlderThan forces a full resync when the last download is
	// older than this. Zero disables the check.
	DontSyncOlderThan time.Duration

	Filter *KeywordFilter

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Downloader paginates one timeline of one account and merges every item
// it receives. Create one per run with [NewDownloader].
type Downloader struct {
	store Store
	req   Request
	cfg   DownloaderConfig
	log   *slog.Logger
}

// NewDownloader creates a Downloader for req. req.Account.SubjectID must be
// set.
func NewDownloader(store Store, req Request, cfg DownloaderConfig, logger *slog.Logger) *Downloader {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultFetchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Downloader{store: store, req: req, cfg: cfg, log: logger}
}

// Key returns the tracker key of the request.
func (d *Downloader) Key() string {
	subjectOid, query := d.scope()
	if subjectOid == d.req.Account.UserOid {
		subjectOid = ""
	}
	return TimelineKey(d.req.Account.Name, d.req.Timeline, subjectOid, query)
}

// scope returns the subject oid and search query the request applies to.
func (d *Downloader) scope() (subjectOid, query string) {
	acct := d.req.Account
	if d.req.Timeline.ForSubject() {
		subjectOid = d.req.SubjectOid
		if subjectOid == "" {
			subjectOid = acct.UserOid
		}
	}
	if d.req.Timeline == model.TimelineSearch {
		query = d.req.SearchQuery
		if query == "" {
			query = acct.SearchQuery
		}
	}
	return subjectOid, query
}

// Download runs the timeline sync. Rows merged before a failure stay in
// the store and the pending-write batch is flushed either way; the tracker
// is saved only when the run completes.
func (d *Downloader) Download(ctx context.Context) (Result, error) {
	acct := d.req.Account
	subjectOid, query := d.scope()
	if d.req.Timeline == model.TimelineSearch && query == "" {
		return Result{}, fmt.Errorf("search timeline of %q has no query", acct.Name)
	}

	tracker, err := LoadTracker(ctx, d.store, d.Key(), d.cfg.DontSyncOlderThan, d.cfg.Now())
	if err != nil {
		return Result{}, err
	}
	tracker.MarkDownloaded(d.cfg.Now())

	latest := NewLatestSubjectMessages()
	ins := NewInserter(d.store, acct, d.req.Timeline, d.cfg.Filter, latest, d.log)
	if subjectOid != "" && subjectOid != acct.UserOid {
		owner, err := d.store.SubjectIDByOid(ctx, acct.OriginID, subjectOid)
		if err != nil {
			return Result{}, err
		}
		ins.ownerID = owner
	}

	limit := d.req.Limit
	if limit <= 0 {
		limit = d.cfg.FetchLimit
	}

	d.log.Debug("downloading timeline",
		"timeline", tracker.Key(),
		"mode", tracker.Mode(),
		"position", tracker.Position(),
		"limit", limit,
	)

	received, runErr := d.paginate(ctx, tracker, ins, limit, subjectOid, query)
	d.log.Debug("timeline items received", "timeline", tracker.Key(), "items", received)

	if err := latest.Save(ctx, d.store); err != nil {
		d.log.Error("saving latest messages failed", "timeline", tracker.Key(), "error", err)
	}

	res := ins.Result()
	if runErr != nil {
		return res, runErr
	}

	if err := tracker.Save(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Downloader) paginate(ctx context.Context, tracker *Tracker, ins *Inserter, quota int, subjectOid, query string) (int, error) {
	conn := d.req.Account.Conn
	timeline := d.req.Timeline
	received := 0
	retried := false

	for round := 0; ; round++ {
		if round >= maxRounds {
			d.log.Warn("round limit reached", "timeline", tracker.Key(), "rounds", round)
			break
		}
		if err := ctx.Err(); err != nil {
			return received, err
		}

		pos := tracker.Position()
		pageLimit := conn.FixedDownloadLimit(quota, timeline)

		var items []model.TimelineItem
		var err error
		if timeline == model.TimelineSearch {
			items, err = conn.Search(ctx, pos, pageLimit, query)
		} else {
			items, err = conn.GetTimeline(ctx, timeline, pos, pageLimit, subjectOid)
		}
		if err != nil {
			if !social.IsNotFound(err) {
				return received, err
			}
			if pos.IsEmpty() {
				return received, social.NewError(social.StatusHardError, "download "+tracker.Key(),
					fmt.Errorf("%w: %w", ErrNoLastPosition, err))
			}
			if retried {
				return received, err
			}
			retried = true
			d.log.Warn("last position not found, restarting from the top",
				"timeline", tracker.Key(), "position", pos)
			tracker.Clear()
			continue
		}

		for _, item := range items {
			quota--
			received++
			tracker.Advance(item.Position, item.Date)
			switch item.Kind {
			case model.ItemMessage:
				ins.MergeMessage(ctx, item.Message)
			case model.ItemSubject:
				ins.MergeSubject(ctx, item.Subject)
			}
		}

		if quota <= 0 || tracker.Position() == pos {
			break
		}
	}
	return received, nil
}
