// Package crawler drives the Remote Client through an initial full
// enumeration and then an infinite longpoll loop, applying every batch to
// the Index and scheduling periodic snapshots. Grounded on
// backend/dropbox/dropbox.go's ChangeNotify/changeNotifyRunner pair, which
// is the one place in the retrieved corpus that actually loops
// list/list_continue/longpoll against a cursor and honors the longpoll
// Backoff field.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jhammerschmidt/dropboxfs/internal/model"
	"github.com/jhammerschmidt/dropboxfs/internal/remote"
	"github.com/jhammerschmidt/dropboxfs/internal/snapshot"
)

// State is the crawler's lifecycle stage.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateInitialCrawl
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateInitialCrawl:
		return "initial-crawl"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// longpollTimeout is the server-side timeout passed to every Longpoll call.
const longpollTimeout = 30 * time.Second

// Default snapshot scheduling thresholds. Either one being crossed triggers
// a save.
const (
	defaultSaveInterval        = 120 * time.Second
	defaultSaveIntervalEntries = 500
)

// Config is the set of parameters Crawler.Init consumes, matching the CLI
// surface's init action.
type Config struct {
	Token       string
	BasePath    string
	LocalFolder string

	SaveInterval        time.Duration
	SaveIntervalEntries int
}

// Crawler owns every piece of mutable state the original kept as module
// globals (root, crawl_cursor, update_cursor, finished, stop_request,
// updated_entries, last_save), aggregated into one instance instead.
type Crawler struct {
	client remote.Client
	store  *snapshot.Store
	log    *logrus.Entry

	basePath    string
	localFolder string
	token       string

	saveInterval        time.Duration
	saveIntervalEntries int

	index *model.Index

	mu                sync.Mutex
	state             State
	crawlCursor       *string
	updateCursor      string
	finishedCrawling  bool
	updatedEntries    int
	lastSave          time.Time
	spaceUsed         uint64
	spaceAllocated    uint64
	onInitialCrawlFns []func()

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New returns a Crawler talking to client through store, logging under log.
func New(client remote.Client, store *snapshot.Store, log *logrus.Entry) *Crawler {
	return &Crawler{
		client:              client,
		store:               store,
		log:                 log,
		saveInterval:        defaultSaveInterval,
		saveIntervalEntries: defaultSaveIntervalEntries,
		index:               model.NewIndex(""),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
}

// Index returns the live tree the FS Adapter reads from.
func (c *Crawler) Index() *model.Index { return c.index }

// State reports the current lifecycle stage.
func (c *Crawler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalFolder returns the configured pre-seeded local mirror path, if any.
func (c *Crawler) LocalFolder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localFolder
}

// SpaceUsage returns the most recently fetched quota figures.
func (c *Crawler) SpaceUsage() (used, allocated uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spaceUsed, c.spaceAllocated
}

// OnFinishedInitialCrawl registers fn to be called exactly once, the first
// time the crawler finishes its initial full enumeration.
func (c *Crawler) OnFinishedInitialCrawl(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedCrawling {
		c.mu.Unlock()
		fn()
		c.mu.Lock()
		return
	}
	c.onInitialCrawlFns = append(c.onInitialCrawlFns, fn)
}

// Init sets configuration, confirms the token is valid, obtains the initial
// update cursor, and starts from an empty root. Transitions to Initialized.
func (c *Crawler) Init(ctx context.Context, cfg Config) error {
	if err := c.client.CheckToken(ctx); err != nil {
		return fmt.Errorf("crawler: init: %w", err)
	}
	cursor, err := c.client.GetLatestCursor(ctx, cfg.BasePath, true, false)
	if err != nil {
		return fmt.Errorf("crawler: init: fetching latest cursor: %w", err)
	}

	c.mu.Lock()
	c.token = cfg.Token
	c.basePath = cfg.BasePath
	c.localFolder = cfg.LocalFolder
	if cfg.SaveInterval > 0 {
		c.saveInterval = cfg.SaveInterval
	}
	if cfg.SaveIntervalEntries > 0 {
		c.saveIntervalEntries = cfg.SaveIntervalEntries
	}
	c.updateCursor = cursor
	c.lastSave = time.Now()
	c.state = StateInitialized
	c.mu.Unlock()

	c.index.SetRoot(model.NewFolder(""))
	return nil
}

// LoadSnapshot reads the Snapshot Store and reconstructs configuration,
// cursors, and the tree from it. Errors are wrapped with %w, so a version
// mismatch stays detectable with errors.Is(err, snapshot.ErrVersionMismatch)
// (exit code 1, per the external interface contract).
func (c *Crawler) LoadSnapshot() error {
	snap, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("crawler: load snapshot: %w", err)
	}

	c.mu.Lock()
	c.token = snap.DBToken
	c.basePath = snap.RootPath
	c.localFolder = snap.LocalFolder
	c.crawlCursor = snap.CrawlCursor
	c.updateCursor = snap.UpdateCursor
	c.finishedCrawling = snap.FinishedCrawling
	c.lastSave = snap.LastSave
	c.state = StateInitialized
	c.mu.Unlock()

	c.index.SetRoot(snap.Root)
	return nil
}

// Run executes the worker loop until Stop is called or an unrecoverable
// error occurs. It blocks until the crawler has fully wound down.
func (c *Crawler) Run(ctx context.Context) error {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return c.finalSnapshot()
		default:
		}

		c.refreshSpaceUsage(ctx)

		if !c.finished() {
			c.setState(StateInitialCrawl)
			if err := c.runInitialCrawl(ctx); err != nil {
				return err
			}
			continue
		}

		c.setState(StateLive)
		if stopping, err := c.runLivePhase(ctx); err != nil {
			return err
		} else if stopping {
			return c.finalSnapshot()
		}
	}
}

func (c *Crawler) finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedCrawling
}

func (c *Crawler) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Crawler) refreshSpaceUsage(ctx context.Context) {
	usage, err := c.client.SpaceUsage(ctx)
	if err != nil {
		c.log.WithError(err).Warn("fetching space usage failed")
		return
	}
	c.mu.Lock()
	c.spaceUsed = usage.Used
	c.spaceAllocated = usage.Allocated
	c.mu.Unlock()
}

// runInitialCrawl performs the initial full enumeration: a recursive List,
// then List_continue until the server reports no more batches. On
// completion it marks finished_crawling, snapshots, and fires the one-shot
// callback.
func (c *Crawler) runInitialCrawl(ctx context.Context) error {
	c.mu.Lock()
	cursor := c.crawlCursor
	basePath := c.basePath
	c.mu.Unlock()

	if cursor == nil {
		res, err := c.client.List(ctx, basePath, true)
		if err != nil {
			return c.handleLoopErr(err, "initial list")
		}
		c.applyAndAccount(res.Entries)
		c.setCrawlCursor(res.Cursor, res.HasMore)
	}

	for {
		if c.stopRequested() {
			return nil
		}
		c.mu.Lock()
		cur := c.crawlCursor
		c.mu.Unlock()
		if cur == nil {
			break
		}
		res, err := c.client.ListContinue(ctx, *cur)
		if err != nil {
			if fatal := c.handleLoopErr(err, "initial list_continue"); fatal != nil {
				return fatal
			}
			continue
		}
		c.applyAndAccount(res.Entries)
		c.setCrawlCursor(res.Cursor, res.HasMore)
		c.maybeSnapshot(ctx)
	}

	c.mu.Lock()
	c.finishedCrawling = true
	fns := c.onInitialCrawlFns
	c.onInitialCrawlFns = nil
	c.mu.Unlock()

	if err := c.snapshotNow(ctx); err != nil {
		c.log.WithError(err).Error("snapshot after initial crawl failed")
	}
	for _, fn := range fns {
		fn()
	}
	return nil
}

// setCrawlCursor advances crawl_cursor to the cursor the batch call
// returned, never earlier: the cursor stored always corresponds exactly to
// the batch that was just applied. hasMore=false clears the cursor so the
// next Run() iteration sees finished_crawling and moves on.
func (c *Crawler) setCrawlCursor(cursor string, hasMore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !hasMore {
		c.crawlCursor = nil
		return
	}
	cc := cursor
	c.crawlCursor = &cc
}

// runLivePhase loops longpoll/list_continue until stop is requested or a
// fatal error occurs; transient errors are logged and the loop goes on with
// its next iteration. The returned bool is true when the crawler should
// shut down.
func (c *Crawler) runLivePhase(ctx context.Context) (stopping bool, err error) {
	for {
		if c.stopRequested() {
			return true, nil
		}

		c.mu.Lock()
		cursor := c.updateCursor
		c.mu.Unlock()

		res, lpErr := c.client.Longpoll(ctx, cursor, longpollTimeout)
		if lpErr != nil {
			if handled := c.handleLoopErr(lpErr, "longpoll"); handled != nil {
				return false, handled
			}
			continue
		}

		if res.Backoff > 0 {
			c.log.WithField("seconds", res.Backoff.Seconds()).Debug("longpoll asked us to back off")
			select {
			case <-time.After(res.Backoff):
			case <-c.stopCh:
				return true, nil
			}
		}

		if c.stopRequested() {
			return true, nil
		}

		if !res.Changes {
			continue
		}

		lres, lcErr := c.client.ListContinue(ctx, cursor)
		if lcErr != nil {
			if handled := c.handleLoopErr(lcErr, "live list_continue"); handled != nil {
				return false, handled
			}
			continue
		}
		c.applyAndAccount(lres.Entries)
		c.mu.Lock()
		c.updateCursor = lres.Cursor
		c.mu.Unlock()
		c.maybeSnapshot(ctx)
	}
}

func (c *Crawler) applyAndAccount(entries []model.Entry) {
	if len(entries) == 0 {
		return
	}
	c.index.ApplyBatch(entries)
	c.mu.Lock()
	c.updatedEntries += len(entries)
	c.mu.Unlock()
}

// maybeSnapshot saves when either scheduling threshold has been crossed.
func (c *Crawler) maybeSnapshot(ctx context.Context) {
	c.mu.Lock()
	due := time.Since(c.lastSave) > c.saveInterval || c.updatedEntries >= c.saveIntervalEntries
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.snapshotNow(ctx); err != nil {
		c.log.WithError(err).Error("periodic snapshot failed")
	}
}

// snapshotNow serializes the current state. Root() hands back the live
// tree, not a copy; no mutation interleaves with its serialization because
// snapshotNow and ApplyBatch both run only on the crawler's own goroutine.
// Unlike the original's single-threaded cooperative model, there's no
// separate "finished" flag to clear and restore.
func (c *Crawler) snapshotNow(ctx context.Context) error {
	c.mu.Lock()
	snap := snapshot.Snapshot{
		RootPath:         c.basePath,
		DBToken:          c.token,
		LocalFolder:      c.localFolder,
		Root:             c.index.Root(),
		CrawlCursor:      c.crawlCursor,
		UpdateCursor:     c.updateCursor,
		FinishedCrawling: c.finishedCrawling,
		LastSave:         time.Now(),
	}
	c.mu.Unlock()

	if err := c.store.Save(snap); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastSave = snap.LastSave
	c.updatedEntries = 0
	c.mu.Unlock()
	return nil
}

// handleLoopErr absorbs a transient transport error (log and retry the
// loop) and returns nil; when the error is fatal (auth failure) it returns
// it wrapped with the op name, so the caller can stop the crawler and
// report it.
func (c *Crawler) handleLoopErr(err error, op string) error {
	if errors.Is(err, remote.ErrAuth) {
		return fmt.Errorf("crawler: %s: %w", op, err)
	}
	c.log.WithError(err).WithField("op", op).Warn("transient error, will retry")
	return nil
}

// Stop requests cooperative shutdown: the crawl/longpoll loops observe it
// at their next iteration boundary, take a final snapshot, and exit. It is
// safe to call more than once.
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done returns a channel that is closed once Run has fully returned.
func (c *Crawler) Done() <-chan struct{} { return c.doneCh }

func (c *Crawler) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Crawler) finalSnapshot() error {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return c.snapshotNow(context.Background())
}
