// Package sync implements the subscription synchronizer: periodic polling of
// the remote tracker, change detection against the local cache, and
// notification fan-out.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/mjterry/bzsync/internal/bz"
	"github.com/mjterry/bzsync/internal/cache"
	"github.com/mjterry/bzsync/internal/diff"
	"github.com/mjterry/bzsync/internal/event"
	"github.com/mjterry/bzsync/internal/logger"
	"github.com/mjterry/bzsync/internal/models"
	"github.com/mjterry/bzsync/internal/prefs"
)

// subscriptionFields are the bug fields matched against the account name
// when querying for "bugs relevant to the current user".
var subscriptionFields = []string{
	"cc",
	"reporter",
	"assigned_to",
	"qa_contact",
	"bug_mentor",
	"requestees.login_name",
}

// Engine orchestrates poll cycles over the remote tracker.
type Engine struct {
	cache   *cache.DB
	client  *bz.Client
	bus     *event.Bus
	prefs   *prefs.Store
	account string

	now func() time.Time
}

// NewEngine creates a sync engine for the given account.
func NewEngine(cacheDB *cache.DB, client *bz.Client, bus *event.Bus, prefsStore *prefs.Store, account string) *Engine {
	return &Engine{
		cache:   cacheDB,
		client:  client,
		bus:     bus,
		prefs:   prefsStore,
		account: account,
		now:     time.Now,
	}
}

// FetchSubscriptions runs one poll cycle.
//
// With no stored cursor (first run) it discovers every unresolved bug the
// account is involved in and caches them read, with details to be fetched
// lazily. With a cursor it probes for bug ids changed since the cursor,
// fetches full detail for exactly those ids, diffs each against the cached
// snapshot, persists the merged records and notifies.
//
// The cursor advances as soon as the discovery query succeeds, before the
// detail fetch and merge complete. A crash in between permanently skips
// those changes on the next poll; this matches the long-standing behavior
// and is accepted rather than auto-corrected.
func (e *Engine) FetchSubscriptions() error {
	p, err := e.prefs.Load()
	if err != nil {
		return fmt.Errorf("failed to load prefs: %w", err)
	}
	firstRun := p.FirstRun()

	search := bz.NewSearch().JoinOR()
	if firstRun {
		// Only unresolved bugs at initial startup
		search.Resolution("---")
	} else {
		search.IncludeFields("id").ChangedFrom(p.LastLoaded)
	}
	for _, field := range subscriptionFields {
		search.Clause(field, "equals", e.account)
	}

	// Starred bugs are always re-checked for updates regardless of
	// whether the account still appears in any involvement field.
	starred, err := e.starredIDs()
	if err != nil {
		return err
	}
	if len(starred) > 0 {
		search.IDClause(starred)
	}

	logger.Debug("sync: polling subscriptions (first run: %v)", firstRun)
	result, err := e.client.SearchBugs(search)
	if err != nil {
		return fmt.Errorf("failed to load data: %w", err)
	}

	// Advance the cursor now that the discovery query succeeded.
	p.LastLoaded = e.now()
	if err := e.prefs.Save(p); err != nil {
		return fmt.Errorf("failed to save prefs: %w", err)
	}

	if firstRun {
		return e.initializeBugs(result)
	}

	if len(result) == 0 {
		logger.Debug("sync: no changed bugs")
		return nil
	}

	ids := make([]int64, len(result))
	for i, bug := range result {
		ids[i] = bug.ID
	}

	return e.refreshBugs(ids, p.IgnoreCC())
}

// initializeBugs caches the first-run discovery result. Nothing is new
// relative to an empty cache, so every bug starts read, with sub-resources
// flagged for lazy fetching.
func (e *Engine) initializeBugs(result []models.Bug) error {
	bugs := make([]*models.Bug, len(result))
	for i := range result {
		bug := result[i].Clone()
		bug.Annotations.Unread = false
		bug.Annotations.UpdateNeeded = true
		bugs[i] = bug
	}

	if err := e.cache.SaveAll(bugs); err != nil {
		return fmt.Errorf("failed to save data: %w", err)
	}

	logger.Info("sync: initialized %d bugs", len(bugs))
	return nil
}

// refreshBugs fetches full detail for the given ids, merges each record
// against its cached snapshot and persists the batch, then replays the
// per-record change events and announces the batch.
func (e *Engine) refreshBugs(ids []int64, ignoreCC bool) error {
	detailed, err := e.client.FetchBugs(ids, true, true)
	if err != nil {
		return fmt.Errorf("failed to load data: %w", err)
	}

	type update struct {
		bug    *models.Bug
		events []diff.Event
	}

	updates := make([]update, 0, len(detailed))
	merged := make([]*models.Bug, 0, len(detailed))
	for _, incoming := range detailed {
		cached, err := e.cache.Get(incoming.ID)
		if err != nil {
			return fmt.Errorf("failed to load data: %w", err)
		}

		bug, events := diff.Merge(incoming, cached, ignoreCC)
		updates = append(updates, update{bug: bug, events: events})
		merged = append(merged, bug)
	}

	if err := e.cache.SaveAll(merged); err != nil {
		return fmt.Errorf("failed to save data: %w", err)
	}

	for _, u := range updates {
		for _, ev := range u.events {
			event.Publish(e.bus, event.RecordUpdated{Bug: u.bug, Change: ev})
		}
	}
	event.Publish(e.bus, event.BatchUpdated{Bugs: merged})

	logger.Info("sync: refreshed %d bugs", len(merged))
	return nil
}

// EnsureDetails returns the bug with sub-resources present, fetching and
// merging them if the cached record is metadata-only (or absent entirely).
func (e *Engine) EnsureDetails(id int64) (*models.Bug, error) {
	cached, err := e.cache.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	if cached != nil && !cached.Annotations.UpdateNeeded {
		return cached, nil
	}

	p, err := e.prefs.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load prefs: %w", err)
	}

	incoming, err := e.client.FetchBug(id, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	bug, events := diff.Merge(incoming, cached, p.IgnoreCC())
	if cached != nil {
		// A lazily completed record is not news to the user; the stub was
		// already presented as read on first run.
		bug.Annotations.Unread = cached.Annotations.Unread
	}

	if err := e.cache.Save(bug); err != nil {
		return nil, fmt.Errorf("failed to save data: %w", err)
	}

	for _, ev := range events {
		event.Publish(e.bus, event.RecordUpdated{Bug: bug, Change: ev})
	}

	return bug, nil
}

// starredIDs returns the ids of all cached bugs with a non-empty starred
// comment set.
func (e *Engine) starredIDs() ([]int64, error) {
	bugs, err := e.cache.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	var ids []int64
	for _, bug := range bugs {
		if bug.Annotations.Starred() {
			ids = append(ids, bug.ID)
		}
	}
	return ids, nil
}

// Watch polls subscriptions at the given interval until the context is
// cancelled. Cycles run one at a time; a failed cycle is logged and the
// next tick retries.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := e.FetchSubscriptions(); err != nil {
		logger.Error("sync: poll failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.FetchSubscriptions(); err != nil {
				logger.Error("sync: poll failed: %v", err)
			}
		}
	}
}
