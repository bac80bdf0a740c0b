package sync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mjterry/bzsync/internal/bz"
	"github.com/mjterry/bzsync/internal/cache"
	"github.com/mjterry/bzsync/internal/event"
	"github.com/mjterry/bzsync/internal/models"
	"github.com/mjterry/bzsync/internal/prefs"
)

const account = "alice@example.com"

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	engine *Engine
	cache  *cache.DB
	server *bz.MockServer
	bus    *event.Bus
	prefs  *prefs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := cache.InitDB(filepath.Join(dir, "bugs.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	server := bz.NewMockServer()
	t.Cleanup(server.Close)

	bus := event.NewBus()
	store := prefs.NewStore(filepath.Join(dir, "prefs.yaml"))

	engine := NewEngine(db, bz.New(server.URL, "test-key"), bus, store, account)
	engine.now = func() time.Time { return t2 }

	return &fixture{engine: engine, cache: db, server: server, bus: bus, prefs: store}
}

func trackedBug(id int64) *models.Bug {
	return &models.Bug{
		ID:             id,
		Summary:        "crash on startup",
		Status:         "NEW",
		Creator:        account,
		LastChangeTime: t1,
		Comments: []models.Comment{
			{ID: id * 100, Creator: account, Text: "description", CreationTime: t0},
		},
	}
}

// seedCursor makes the next poll an incremental one.
func (f *fixture) seedCursor(t *testing.T, cursor time.Time) {
	t.Helper()
	if err := f.prefs.Save(&prefs.Prefs{LastLoaded: cursor}); err != nil {
		t.Fatalf("failed to seed cursor: %v", err)
	}
}

func TestFirstRunInitializesRead(t *testing.T) {
	f := newFixture(t)
	f.server.AddBug(trackedBug(42))
	f.server.AddBug(trackedBug(43))

	resolved := trackedBug(50)
	resolved.Status = "RESOLVED"
	resolved.Resolution = "FIXED"
	f.server.AddBug(resolved)

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := f.cache.GetAll()
	if err != nil {
		t.Fatalf("failed to read cache: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("cached %d bugs, want 2 (resolved bugs are excluded on first run)", len(all))
	}
	for _, bug := range all {
		if bug.Annotations.Unread {
			t.Errorf("bug %d should start read on first run", bug.ID)
		}
		if !bug.Annotations.UpdateNeeded {
			t.Errorf("bug %d should be flagged for lazy detail fetch", bug.ID)
		}
		if len(bug.Comments) != 0 {
			t.Errorf("bug %d should be metadata-only after discovery", bug.ID)
		}
	}

	query := f.server.LastSearch()
	if got := query["resolution"]; len(got) != 1 || got[0] != "---" {
		t.Errorf("resolution = %v, want [---]", got)
	}
	if query["chfieldfrom"] != nil {
		t.Error("first run must not restrict by change time")
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatalf("failed to load prefs: %v", err)
	}
	if !p.LastLoaded.Equal(t2) {
		t.Errorf("cursor = %v, want %v", p.LastLoaded, t2)
	}
}

func TestFirstRunQueryCoversInvolvementFields(t *testing.T) {
	f := newFixture(t)
	f.server.AddBug(trackedBug(42))

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := f.server.LastSearch()
	if got := query["j_top"]; len(got) != 1 || got[0] != "OR" {
		t.Errorf("j_top = %v, want [OR]", got)
	}

	fields := make(map[string]bool)
	for i := 0; i < 10; i++ {
		key := "f" + string(rune('0'+i))
		if vs := query[key]; len(vs) == 1 {
			fields[vs[0]] = true
		}
	}
	for _, want := range []string{"cc", "reporter", "assigned_to", "qa_contact", "bug_mentor", "requestees.login_name"} {
		if !fields[want] {
			t.Errorf("query missing involvement clause for %q", want)
		}
	}
}

func TestIncrementalNewBugBecomesUnread(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t0)
	f.server.AddBug(trackedBug(42))

	var records []event.RecordUpdated
	var batches []event.BatchUpdated
	event.Subscribe(f.bus, func(e event.RecordUpdated) { records = append(records, e) })
	event.Subscribe(f.bus, func(e event.BatchUpdated) { batches = append(batches, e) })

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bug, err := f.cache.Get(42)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if bug == nil {
		t.Fatal("bug not cached after incremental poll")
	}
	if !bug.Annotations.Unread {
		t.Error("a bug first seen by an incremental poll should be unread")
	}
	if len(bug.Comments) != 1 {
		t.Error("incremental poll should fetch full detail")
	}

	// No cached snapshot means nothing to replay, but the batch still goes out.
	if len(records) != 0 {
		t.Errorf("got %d RecordUpdated events, want 0", len(records))
	}
	if len(batches) != 1 || len(batches[0].Bugs) != 1 {
		t.Errorf("got batches %v, want one batch with one bug", batches)
	}

	query := f.server.LastSearch()
	if got := query["include_fields"]; len(got) != 1 || got[0] != "id" {
		t.Errorf("include_fields = %v, want [id]", got)
	}
	if query["chfieldfrom"] == nil {
		t.Error("incremental poll must restrict by change time")
	}
}

func TestIncrementalChangedBugReplaysEvents(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t0)

	cached := trackedBug(42)
	cached.Annotations.LastViewed = t0.Add(time.Hour)
	if err := f.cache.Save(cached); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	remote := trackedBug(42)
	remote.LastChangeTime = t1.Add(time.Hour)
	remote.Comments = append(remote.Comments, models.Comment{
		ID: 4201, Creator: "bob@example.com", Text: "me too", CreationTime: t1.Add(time.Hour),
	})
	f.server.AddBug(remote)

	var records []event.RecordUpdated
	event.Subscribe(f.bus, func(e event.RecordUpdated) { records = append(records, e) })

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bug, err := f.cache.Get(42)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !bug.Annotations.Unread {
		t.Error("a new comment should mark the bug unread")
	}
	if len(bug.Comments) != 2 {
		t.Errorf("cached snapshot has %d comments, want 2", len(bug.Comments))
	}

	if len(records) != 1 {
		t.Fatalf("got %d RecordUpdated events, want 1", len(records))
	}
	if records[0].Change.Comment == nil || records[0].Change.Comment.ID != 4201 {
		t.Errorf("replayed event should carry the new comment, got %+v", records[0].Change)
	}
}

func TestIncrementalUnchangedSinceViewStaysRead(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t0)

	cached := trackedBug(42)
	cached.Annotations.LastViewed = t1.Add(time.Hour)
	if err := f.cache.Save(cached); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	// The server copy matches the cache; the probe still returns the id
	// because its change time is after the cursor.
	f.server.AddBug(trackedBug(42))

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bug, err := f.cache.Get(42)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if bug.Annotations.Unread {
		t.Error("no new activity should leave the bug read")
	}
}

func TestIncrementalEmptyResultAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t1.Add(time.Hour))

	// Bug changed before the cursor, so the probe matches nothing.
	f.server.AddBug(trackedBug(42))

	var batches int
	event.Subscribe(f.bus, func(e event.BatchUpdated) { batches++ })

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if batches != 0 {
		t.Errorf("got %d batch events, want 0 for an empty poll", batches)
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatalf("failed to load prefs: %v", err)
	}
	if !p.LastLoaded.Equal(t2) {
		t.Errorf("cursor = %v, want %v even when nothing changed", p.LastLoaded, t2)
	}
}

func TestStarredBugsAlwaysPolled(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t0)

	// A starred bug the account is no longer involved in.
	starred := trackedBug(99)
	starred.Creator = "someone@example.com"
	starred.Annotations.StarredCommentIDs = []int64{9900}
	if err := f.cache.Save(starred); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	remote := trackedBug(99)
	remote.Creator = "someone@example.com"
	f.server.AddBug(remote)

	if err := f.engine.FetchSubscriptions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := f.server.LastSearch()
	found := false
	for key, vs := range query {
		if len(key) == 2 && key[0] == 'f' && len(vs) == 1 && vs[0] == "bug_id" {
			found = true
		}
	}
	if !found {
		t.Errorf("query has no bug_id clause for starred bugs: %v", query)
	}

	bug, err := f.cache.Get(99)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !bug.Annotations.Starred() {
		t.Error("star annotation lost across sync")
	}
}

func TestFetchFailurePreservesCursor(t *testing.T) {
	f := newFixture(t)
	f.seedCursor(t, t0)

	f.server.Close()

	if err := f.engine.FetchSubscriptions(); err == nil {
		t.Fatal("expected error against a closed server")
	}

	p, err := f.prefs.Load()
	if err != nil {
		t.Fatalf("failed to load prefs: %v", err)
	}
	if !p.LastLoaded.Equal(t0) {
		t.Errorf("cursor = %v, want unchanged %v after a failed poll", p.LastLoaded, t0)
	}
}

func TestEnsureDetailsCompletesStub(t *testing.T) {
	f := newFixture(t)
	f.server.AddBug(trackedBug(42))

	// A first-run stub: metadata only, read, flagged for completion.
	stub := trackedBug(42)
	stub.Comments = nil
	stub.Annotations.UpdateNeeded = true
	if err := f.cache.Save(stub); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	bug, err := f.engine.EnsureDetails(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bug.Comments) != 1 {
		t.Errorf("got %d comments, want details fetched", len(bug.Comments))
	}
	if bug.Annotations.UpdateNeeded {
		t.Error("update_needed should be cleared after completion")
	}
	if bug.Annotations.Unread {
		t.Error("completing a stub lazily is not news; the bug stays read")
	}

	cached, err := f.cache.Get(42)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if len(cached.Comments) != 1 || cached.Annotations.UpdateNeeded {
		t.Error("completed record not persisted")
	}
}

func TestEnsureDetailsReturnsCachedWhenComplete(t *testing.T) {
	f := newFixture(t)
	// No server bug: a network fetch would fail, proving the cache short-circuit.

	full := trackedBug(42)
	if err := f.cache.Save(full); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	bug, err := f.engine.EnsureDetails(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bug.ID != 42 || len(bug.Comments) != 1 {
		t.Errorf("cached record not returned: %+v", bug)
	}
}
