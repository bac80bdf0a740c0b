package diff

import (
	"testing"
	"time"

	"github.com/mjterry/bzsync/internal/models"
)

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
	t3 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
)

func baseBug() *models.Bug {
	return &models.Bug{
		ID:             7,
		Summary:        "crash on startup",
		Status:         "NEW",
		LastChangeTime: t1,
		Comments: []models.Comment{
			{ID: 100, Creator: "alice@example.com", Text: "description", CreationTime: t0},
		},
	}
}

func TestMergeUncachedBugIsUnread(t *testing.T) {
	incoming := baseBug()

	merged, events := Merge(incoming, nil, true)

	if !merged.Annotations.Unread {
		t.Error("expected bug entering the cache to be unread")
	}
	if len(events) != 0 {
		t.Errorf("expected no events without a cached version, got %d", len(events))
	}
}

func TestMergeIdenticalRecordIsIdempotent(t *testing.T) {
	for _, unread := range []bool{true, false} {
		cached := baseBug()
		cached.Annotations.Unread = unread
		cached.Annotations.LastViewed = t1

		merged, events := Merge(baseBug(), cached, true)

		if merged.Annotations.Unread != unread {
			t.Errorf("unread flipped from %v to %v on identical re-diff", unread, merged.Annotations.Unread)
		}
		if len(events) != 0 {
			t.Errorf("expected no events on identical re-diff, got %d", len(events))
		}
	}
}

func TestMergeCopiesAnnotations(t *testing.T) {
	cached := baseBug()
	cached.Annotations = models.Annotations{
		Unread:            true,
		StarredCommentIDs: []int64{100},
		LastViewed:        t1,
		UpdateNeeded:      true,
	}

	merged, _ := Merge(baseBug(), cached, true)

	if !merged.Annotations.Unread {
		t.Error("unread annotation not copied")
	}
	if len(merged.Annotations.StarredCommentIDs) != 1 || merged.Annotations.StarredCommentIDs[0] != 100 {
		t.Errorf("starred comment ids not copied: %v", merged.Annotations.StarredCommentIDs)
	}
	if !merged.Annotations.LastViewed.Equal(t1) {
		t.Error("last viewed not copied")
	}
	if merged.Annotations.UpdateNeeded {
		t.Error("update_needed should be cleared after a detailed merge")
	}
}

func TestMergeNewCommentMarksUnread(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t2
	incoming.Comments = append(incoming.Comments, models.Comment{
		ID: 101, Creator: "bob@example.com", Text: "me too", CreationTime: t2,
	})

	merged, events := Merge(incoming, cached, true)

	if !merged.Annotations.Unread {
		t.Error("expected new comment to mark the bug unread")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if !events[0].Time.Equal(t2) {
		t.Errorf("event time = %v, want %v", events[0].Time, t2)
	}
	if events[0].Comment == nil || events[0].Comment.ID != 101 {
		t.Errorf("event should carry comment 101, got %+v", events[0].Comment)
	}
	if events[0].Attachment != nil || events[0].History != nil {
		t.Error("event should carry only the comment")
	}
}

func TestMergeCCOnlyChangeStaysRead(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t2
	incoming.History = []models.HistoryEntry{
		{When: t2, Who: "carol@example.com", Changes: []models.Change{
			{FieldName: "cc", Added: "carol@example.com"},
		}},
	}

	merged, events := Merge(incoming, cached, true)

	if merged.Annotations.Unread {
		t.Error("CC-only change should leave a read bug read")
	}
	if len(events) != 1 {
		t.Errorf("CC-only change still produces a replay event, got %d", len(events))
	}
}

func TestMergeNonCCChangeMarksUnread(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t2
	incoming.History = []models.HistoryEntry{
		{When: t2, Who: "carol@example.com", Changes: []models.Change{
			{FieldName: "cc", Added: "carol@example.com"},
			{FieldName: "status", Removed: "NEW", Added: "ASSIGNED"},
		}},
	}

	merged, _ := Merge(incoming, cached, true)

	if !merged.Annotations.Unread {
		t.Error("non-CC field change should mark the bug unread")
	}
}

func TestMergeUnreadTriggers(t *testing.T) {
	tests := []struct {
		name       string
		ignoreCC   bool
		setup      func(cached, incoming *models.Bug)
		wantUnread bool
	}{
		{
			name:       "cc preference disabled forces unread",
			ignoreCC:   false,
			setup:      func(cached, incoming *models.Bug) {},
			wantUnread: true,
		},
		{
			name:     "already unread stays unread",
			ignoreCC: true,
			setup: func(cached, incoming *models.Bug) {
				cached.Annotations.Unread = true
			},
			wantUnread: true,
		},
		{
			name:       "never viewed stays unread",
			ignoreCC:   true,
			setup:      func(cached, incoming *models.Bug) { cached.Annotations.LastViewed = time.Time{} },
			wantUnread: true,
		},
		{
			name:     "new attachment marks unread",
			ignoreCC: true,
			setup: func(cached, incoming *models.Bug) {
				incoming.LastChangeTime = t2
				incoming.Attachments = []models.Attachment{
					{ID: 9, Creator: "dave@example.com", FileName: "patch.diff", CreationTime: t2},
				}
			},
			wantUnread: true,
		},
		{
			name:       "no changes at all stays read",
			ignoreCC:   true,
			setup:      func(cached, incoming *models.Bug) {},
			wantUnread: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cached := baseBug()
			cached.Annotations.LastViewed = t1
			incoming := baseBug()
			tt.setup(cached, incoming)

			merged, _ := Merge(incoming, cached, tt.ignoreCC)
			if merged.Annotations.Unread != tt.wantUnread {
				t.Errorf("unread = %v, want %v", merged.Annotations.Unread, tt.wantUnread)
			}
		})
	}
}

func TestMergeSimultaneousEntriesShareOneEvent(t *testing.T) {
	// Posting an attachment adds a comment and a history entry at the same
	// instant; the replay combines them into a single event.
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t2
	incoming.Comments = append(incoming.Comments, models.Comment{
		ID: 101, Creator: "dave@example.com", Text: "Created attachment 9", CreationTime: t2,
	})
	incoming.Attachments = []models.Attachment{
		{ID: 9, Creator: "dave@example.com", FileName: "patch.diff", CreationTime: t2},
	}
	incoming.History = []models.HistoryEntry{
		{When: t2, Who: "dave@example.com", Changes: []models.Change{
			{FieldName: "attachments.created", Added: "9"},
		}},
	}

	_, events := Merge(incoming, cached, true)

	if len(events) != 1 {
		t.Fatalf("expected 1 combined event, got %d", len(events))
	}
	ev := events[0]
	if ev.Comment == nil || ev.Attachment == nil || ev.History == nil {
		t.Errorf("event should carry all three kinds: %+v", ev)
	}
}

func TestMergeEventsAreTimeOrdered(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t3
	incoming.History = []models.HistoryEntry{
		{When: t3, Who: "carol@example.com", Changes: []models.Change{{FieldName: "priority"}}},
	}
	incoming.Comments = append(incoming.Comments, models.Comment{
		ID: 101, Creator: "bob@example.com", CreationTime: t2,
	})

	_, events := Merge(incoming, cached, true)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].Time.Equal(t2) || !events[1].Time.Equal(t3) {
		t.Errorf("events out of order: %v, %v", events[0].Time, events[1].Time)
	}
}

func TestMergeSameKindSameInstantStaysSeparate(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.LastChangeTime = t2
	incoming.Comments = append(incoming.Comments,
		models.Comment{ID: 101, Creator: "bob@example.com", CreationTime: t2},
		models.Comment{ID: 102, Creator: "carol@example.com", CreationTime: t2},
	)

	_, events := Merge(incoming, cached, true)

	if len(events) != 2 {
		t.Fatalf("two comments at one instant should stay separate events, got %d", len(events))
	}
	if events[0].Comment.ID != 101 || events[1].Comment.ID != 102 {
		t.Errorf("events carry wrong comments: %d, %d", events[0].Comment.ID, events[1].Comment.ID)
	}
}

func TestMergeMissingCollectionsAreEmpty(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	incoming := baseBug()
	incoming.Comments = nil
	incoming.Attachments = nil
	incoming.History = nil

	merged, events := Merge(incoming, cached, true)

	if merged.Annotations.Unread {
		t.Error("absent collections should not mark the bug unread")
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestMergeEntriesAtBoundaryAreNotNew(t *testing.T) {
	cached := baseBug()
	cached.Annotations.LastViewed = t1

	// Entry exactly at the cached last_change_time is not strictly newer.
	incoming := baseBug()
	incoming.Comments = append(incoming.Comments, models.Comment{
		ID: 101, Creator: "bob@example.com", CreationTime: t1,
	})

	merged, events := Merge(incoming, cached, true)

	if merged.Annotations.Unread {
		t.Error("entry at the boundary should not mark the bug unread")
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
