// Package annotate implements the local bug annotations: read/unread state,
// starring and view tracking.
package annotate

import (
	"fmt"
	"time"

	"github.com/mjterry/bzsync/internal/cache"
	"github.com/mjterry/bzsync/internal/event"
	"github.com/mjterry/bzsync/internal/logger"
)

// Manager applies annotation changes against the cache and notifies the
// presentation layer. Operations are read-modify-write and idempotent:
// repeating a call that changes nothing persists nothing and emits nothing.
type Manager struct {
	cache *cache.DB
	bus   *event.Bus
}

// NewManager creates an annotation manager.
func NewManager(cacheDB *cache.DB, bus *event.Bus) *Manager {
	return &Manager{
		cache: cacheDB,
		bus:   bus,
	}
}

// ToggleStar stars or unstars a bug. Starring records the bug's oldest
// comment id, so the incremental sync query has a concrete comment-bearing
// bug id to re-poll; unstarring clears the whole set. A bug absent from the
// cache, or one with no comments yet, is silently left alone.
func (m *Manager) ToggleStar(id int64, starred bool) error {
	bug, err := m.cache.Get(id)
	if err != nil {
		return fmt.Errorf("failed to get bug %d: %w", id, err)
	}
	if bug == nil || len(bug.Comments) == 0 {
		logger.Debug("annotate: star toggle for bug %d skipped, nothing to annotate", id)
		return nil
	}

	first := bug.Comments[0].ID
	if starred {
		if contains(bug.Annotations.StarredCommentIDs, first) {
			return nil
		}
		bug.Annotations.StarredCommentIDs = append(bug.Annotations.StarredCommentIDs, first)
	} else {
		if len(bug.Annotations.StarredCommentIDs) == 0 {
			return nil
		}
		bug.Annotations.StarredCommentIDs = nil
	}

	if err := m.cache.Save(bug); err != nil {
		return fmt.Errorf("failed to save bug %d: %w", id, err)
	}

	logger.Debug("annotate: bug %d starred=%v", id, starred)
	event.Publish(m.bus, event.StarToggled{Bug: bug})
	return nil
}

// ToggleUnread sets the unread flag. Setting the current value is a no-op
// with no notification, as is annotating a bug absent from the cache.
func (m *Manager) ToggleUnread(id int64, value bool) error {
	bug, err := m.cache.Get(id)
	if err != nil {
		return fmt.Errorf("failed to get bug %d: %w", id, err)
	}
	if bug == nil || bug.Annotations.Unread == value {
		return nil
	}

	bug.Annotations.Unread = value
	if err := m.cache.Save(bug); err != nil {
		return fmt.Errorf("failed to save bug %d: %w", id, err)
	}

	logger.Debug("annotate: bug %d unread=%v", id, value)
	event.Publish(m.bus, event.UnreadToggled{Bug: bug})
	m.notifyUnreadSet()
	return nil
}

// MarkViewed records when the user last opened the bug. The unread decision
// for future syncs depends on this timestamp.
func (m *Manager) MarkViewed(id int64, t time.Time) error {
	bug, err := m.cache.Get(id)
	if err != nil {
		return fmt.Errorf("failed to get bug %d: %w", id, err)
	}
	if bug == nil {
		return nil
	}

	bug.Annotations.LastViewed = t
	if err := m.cache.Save(bug); err != nil {
		return fmt.Errorf("failed to save bug %d: %w", id, err)
	}
	return nil
}

// UnreadBugIDs returns the ids of all unread cached bugs in id order.
func (m *Manager) UnreadBugIDs() ([]int64, error) {
	bugs, err := m.cache.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs: %w", err)
	}

	var ids []int64
	for _, bug := range bugs {
		if bug.Annotations.Unread {
			ids = append(ids, bug.ID)
		}
	}
	return ids, nil
}

// notifyUnreadSet recomputes the unread id set and broadcasts it.
func (m *Manager) notifyUnreadSet() {
	ids, err := m.UnreadBugIDs()
	if err != nil {
		logger.Warn("annotate: failed to compute unread set: %v", err)
		return
	}
	event.Publish(m.bus, event.UnreadBugsChanged{IDs: ids})
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
