// Package diff computes what changed between a freshly fetched bug and its
// cached predecessor: the new comments, attachments and history entries since
// the last known change, and the resulting unread state.
package diff

import (
	"sort"
	"time"

	"github.com/mjterry/bzsync/internal/models"
)

// Event is one "record updated" notification: what happened to a bug at a
// single instant. A Bugzilla action can touch several collections at once
// (posting an attachment also adds a comment and a history entry), so an
// event carries up to one entry of each kind sharing the same timestamp.
type Event struct {
	Time       time.Time
	Comment    *models.Comment
	Attachment *models.Attachment
	History    *models.HistoryEntry
}

// Merge reconciles a freshly fetched bug with its cached predecessor.
//
// The cached record's annotations are copied wholesale onto the incoming
// record (they never arrive from the server), new sub-resource entries are
// selected against the cached last_change_time boundary, and the unread flag
// is decided. The returned events replay the new entries in timestamp order
// for presentation layers that want to surface individual changes.
//
// When cached is nil the bug is entering the cache for the first time: it is
// marked unread and no diffing happens.
func Merge(incoming, cached *models.Bug, ignoreCC bool) (*models.Bug, []Event) {
	merged := incoming.Clone()

	if cached == nil {
		merged.Annotations.Unread = true
		return merged, nil
	}

	merged.Annotations = cached.Annotations
	merged.Annotations.StarredCommentIDs = append([]int64(nil), cached.Annotations.StarredCommentIDs...)

	boundary := cached.LastChangeTime

	var newComments []models.Comment
	for _, c := range incoming.Comments {
		if c.CreationTime.After(boundary) {
			newComments = append(newComments, c)
		}
	}

	var newAttachments []models.Attachment
	for _, a := range incoming.Attachments {
		if a.CreationTime.After(boundary) {
			newAttachments = append(newAttachments, a)
		}
	}

	var newHistory []models.HistoryEntry
	for _, h := range incoming.History {
		if h.When.After(boundary) {
			newHistory = append(newHistory, h)
		}
	}

	// The bug stays (or becomes) read only when the user ignores CC-only
	// changes, has already read and viewed the bug, and nothing beyond the
	// CC list changed since.
	switch {
	case !ignoreCC,
		cached.Annotations.Unread,
		cached.Annotations.LastViewed.IsZero(),
		len(newComments) > 0,
		len(newAttachments) > 0,
		hasNonCCChange(newHistory):
		merged.Annotations.Unread = true
	default:
		merged.Annotations.Unread = false
	}

	merged.Annotations.UpdateNeeded = false

	return merged, buildEvents(newComments, newAttachments, newHistory)
}

// hasNonCCChange reports whether any new history entry touches a field other
// than the CC list.
func hasNonCCChange(entries []models.HistoryEntry) bool {
	for _, h := range entries {
		for _, c := range h.Changes {
			if c.FieldName != "cc" {
				return true
			}
		}
	}
	return false
}

// buildEvents merges the new entries of all three collections into a single
// timeline ordered by ascending timestamp. Entries sharing an instant are
// combined into one event where the kinds differ; several entries of the
// same kind at the same instant stay separate events rather than collapsing.
func buildEvents(comments []models.Comment, attachments []models.Attachment, history []models.HistoryEntry) []Event {
	byTime := make(map[time.Time]*eventGroup)
	group := func(t time.Time) *eventGroup {
		g, ok := byTime[t]
		if !ok {
			g = &eventGroup{}
			byTime[t] = g
		}
		return g
	}

	for i := range comments {
		g := group(comments[i].CreationTime)
		g.comments = append(g.comments, &comments[i])
	}
	for i := range attachments {
		g := group(attachments[i].CreationTime)
		g.attachments = append(g.attachments, &attachments[i])
	}
	for i := range history {
		g := group(history[i].When)
		g.history = append(g.history, &history[i])
	}

	timestamps := make([]time.Time, 0, len(byTime))
	for t := range byTime {
		timestamps = append(timestamps, t)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	var events []Event
	for _, t := range timestamps {
		events = append(events, byTime[t].events(t)...)
	}
	return events
}

// eventGroup collects everything that happened at one instant.
type eventGroup struct {
	comments    []*models.Comment
	attachments []*models.Attachment
	history     []*models.HistoryEntry
}

func (g *eventGroup) events(t time.Time) []Event {
	n := max(len(g.comments), len(g.attachments), len(g.history))
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i].Time = t
		if i < len(g.comments) {
			out[i].Comment = g.comments[i]
		}
		if i < len(g.attachments) {
			out[i].Attachment = g.attachments[i]
		}
		if i < len(g.history) {
			out[i].History = g.history[i]
		}
	}
	return out
}
