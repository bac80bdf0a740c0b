// Package models defines the bug record types shared by the API client,
// the local cache and the diff engine.
package models

import "time"

// UserDetail describes a person associated with a bug. Rich detail objects
// come with the bug metadata (reporter, assignee, CC); authors seen only on
// comments or history entries carry a name and nothing else.
type UserDetail struct {
	ID       int    `json:"id,omitempty"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Comment is a single bug comment.
type Comment struct {
	ID           int64     `json:"id"`
	Creator      string    `json:"creator"`
	Text         string    `json:"text"`
	CreationTime time.Time `json:"creation_time"`
}

// Attachment is a bug attachment. The raw data field is excluded from
// fetches and never populated here.
type Attachment struct {
	ID           int64     `json:"id"`
	Creator      string    `json:"creator"`
	FileName     string    `json:"file_name"`
	Summary      string    `json:"summary"`
	ContentType  string    `json:"content_type"`
	IsObsolete   bool      `json:"is_obsolete"`
	CreationTime time.Time `json:"creation_time"`
}

// Change is a single field-level change inside a history entry.
type Change struct {
	FieldName string `json:"field_name"`
	Removed   string `json:"removed"`
	Added     string `json:"added"`
}

// HistoryEntry is one entry of a bug's change history: who changed which
// fields at what time.
type HistoryEntry struct {
	When    time.Time `json:"when"`
	Who     string    `json:"who"`
	Changes []Change  `json:"changes"`
}

// Annotations holds the local-only fields attached to a cached bug. They are
// never sent to or received from the remote system; the diff engine copies
// them wholesale from the cached record onto a freshly fetched one.
type Annotations struct {
	// Unread marks the bug as having changes the user has not reviewed.
	Unread bool `json:"unread"`
	// StarredCommentIDs records which comment triggered a star. The bug is
	// starred iff this set is non-empty.
	StarredCommentIDs []int64 `json:"starred_comment_ids,omitempty"`
	// LastViewed is when the user last opened the bug, zero if never.
	LastViewed time.Time `json:"last_viewed,omitempty"`
	// UpdateNeeded means the metadata is present but comments, attachments
	// and history have not been fetched yet.
	UpdateNeeded bool `json:"update_needed"`
}

// Starred reports whether the starred-comment set is non-empty.
func (a Annotations) Starred() bool {
	return len(a.StarredCommentIDs) > 0
}

// Bug is a tracked issue: the remote fields as returned by Bugzilla plus the
// local-only annotations.
type Bug struct {
	ID             int64        `json:"id"`
	Summary        string       `json:"summary,omitempty"`
	Status         string       `json:"status,omitempty"`
	Resolution     string       `json:"resolution,omitempty"`
	Product        string       `json:"product,omitempty"`
	Component      string       `json:"component,omitempty"`
	Creator        string       `json:"creator,omitempty"`
	CreatorDetail  UserDetail   `json:"creator_detail,omitempty"`
	AssignedTo     string       `json:"assigned_to,omitempty"`
	AssignedDetail UserDetail   `json:"assigned_to_detail,omitempty"`
	QAContact      string       `json:"qa_contact,omitempty"`
	QADetail       UserDetail   `json:"qa_contact_detail,omitempty"`
	CC             []string     `json:"cc,omitempty"`
	CCDetail       []UserDetail `json:"cc_detail,omitempty"`
	Mentors        []string     `json:"mentors,omitempty"`
	MentorsDetail  []UserDetail `json:"mentors_detail,omitempty"`
	CreationTime   time.Time    `json:"creation_time,omitempty"`
	LastChangeTime time.Time    `json:"last_change_time,omitempty"`

	// Custom fields the server returns that we do not model explicitly,
	// keyed by field name.
	CustomFields map[string]string `json:"-"`

	Comments    []Comment      `json:"comments,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`

	Annotations Annotations `json:"-"`
}

// Clone returns a deep copy of the bug. Components treat cached records as
// copy-on-read, so mutations never leak through shared slices.
func (b *Bug) Clone() *Bug {
	if b == nil {
		return nil
	}
	dup := *b
	dup.CC = append([]string(nil), b.CC...)
	dup.CCDetail = append([]UserDetail(nil), b.CCDetail...)
	dup.Mentors = append([]string(nil), b.Mentors...)
	dup.MentorsDetail = append([]UserDetail(nil), b.MentorsDetail...)
	dup.Comments = append([]Comment(nil), b.Comments...)
	dup.Attachments = append([]Attachment(nil), b.Attachments...)
	dup.History = make([]HistoryEntry, len(b.History))
	for i, h := range b.History {
		dup.History[i] = h
		dup.History[i].Changes = append([]Change(nil), h.Changes...)
	}
	if b.CustomFields != nil {
		dup.CustomFields = make(map[string]string, len(b.CustomFields))
		for k, v := range b.CustomFields {
			dup.CustomFields[k] = v
		}
	}
	dup.Annotations.StarredCommentIDs = append([]int64(nil), b.Annotations.StarredCommentIDs...)
	return &dup
}
