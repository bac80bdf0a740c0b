// Package participants derives the set of people associated with a bug.
package participants

import "github.com/mjterry/bzsync/internal/models"

// Participant is one person involved with a bug.
type Participant struct {
	// Name is the person's Bugzilla account name.
	Name string
	// Detail is the richest descriptor seen for this person. Authors known
	// only from comments, attachments or history carry just the name.
	Detail models.UserDetail
}

// List is an ordered set of participants, first occurrence first.
type List []Participant

// Names returns the account names in order.
func (l List) Names() []string {
	names := make([]string, len(l))
	for i, p := range l {
		names[i] = p.Name
	}
	return names
}

// Has reports whether the list contains the given account name.
func (l List) Has(name string) bool {
	for _, p := range l {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Resolve builds the unique participant list for a bug: reporter, assignee,
// QA contact, CC entries, mentors, then comment, attachment and history
// authors. The first occurrence of a person wins; later sightings of the
// same name are skipped so everyone keeps their richest descriptor.
func Resolve(bug *models.Bug) List {
	var list List
	seen := make(map[string]bool)

	add := func(name string, detail models.UserDetail) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		list = append(list, Participant{Name: name, Detail: detail})
	}

	add(bug.Creator, bug.CreatorDetail)
	add(bug.AssignedTo, bug.AssignedDetail)
	add(bug.QAContact, bug.QADetail)

	for _, cc := range bug.CCDetail {
		add(cc.Name, cc)
	}
	for _, mentor := range bug.MentorsDetail {
		add(mentor.Name, mentor)
	}

	for _, c := range bug.Comments {
		add(c.Creator, models.UserDetail{Name: c.Creator})
	}
	for _, a := range bug.Attachments {
		add(a.Creator, models.UserDetail{Name: a.Creator})
	}
	for _, h := range bug.History {
		add(h.Who, models.UserDetail{Name: h.Who})
	}

	return list
}
