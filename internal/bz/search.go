package bz

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// chfieldLayout is the timestamp format Bugzilla expects for chfieldfrom.
const chfieldLayout = "2006-01-02 15:04:05"

// Search builds the parameters for a Bugzilla bug search. Custom search
// clauses are expressed as numbered field/operator/value triples (f0/o0/v0,
// f1/o1/v1, ...) combined with the j_top join operator.
type Search struct {
	params url.Values
	n      int
}

// NewSearch returns an empty search.
func NewSearch() *Search {
	return &Search{params: url.Values{}}
}

// JoinOR makes the top-level clauses OR-combined instead of the default AND.
func (s *Search) JoinOR() *Search {
	s.params.Set("j_top", "OR")
	return s
}

// Clause appends one field/operator/value triple.
func (s *Search) Clause(field, op, value string) *Search {
	i := strconv.Itoa(s.n)
	s.params.Set("f"+i, field)
	s.params.Set("o"+i, op)
	s.params.Set("v"+i, value)
	s.n++
	return s
}

// IDClause appends a clause matching any of the given bug ids.
func (s *Search) IDClause(ids []int64) *Search {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	return s.Clause("bug_id", "anywords", strings.Join(strs, ","))
}

// Resolution restricts the search to bugs with the given resolution.
// "---" matches unresolved bugs.
func (s *Search) Resolution(value string) *Search {
	s.params.Set("resolution", value)
	return s
}

// IncludeFields limits which bug fields the server returns.
func (s *Search) IncludeFields(fields ...string) *Search {
	s.params.Set("include_fields", strings.Join(fields, ","))
	return s
}

// ChangedFrom restricts the search to bugs changed at or after t.
func (s *Search) ChangedFrom(t time.Time) *Search {
	s.params.Set("chfieldfrom", t.UTC().Format(chfieldLayout))
	return s
}

// Values returns the accumulated query parameters.
func (s *Search) Values() url.Values {
	return s.params
}

// Encode returns the encoded query string, useful for logging.
func (s *Search) Encode() string {
	return s.params.Encode()
}

// String implements fmt.Stringer.
func (s *Search) String() string {
	return fmt.Sprintf("search{%s}", s.Encode())
}
