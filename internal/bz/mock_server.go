package bz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mjterry/bzsync/internal/models"
)

// MockServer provides a fake Bugzilla REST API for testing.
type MockServer struct {
	*httptest.Server
	mu   sync.RWMutex
	bugs map[int64]*models.Bug // bug id -> fully populated bug

	// LastQuery records the parameters of the most recent search request,
	// for test assertions on the generated query.
	lastQuery map[string][]string
}

// NewMockServer creates a mock Bugzilla server with no bugs.
func NewMockServer() *MockServer {
	m := &MockServer{
		bugs: make(map[int64]*models.Bug),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/bug", m.handleSearchOrMetadata)
	mux.HandleFunc("/rest/bug/", m.handleSubResource)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddBug adds a bug to the mock server.
func (m *MockServer) AddBug(bug *models.Bug) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bugs[bug.ID] = bug
}

// Bug retrieves a bug for test assertions.
func (m *MockServer) Bug(id int64) *models.Bug {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bugs[id]
}

// LastSearch returns the parameters of the most recent search request.
func (m *MockServer) LastSearch() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery
}

// handleSearchOrMetadata serves GET /rest/bug: a metadata fetch when the ids
// parameter is present, otherwise a search.
func (m *MockServer) handleSearchOrMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if ids, ok := query["ids"]; ok {
		m.writeMetadata(w, ids)
		return
	}

	m.mu.Lock()
	m.lastQuery = query
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Bug
	for _, bug := range m.bugs {
		if m.matchesSearch(bug, query) {
			matched = append(matched, bug)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	stubOnly := query.Get("include_fields") == "id"
	out := make([]models.Bug, len(matched))
	for i, bug := range matched {
		if stubOnly {
			out[i] = models.Bug{ID: bug.ID}
		} else {
			out[i] = stripDetails(bug)
		}
	}

	writeJSON(w, map[string]interface{}{"bugs": out})
}

// matchesSearch applies the subset of Bugzilla search semantics the client
// generates: standard resolution/chfieldfrom restrictions ANDed with the
// custom fN/oN/vN clauses, which are OR-joined when j_top=OR.
func (m *MockServer) matchesSearch(bug *models.Bug, query map[string][]string) bool {
	get := func(key string) string {
		if vs := query[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	if res := get("resolution"); res != "" {
		want := res
		if want == "---" {
			want = ""
		}
		if bug.Resolution != want {
			return false
		}
	}

	if from := get("chfieldfrom"); from != "" {
		t, err := time.Parse(chfieldLayout, from)
		if err != nil || !bug.LastChangeTime.After(t) {
			return false
		}
	}

	// Collect custom clauses. Only the operators the client generates are
	// understood: equals on person fields, anywords on bug_id.
	anyClause := false
	for i := 0; ; i++ {
		field := get("f" + strconv.Itoa(i))
		if field == "" {
			break
		}
		anyClause = true
		value := get("v" + strconv.Itoa(i))
		if m.matchesClause(bug, field, value) {
			return true
		}
	}

	return !anyClause
}

func (m *MockServer) matchesClause(bug *models.Bug, field, value string) bool {
	switch field {
	case "bug_id":
		for _, part := range strings.Split(value, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil && id == bug.ID {
				return true
			}
		}
		return false
	case "reporter":
		return bug.Creator == value
	case "assigned_to":
		return bug.AssignedTo == value
	case "qa_contact":
		return bug.QAContact == value
	case "cc":
		for _, cc := range bug.CC {
			if cc == value {
				return true
			}
		}
		return false
	case "bug_mentor":
		for _, mentor := range bug.Mentors {
			if mentor == value {
				return true
			}
		}
		return false
	case "requestees.login_name":
		// Flag requestees are not modeled in the mock.
		return false
	default:
		return false
	}
}

// writeMetadata serves a positional metadata response for the requested ids.
func (m *MockServer) writeMetadata(w http.ResponseWriter, idStrs []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Bug, 0, len(idStrs))
	for _, s := range idStrs {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid bug id", http.StatusBadRequest)
			return
		}
		bug, ok := m.bugs[id]
		if !ok {
			http.Error(w, "bug not found", http.StatusNotFound)
			return
		}
		out = append(out, stripDetails(bug))
	}

	writeJSON(w, map[string]interface{}{"bugs": out})
}

// handleSubResource serves GET /rest/bug/{id}/{comment,history,attachment}.
func (m *MockServer) handleSubResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rest/bug/"), "/")
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ids := r.URL.Query()["ids"]
	if len(ids) == 0 {
		ids = []string{parts[0]}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch parts[1] {
	case "comment":
		bugs := make(map[string]interface{}, len(ids))
		for _, s := range ids {
			bug, ok := m.lookup(s)
			if !ok {
				http.Error(w, "bug not found", http.StatusNotFound)
				return
			}
			bugs[s] = map[string]interface{}{"comments": bug.Comments}
		}
		writeJSON(w, map[string]interface{}{"bugs": bugs})

	case "history":
		type entry struct {
			ID      int64                 `json:"id"`
			History []models.HistoryEntry `json:"history,omitempty"`
		}
		bugs := make([]entry, 0, len(ids))
		for _, s := range ids {
			bug, ok := m.lookup(s)
			if !ok {
				http.Error(w, "bug not found", http.StatusNotFound)
				return
			}
			bugs = append(bugs, entry{ID: bug.ID, History: bug.History})
		}
		writeJSON(w, map[string]interface{}{"bugs": bugs})

	case "attachment":
		bugs := make(map[string]interface{}, len(ids))
		for _, s := range ids {
			bug, ok := m.lookup(s)
			if !ok {
				http.Error(w, "bug not found", http.StatusNotFound)
				return
			}
			if len(bug.Attachments) > 0 {
				bugs[s] = bug.Attachments
			}
		}
		writeJSON(w, map[string]interface{}{"bugs": bugs})

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) lookup(idStr string) (*models.Bug, bool) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, false
	}
	bug, ok := m.bugs[id]
	return bug, ok
}

// stripDetails returns a copy of the bug without sub-resources, matching what
// a metadata fetch returns.
func stripDetails(bug *models.Bug) models.Bug {
	out := *bug.Clone()
	out.Comments = nil
	out.Attachments = nil
	out.History = nil
	out.Annotations = models.Annotations{}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
