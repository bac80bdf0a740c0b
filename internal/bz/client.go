// Package bz provides a Bugzilla REST API client for fetching bugs and
// their sub-resources (comments, attachments, history).
package bz

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/mjterry/bzsync/internal/models"
)

// Client is a Bugzilla REST API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// online, when set, is consulted before every request so an offline
	// client fails fast with a ConnectivityError instead of waiting for a
	// transport timeout.
	online func() bool
}

// New creates a client for the Bugzilla instance at baseURL, e.g.
// "https://bugzilla.mozilla.org". The API key may be empty for anonymous
// access to public bugs.
func New(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetOnlineCheck installs a connectivity probe consulted before each request.
func (c *Client) SetOnlineCheck(fn func() bool) {
	c.online = fn
}

// doRequest performs an authenticated GET against a REST endpoint and returns
// the response. path is relative to /rest, e.g. "bug" or "bug/123/comment".
func (c *Client) doRequest(path string, params url.Values) (*http.Response, error) {
	if c.online != nil && !c.online() {
		return nil, &ConnectivityError{}
	}

	u := fmt.Sprintf("%s/rest/%s", c.baseURL, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-BUGZILLA-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}

	return resp, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(path string, params url.Values, out interface{}) error {
	resp, err := c.doRequest(path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &FetchError{Op: path, Err: fmt.Errorf("bugzilla API error: %s - %s", resp.Status, string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Op: path, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return nil
}

// SearchBugs runs a bug search and returns the matched bugs. Depending on
// include_fields the records may be bare stubs carrying only an id.
func (c *Client) SearchBugs(search *Search) ([]models.Bug, error) {
	var result struct {
		Bugs []models.Bug `json:"bugs"`
	}
	if err := c.getJSON("bug", search.Values(), &result); err != nil {
		return nil, err
	}
	return result.Bugs, nil
}

// idParams builds the ids=... parameter list shared by the detail endpoints.
func idParams(ids []int64) url.Values {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids", strconv.FormatInt(id, 10))
	}
	return params
}

// FetchBug fetches a single bug; see FetchBugs.
func (c *Client) FetchBug(id int64, includeMetadata, includeDetails bool) (*models.Bug, error) {
	bugs, err := c.FetchBugs([]int64{id}, includeMetadata, includeDetails)
	if err != nil {
		return nil, err
	}
	return bugs[0], nil
}

// FetchBugs fetches the given bugs, optionally with metadata and with the
// comment/history/attachment sub-resources. The ids are sorted ascending
// before the requests go out because the metadata and history responses are
// indexed positionally against that order. Attachment data blobs are always
// excluded. Any malformed or missing response aborts the whole batch.
func (c *Client) FetchBugs(ids []int64, includeMetadata, includeDetails bool) ([]*models.Bug, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ids = slices.Clone(ids)
	slices.Sort(ids)

	var metadata []models.Bug
	if includeMetadata {
		var err error
		metadata, err = c.fetchMetadata(ids)
		if err != nil {
			return nil, err
		}
	}

	var (
		comments    map[int64][]models.Comment
		history     map[int64][]models.HistoryEntry
		attachments map[int64][]models.Attachment
	)
	if includeDetails {
		var err error
		if comments, err = c.fetchComments(ids); err != nil {
			return nil, err
		}
		if history, err = c.fetchHistory(ids); err != nil {
			return nil, err
		}
		if attachments, err = c.fetchAttachments(ids); err != nil {
			return nil, err
		}
	}

	bugs := make([]*models.Bug, len(ids))
	for i, id := range ids {
		var bug *models.Bug
		if includeMetadata {
			bug = metadata[i].Clone()
		} else {
			bug = &models.Bug{ID: id}
		}

		if includeDetails {
			cs, ok := comments[id]
			if !ok {
				return nil, &FetchError{ID: id, Op: "comment", Err: fmt.Errorf("no comments in response")}
			}
			bug.Comments = cs
			bug.History = history[id]
			bug.Attachments = attachments[id]
			bug.Annotations.UpdateNeeded = false
		}

		bugs[i] = bug
	}

	return bugs, nil
}

// fetchMetadata fetches bug metadata. The response array is positional
// against the sorted id list.
func (c *Client) fetchMetadata(ids []int64) ([]models.Bug, error) {
	var result struct {
		Bugs []models.Bug `json:"bugs"`
	}
	if err := c.getJSON("bug", idParams(ids), &result); err != nil {
		return nil, err
	}
	if len(result.Bugs) != len(ids) {
		return nil, &FetchError{Op: "bug", Err: fmt.Errorf("requested %d bugs, got %d", len(ids), len(result.Bugs))}
	}
	return result.Bugs, nil
}

// fetchComments fetches comments for the given bugs. The response maps
// stringified bug ids to comment lists.
func (c *Client) fetchComments(ids []int64) (map[int64][]models.Comment, error) {
	var result struct {
		Bugs map[string]struct {
			Comments []models.Comment `json:"comments"`
		} `json:"bugs"`
	}
	path := fmt.Sprintf("bug/%d/comment", ids[0])
	if err := c.getJSON(path, idParams(ids), &result); err != nil {
		return nil, err
	}

	comments := make(map[int64][]models.Comment, len(result.Bugs))
	for key, entry := range result.Bugs {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, &FetchError{Op: "comment", Err: fmt.Errorf("bad bug id %q in response", key)}
		}
		comments[id] = entry.Comments
	}
	return comments, nil
}

// fetchHistory fetches change history. The response array is positional; an
// entry with no history yields an empty list rather than an error.
func (c *Client) fetchHistory(ids []int64) (map[int64][]models.HistoryEntry, error) {
	var result struct {
		Bugs []struct {
			ID      int64                 `json:"id"`
			History []models.HistoryEntry `json:"history"`
		} `json:"bugs"`
	}
	path := fmt.Sprintf("bug/%d/history", ids[0])
	if err := c.getJSON(path, idParams(ids), &result); err != nil {
		return nil, err
	}
	if len(result.Bugs) != len(ids) {
		return nil, &FetchError{Op: "history", Err: fmt.Errorf("requested %d bugs, got %d", len(ids), len(result.Bugs))}
	}

	history := make(map[int64][]models.HistoryEntry, len(ids))
	for i, id := range ids {
		history[id] = result.Bugs[i].History
	}
	return history, nil
}

// fetchAttachments fetches attachment metadata with the data field excluded.
// Bugs with no attachments may be missing from the response map entirely.
func (c *Client) fetchAttachments(ids []int64) (map[int64][]models.Attachment, error) {
	var result struct {
		Bugs map[string][]models.Attachment `json:"bugs"`
	}
	params := idParams(ids)
	params.Set("exclude_fields", "data")
	path := fmt.Sprintf("bug/%d/attachment", ids[0])
	if err := c.getJSON(path, params, &result); err != nil {
		return nil, err
	}

	attachments := make(map[int64][]models.Attachment, len(result.Bugs))
	for key, list := range result.Bugs {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, &FetchError{Op: "attachment", Err: fmt.Errorf("bad bug id %q in response", key)}
		}
		attachments[id] = list
	}
	return attachments, nil
}
