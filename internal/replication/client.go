package replication

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/osmtools/revertd/internal/store"
)

// ErrNotYetProduced reports that the feed has no archive for a sequence
// yet. It is the live-edge signal, not a failure.
var ErrNotYetProduced = errors.New("sequence not yet produced")

type HeadState struct {
	Sequence int64
	LastRun  time.Time
}

type SequenceState struct {
	Sequence int64
	LastRun  time.Time
}

// Client reads the sequence-numbered remote changeset feed.
type Client interface {
	// Head returns the feed's global state: the newest sequence number
	// and its completion time.
	Head(ctx context.Context) (HeadState, error)
	// SequenceState returns the per-sequence metadata document.
	SequenceState(ctx context.Context, sequence int64) (SequenceState, error)
	// Changesets downloads and parses one sequence archive, filtered to
	// closed, non-empty, uncommented changesets. ErrNotYetProduced is
	// returned for archives the feed has not published.
	Changesets(ctx context.Context, sequence int64) ([]store.Changeset, error)
}

type HTTPClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, userAgent string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/"
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// formatSequence renders a sequence number as the feed's zero-padded,
// slash-grouped path fragment, e.g. 6009951 -> "006/009/951".
func formatSequence(sequence int64) string {
	padded := fmt.Sprintf("%09d", sequence)
	return padded[0:3] + "/" + padded[3:6] + "/" + padded[6:9]
}

type feedStateDoc struct {
	Sequence int64  `yaml:"sequence"`
	LastRun  string `yaml:"last_run"`
}

// feedTimeLayouts covers the timestamp spellings the feed has used.
var feedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -07:00",
	time.RFC3339Nano,
	time.RFC3339,
}

func parseFeedTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range feedTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized feed timestamp %q", raw)
}

func (c *HTTPClient) Head(ctx context.Context) (HeadState, error) {
	body, err := c.get(ctx, "state.yaml")
	if err != nil {
		return HeadState{}, err
	}
	var doc feedStateDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return HeadState{}, fmt.Errorf("parse feed state: %w", err)
	}
	lastRun, err := parseFeedTime(doc.LastRun)
	if err != nil {
		return HeadState{}, err
	}
	return HeadState{Sequence: doc.Sequence, LastRun: lastRun}, nil
}

func (c *HTTPClient) SequenceState(ctx context.Context, sequence int64) (SequenceState, error) {
	body, err := c.get(ctx, formatSequence(sequence)+".state.txt")
	if err != nil {
		return SequenceState{}, err
	}
	var doc feedStateDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return SequenceState{}, fmt.Errorf("parse sequence state: %w", err)
	}
	lastRun, err := parseFeedTime(doc.LastRun)
	if err != nil {
		return SequenceState{}, err
	}
	return SequenceState{Sequence: sequence, LastRun: lastRun}, nil
}

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlChangeset struct {
	ID            int64    `xml:"id,attr"`
	UID           int64    `xml:"uid,attr"`
	User          string   `xml:"user,attr"`
	CreatedAt     string   `xml:"created_at,attr"`
	ClosedAt      string   `xml:"closed_at,attr"`
	Open          bool     `xml:"open,attr"`
	NumChanges    int      `xml:"num_changes,attr"`
	CommentsCount int      `xml:"comments_count,attr"`
	Tags          []xmlTag `xml:"tag"`
}

type xmlDocument struct {
	Changesets []xmlChangeset `xml:"changeset"`
}

func (c *HTTPClient) Changesets(ctx context.Context, sequence int64) ([]store.Changeset, error) {
	compressed, err := c.get(ctx, formatSequence(sequence)+".osm.gz")
	if err != nil {
		return nil, err
	}
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress sequence %d: %w", sequence, err)
	}
	defer reader.Close()

	var doc xmlDocument
	if err := xml.NewDecoder(reader).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse sequence %d: %w", sequence, err)
	}

	changesets := make([]store.Changeset, 0, len(doc.Changesets))
	for _, raw := range doc.Changesets {
		// Open or still-empty changesets are incomplete; commented ones
		// are awaiting human review upstream. Neither is stored.
		if raw.CommentsCount != 0 || raw.NumChanges <= 0 || raw.Open {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, raw.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("changeset %d created_at: %w", raw.ID, err)
		}
		closedAt, err := time.Parse(time.RFC3339, raw.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("changeset %d closed_at: %w", raw.ID, err)
		}
		tags := make(map[string]string, len(raw.Tags))
		for _, tag := range raw.Tags {
			tags[tag.K] = tag.V
		}
		if len(tags) == 0 {
			tags[store.EmptyTagSentinel] = "1"
		}
		changesets = append(changesets, store.Changeset{
			ID:            raw.ID,
			UID:           raw.UID,
			User:          raw.User,
			CreatedAt:     createdAt,
			ClosedAt:      closedAt,
			Open:          raw.Open,
			NumChanges:    raw.NumChanges,
			CommentsCount: raw.CommentsCount,
			Tags:          tags,
		})
	}
	return changesets, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", path, ErrNotYetProduced)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
