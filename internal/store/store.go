package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/osmtools/revertd/internal/userinfo"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// EmptyTagSentinel is stored as the sole tag of a changeset that carries
// no tags, so "no tags" stays queryable like any other tag predicate.
const EmptyTagSentinel = "__empty__"

// Changeset is one closed remote changeset. Records are keyed by ID,
// written by the replication pipeline and expired by its sweep; the
// execution engine only reads them.
type Changeset struct {
	ID            int64             `json:"id"`
	UID           int64             `json:"uid"`
	User          string            `json:"user,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ClosedAt      time.Time         `json:"closedAt"`
	Open          bool              `json:"open"`
	NumChanges    int               `json:"numChanges"`
	CommentsCount int               `json:"commentsCount"`
	Tags          map[string]string `json:"tags"`
	// Author is the independently refreshed profile snapshot; nil means
	// the account no longer exists.
	Author *userinfo.User `json:"author"`
}

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ChangesetStore is the collection of changeset records, queryable by
// closed-time range and tag predicates.
type ChangesetStore interface {
	// UpsertBatch inserts or overwrites records by id. Ordering across
	// records is irrelevant; each id is independent.
	UpsertBatch(ctx context.Context, changesets []Changeset) error
	// DeleteClosedBefore removes records whose closed time is older
	// than cutoff and reports how many were removed.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ClosedTimeRange returns the min/max closed time over all records,
	// or ErrNotFound on an empty store.
	ClosedTimeRange(ctx context.Context) (TimeRange, error)
	// ClosedTimeRangeOf is ClosedTimeRange restricted to the given ids.
	ClosedTimeRangeOf(ctx context.Context, ids []int64) (TimeRange, error)
	// Query returns records closed within [from, to] matching every tag
	// predicate, ordered by id. A predicate is either "key=value"
	// (exact match) or "key" / "key=*" (key existence).
	Query(ctx context.Context, from, to time.Time, tags []string) ([]Changeset, error)
}

// StateStore persists small named state documents, last-write-wins.
type StateStore interface {
	GetNamedState(ctx context.Context, name string, doc any) error
	SetNamedState(ctx context.Context, name string, doc any) error
}

type tagPredicate struct {
	key      string
	value    string
	exact    bool
}

func parseTagPredicates(tags []string) []tagPredicate {
	predicates := make([]tagPredicate, 0, len(tags))
	for _, tag := range tags {
		key, value, found := strings.Cut(tag, "=")
		if key == "" {
			continue
		}
		if found && value != "*" {
			predicates = append(predicates, tagPredicate{key: key, value: value, exact: true})
		} else {
			predicates = append(predicates, tagPredicate{key: key})
		}
	}
	return predicates
}
