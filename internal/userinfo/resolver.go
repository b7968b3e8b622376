package userinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osmtools/revertd/internal/retry"
)

type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultBatchSize  = 500
	defaultDeletedTTL = 8 * time.Hour
	batchRetryCeiling = 30 * time.Second
)

type ResolverOptions struct {
	// APIURL is the base of the remote user API, e.g.
	// https://www.openstreetmap.org/api/0.6/
	APIURL string
	// PlanetURL hosts the deleted-users dump, e.g.
	// https://planet.openstreetmap.org/
	PlanetURL string
	UserAgent string

	HTTPClient *http.Client
	Cache      Cache
	BatchSize  int
	// DeletedTTL bounds how long the deleted-users dump is reused.
	DeletedTTL time.Duration
	Logger     Logger
}

// Resolver maps account ids to their best-known profile using a
// long-lived deleted-users set, a short-TTL cache, and concurrent batch
// lookups that bisect on whole-batch "not found" responses.
type Resolver struct {
	apiURL     string
	planetURL  string
	userAgent  string
	httpClient *http.Client
	cache      Cache
	batchSize  int
	deletedTTL time.Duration
	logger     Logger
	now        func() time.Time

	deletedMu      sync.Mutex
	deleted        map[int64]struct{}
	deletedFetched time.Time
}

func NewResolver(opts ResolverOptions) *Resolver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache(0, 0)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	deletedTTL := opts.DeletedTTL
	if deletedTTL <= 0 {
		deletedTTL = defaultDeletedTTL
	}
	return &Resolver{
		apiURL:     ensureTrailingSlash(opts.APIURL),
		planetURL:  ensureTrailingSlash(opts.PlanetURL),
		userAgent:  opts.UserAgent,
		httpClient: httpClient,
		cache:      cache,
		batchSize:  batchSize,
		deletedTTL: deletedTTL,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// Resolve returns the best-known profile for every requested id. A nil
// map value means the account is deleted. Results are cached and visible
// to later calls.
func (r *Resolver) Resolve(ctx context.Context, uids []int64) (map[int64]*User, error) {
	result := make(map[int64]*User, len(uids))
	working := make([]int64, 0, len(uids))
	seen := make(map[int64]struct{}, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		working = append(working, uid)
	}

	deleted, err := r.deletedIDs(ctx)
	if err != nil {
		return nil, err
	}
	remaining := working[:0]
	for _, uid := range working {
		if _, gone := deleted[uid]; gone {
			result[uid] = nil
			continue
		}
		remaining = append(remaining, uid)
	}

	working = remaining[:0]
	for _, uid := range remaining {
		user, ok, err := r.cache.Get(ctx, uid)
		if err != nil {
			r.logf("user cache read failed for %d: %v", uid, err)
			ok = false
		}
		if ok {
			result[uid] = user
			continue
		}
		working = append(working, uid)
	}
	if len(working) == 0 {
		return result, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for start := 0; start < len(working); start += r.batchSize {
		end := start + r.batchSize
		if end > len(working) {
			end = len(working)
		}
		wg.Add(1)
		go r.resolveBatch(ctx, working[start:end], result, &mu, &wg, &errs)
	}
	wg.Wait()
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return result, nil
}

func (r *Resolver) resolveBatch(ctx context.Context, batch []int64, result map[int64]*User, mu *sync.Mutex, wg *sync.WaitGroup, errs *[]error) {
	defer wg.Done()
	policy := retry.Policy{
		MaxElapsed: batchRetryCeiling,
		Notify: func(err error, delay time.Duration) {
			r.logf("user batch lookup failed, retrying in %s: %v", delay, err)
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		users, notFound, err := r.fetchBatch(ctx, batch)
		if err != nil {
			return err
		}
		if notFound {
			// The remote fails the whole call when any id in the
			// batch is invalid. A single-id batch is then
			// conclusively deleted; otherwise bisect and retry
			// both halves concurrently.
			if len(batch) == 1 {
				r.record(ctx, result, mu, batch[0], nil)
				return nil
			}
			mid := len(batch) / 2
			wg.Add(2)
			go r.resolveBatch(ctx, batch[:mid], result, mu, wg, errs)
			go r.resolveBatch(ctx, batch[mid:], result, mu, wg, errs)
			return nil
		}
		returned := make(map[int64]struct{}, len(users))
		for i := range users {
			user := users[i]
			returned[user.ID] = struct{}{}
			r.record(ctx, result, mu, user.ID, &user)
		}
		for _, uid := range batch {
			if _, ok := returned[uid]; !ok {
				r.record(ctx, result, mu, uid, nil)
			}
		}
		return nil
	})
	if err != nil {
		mu.Lock()
		*errs = append(*errs, err)
		mu.Unlock()
	}
}

func (r *Resolver) record(ctx context.Context, result map[int64]*User, mu *sync.Mutex, uid int64, user *User) {
	if err := r.cache.Set(ctx, uid, user); err != nil {
		r.logf("user cache write failed for %d: %v", uid, err)
	}
	mu.Lock()
	result[uid] = user
	mu.Unlock()
}

type apiUser struct {
	User struct {
		ID          int64  `json:"id"`
		DisplayName string `json:"display_name"`
		Img         struct {
			Href string `json:"href"`
		} `json:"img"`
		Roles          []string  `json:"roles"`
		AccountCreated time.Time `json:"account_created"`
	} `json:"user"`
}

// fetchBatch performs one users.json call. notFound reports the
// all-or-nothing 404 the remote uses for batches containing unknown ids.
func (r *Resolver) fetchBatch(ctx context.Context, batch []int64) (users []User, notFound bool, err error) {
	params := url.Values{}
	ids := make([]string, len(batch))
	for i, uid := range batch {
		ids[i] = strconv.FormatInt(uid, 10)
	}
	params.Set("users", strings.Join(ids, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiURL+"users.json?"+params.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	r.setHeaders(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("user lookup returned http %d", resp.StatusCode)
	}
	var payload struct {
		Users []apiUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, err
	}
	users = make([]User, 0, len(payload.Users))
	for _, entry := range payload.Users {
		users = append(users, User{
			ID:             entry.User.ID,
			DisplayName:    entry.User.DisplayName,
			AvatarURL:      entry.User.Img.Href,
			Roles:          entry.User.Roles,
			AccountCreated: entry.User.AccountCreated,
		})
	}
	return users, false, nil
}

// deletedIDs returns the deleted-users set, refreshing it from the
// planet dump when the cached copy is older than DeletedTTL. A stale set
// is reused when the refresh fails.
func (r *Resolver) deletedIDs(ctx context.Context) (map[int64]struct{}, error) {
	r.deletedMu.Lock()
	defer r.deletedMu.Unlock()
	if r.deleted != nil && r.now().Sub(r.deletedFetched) < r.deletedTTL {
		return r.deleted, nil
	}
	ids, err := r.fetchDeleted(ctx)
	if err != nil {
		if r.deleted != nil {
			r.logf("deleted-users refresh failed, reusing stale set: %v", err)
			return r.deleted, nil
		}
		return nil, err
	}
	r.deleted = ids
	r.deletedFetched = r.now()
	return r.deleted, nil
}

func (r *Resolver) fetchDeleted(ctx context.Context) (map[int64]struct{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.planetURL+"users_deleted/users_deleted.txt", nil)
	if err != nil {
		return nil, err
	}
	r.setHeaders(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("deleted-users dump returned http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]struct{})
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uid, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		ids[uid] = struct{}{}
	}
	return ids, nil
}

func (r *Resolver) setHeaders(req *http.Request) {
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
