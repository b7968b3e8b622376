package userinfo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeUserAPI struct {
	mu      sync.Mutex
	users   map[int64]string
	deleted string
	calls   int
}

func (f *fakeUserAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users_deleted/users_deleted.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, f.deleted)
	})
	mux.HandleFunc("/users.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		var entries []string
		for _, raw := range strings.Split(r.URL.Query().Get("users"), ",") {
			uid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "bad id", http.StatusBadRequest)
				return
			}
			name, ok := f.users[uid]
			if !ok {
				// The remote fails the whole batch when any id
				// is unknown.
				http.NotFound(w, r)
				return
			}
			entries = append(entries, fmt.Sprintf(`{"user":{"id":%d,"display_name":%q,"img":{"href":""},"roles":[]}}`, uid, name))
		}
		fmt.Fprintf(w, `{"users":[%s]}`, strings.Join(entries, ","))
	})
	return mux
}

func (f *fakeUserAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestResolver(t *testing.T, api *fakeUserAPI, batchSize int) *Resolver {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewResolver(ResolverOptions{
		APIURL:    srv.URL + "/",
		PlanetURL: srv.URL + "/",
		BatchSize: batchSize,
	})
}

func TestResolveBisectsFailedBatch(t *testing.T) {
	api := &fakeUserAPI{users: map[int64]string{1: "alice", 3: "carol"}}
	resolver := newTestResolver(t, api, 500)

	result, err := resolver.Resolve(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(result))
	}
	if result[1] == nil || result[1].DisplayName != "alice" {
		t.Fatalf("expected user 1 to resolve to alice, got %+v", result[1])
	}
	if result[2] != nil {
		t.Fatalf("expected user 2 to be deleted, got %+v", result[2])
	}
	if result[3] == nil || result[3].DisplayName != "carol" {
		t.Fatalf("expected user 3 to resolve to carol, got %+v", result[3])
	}
}

func TestResolveUsesDeletedSet(t *testing.T) {
	api := &fakeUserAPI{
		users:   map[int64]string{1: "alice"},
		deleted: "# deleted accounts\n2\n5\n",
	}
	resolver := newTestResolver(t, api, 500)

	result, err := resolver.Resolve(context.Background(), []int64{1, 2, 5})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if result[2] != nil || result[5] != nil {
		t.Fatalf("expected listed ids to be deleted, got %+v / %+v", result[2], result[5])
	}
	if result[1] == nil {
		t.Fatalf("expected user 1 to resolve")
	}
}

func TestResolveCachesResults(t *testing.T) {
	api := &fakeUserAPI{users: map[int64]string{7: "dave"}}
	resolver := newTestResolver(t, api, 500)

	if _, err := resolver.Resolve(context.Background(), []int64{7}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	before := api.callCount()
	result, err := resolver.Resolve(context.Background(), []int64{7})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if api.callCount() != before {
		t.Fatalf("expected cached hit, got %d extra calls", api.callCount()-before)
	}
	if result[7] == nil || result[7].DisplayName != "dave" {
		t.Fatalf("expected cached user, got %+v", result[7])
	}
}

func TestResolveCachesTombstones(t *testing.T) {
	api := &fakeUserAPI{users: map[int64]string{}}
	resolver := newTestResolver(t, api, 500)

	if _, err := resolver.Resolve(context.Background(), []int64{9}); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	before := api.callCount()
	result, err := resolver.Resolve(context.Background(), []int64{9})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if api.callCount() != before {
		t.Fatalf("expected tombstone hit, got %d extra calls", api.callCount()-before)
	}
	if user, ok := result[9]; !ok || user != nil {
		t.Fatalf("expected deleted entry, got %+v (present=%v)", user, ok)
	}
}

func TestResolveSplitsLargeInputIntoBatches(t *testing.T) {
	users := make(map[int64]string)
	uids := make([]int64, 0, 10)
	for uid := int64(1); uid <= 10; uid++ {
		users[uid] = fmt.Sprintf("user%d", uid)
		uids = append(uids, uid)
	}
	api := &fakeUserAPI{users: users}
	resolver := newTestResolver(t, api, 3)

	result, err := resolver.Resolve(context.Background(), uids)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(result) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(result))
	}
	if api.callCount() < 4 {
		t.Fatalf("expected at least 4 batch calls, got %d", api.callCount())
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache(4, time.Minute)
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	if err := cache.Set(context.Background(), 1, &User{ID: 1, DisplayName: "alice"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := cache.Get(context.Background(), 1); !ok {
		t.Fatalf("expected fresh entry to hit")
	}
	current = current.Add(2 * time.Minute)
	if _, ok, _ := cache.Get(context.Background(), 1); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestMemoryCacheCapacity(t *testing.T) {
	cache := NewMemoryCache(2, time.Hour)
	for uid := int64(1); uid <= 3; uid++ {
		if err := cache.Set(context.Background(), uid, &User{ID: uid}); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}
	if len(cache.entries) > 2 {
		t.Fatalf("expected capacity 2, got %d entries", len(cache.entries))
	}
}
