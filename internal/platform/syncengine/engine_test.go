package syncengine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skids/eyear/internal/errs"
	"github.com/skids/eyear/internal/platform/db"
	"github.com/skids/eyear/internal/platform/syncqueue"
)

func newTestQueue(t *testing.T) *syncqueue.SQLiteStore {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return syncqueue.NewSQLiteStore(conn, syncqueue.Options{})
}

func enqueueN(t *testing.T, queue *syncqueue.SQLiteStore, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		item := &syncqueue.Item{
			Type:    syncqueue.TypeChildProfile,
			ChildID: uuid.NewString(),
			Data:    []byte(`{"childId":"x"}`),
		}
		if err := queue.Enqueue(context.Background(), item); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, item.ID)
	}
	return ids
}

// fakeUploader scripts one response per upload in order.
type fakeUploader struct {
	mu        sync.Mutex
	responses []error
	uploaded  []uuid.UUID
}

func (f *fakeUploader) MintCycleToken() (string, error) { return "cycle-token", nil }

func (f *fakeUploader) Upload(_ context.Context, _ string, item *syncqueue.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, item.ID)
	if len(f.responses) == 0 {
		return nil
	}
	err := f.responses[0]
	f.responses = f.responses[1:]
	return err
}

// recordingFinalizer counts confirmations per item.
type recordingFinalizer struct {
	mu    sync.Mutex
	items []uuid.UUID
	err   error
}

func (r *recordingFinalizer) FinalizeSynced(_ context.Context, item *syncqueue.Item, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, item.ID)
	return nil
}

func newTestEngine(t *testing.T, queue *syncqueue.SQLiteStore, up Uploader, fin Finalizer) *Engine {
	t.Helper()
	if fin == nil {
		fin = &recordingFinalizer{}
	}
	return New(queue, up, fin, nil, zerolog.Nop(), Options{})
}

func TestRunSyncCycleDrainsQueue(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 3)
	up := &fakeUploader{}
	fin := &recordingFinalizer{}
	engine := newTestEngine(t, queue, up, fin)

	stats, err := engine.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}
	if stats.Synced != 3 || stats.Retried != 0 || stats.Rejected != 0 || stats.Unreachable {
		t.Errorf("stats = %+v", stats)
	}
	if len(fin.items) != 3 {
		t.Errorf("finalizer saw %d items, want 3", len(fin.items))
	}
	for _, id := range ids {
		item, err := queue.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status != syncqueue.StatusSynced {
			t.Errorf("item %s status = %s, want synced", id, item.Status)
		}
	}
}

func TestRunSyncCycleHaltsUnreachable(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 2)
	up := &fakeUploader{responses: []error{
		&errs.TransientNetworkError{Err: errors.New("dial tcp: connection refused")},
	}}
	engine := newTestEngine(t, queue, up, nil)

	stats, err := engine.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}
	if !stats.Unreachable || stats.Synced != 0 {
		t.Errorf("stats = %+v, want unreachable halt", stats)
	}
	if len(up.uploaded) != 1 {
		t.Errorf("uploads = %d, want halt after first", len(up.uploaded))
	}

	// The claimed item went back to pending with no attempt charged.
	item, err := queue.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != syncqueue.StatusPending || item.Attempts != 0 {
		t.Errorf("item = status %s attempts %d, want pending/0", item.Status, item.Attempts)
	}
}

func TestRunSyncCycleIsolatesRejection(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 2)
	up := &fakeUploader{responses: []error{
		&errs.ValidationError{Reason: "remote rejected item (422): dob malformed"},
	}}
	engine := newTestEngine(t, queue, up, nil)

	stats, err := engine.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}
	if stats.Rejected != 1 || stats.Synced != 1 {
		t.Errorf("stats = %+v, want the second item to sync past the rejection", stats)
	}

	rejected, err := queue.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != syncqueue.StatusFailed || rejected.NextEligible != nil {
		t.Errorf("rejected item = status %s nextEligible %v, want terminal failed", rejected.Status, rejected.NextEligible)
	}
	if rejected.Error == nil {
		t.Error("rejection reason not recorded")
	}
}

func TestRunSyncCycleServerErrorBacksOff(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 1)
	up := &fakeUploader{responses: []error{
		&errs.ServerError{StatusCode: 503, Err: errors.New("maintenance")},
	}}
	engine := newTestEngine(t, queue, up, nil)

	stats, err := engine.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}
	if stats.Retried != 1 {
		t.Errorf("stats = %+v, want one retried item", stats)
	}

	item, err := queue.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != syncqueue.StatusFailed || item.Attempts != 1 || item.NextEligible == nil {
		t.Errorf("item = status %s attempts %d nextEligible %v, want backed-off failure",
			item.Status, item.Attempts, item.NextEligible)
	}
}

func TestRunSyncCycleFinalizeFailureKeepsItemRetryable(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 1)
	up := &fakeUploader{}
	fin := &recordingFinalizer{err: errors.New("disk full")}
	engine := newTestEngine(t, queue, up, fin)

	stats, err := engine.RunSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSyncCycle: %v", err)
	}
	if stats.Synced != 0 || stats.Retried != 1 {
		t.Errorf("stats = %+v, want retried", stats)
	}
	item, _ := queue.Get(context.Background(), ids[0])
	if item.Status != syncqueue.StatusFailed || item.NextEligible == nil {
		t.Errorf("item = %s, want retryable failed", item.Status)
	}
}

func TestRunSyncCycleContextCancelled(t *testing.T) {
	queue := newTestQueue(t)
	enqueueN(t, queue, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(t, queue, &fakeUploader{}, nil)
	if _, err := engine.RunSyncCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestClientClassifiesResponses(t *testing.T) {
	queue := newTestQueue(t)
	ids := enqueueN(t, queue, 1)
	item, err := queue.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}

	var gotIdempotency, gotAuth string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotency = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, DeviceID: "dev-1", Secret: []byte("s3cret")})
	token, err := client.MintCycleToken()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	if err := client.Upload(context.Background(), token, item); err != nil {
		t.Fatalf("2xx upload: %v", err)
	}
	if gotIdempotency != item.ID.String() {
		t.Errorf("Idempotency-Key = %q, want item uuid", gotIdempotency)
	}
	if gotAuth != "Bearer "+token {
		t.Errorf("Authorization = %q", gotAuth)
	}

	status = http.StatusUnprocessableEntity
	if err := client.Upload(context.Background(), token, item); !errs.IsValidation(err) {
		t.Errorf("4xx: got %v, want ValidationError", err)
	}

	status = http.StatusBadGateway
	if err := client.Upload(context.Background(), token, item); !errs.IsServer(err) {
		t.Errorf("5xx: got %v, want ServerError", err)
	}

	srv.Close()
	if err := client.Upload(context.Background(), token, item); !errs.IsTransientNetwork(err) {
		t.Errorf("dead server: got %v, want TransientNetworkError", err)
	}
}
