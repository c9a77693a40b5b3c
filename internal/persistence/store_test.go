package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBeginFinishDuplicate(t *testing.T) {
	store := openTestStore(t)

	fresh, err := store.Begin("bm-1", "crawled")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !fresh {
		t.Fatal("first delivery should be fresh")
	}

	if err := store.Finish("bm-1", "crawled", "doc-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// A redelivery of the same event is a duplicate.
	fresh, err = store.Begin("bm-1", "crawled")
	if err != nil {
		t.Fatalf("begin again: %v", err)
	}
	if fresh {
		t.Fatal("finished delivery must be recognised as duplicate")
	}

	d, err := store.Get("bm-1", "crawled")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d == nil || d.Status != StatusDone || d.DocID != "doc-1" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestSameBookmarkDifferentOperation(t *testing.T) {
	store := openTestStore(t)

	if fresh, _ := store.Begin("bm-1", "crawled"); !fresh {
		t.Fatal("crawled should be fresh")
	}
	if fresh, _ := store.Begin("bm-1", "ai tagged"); !fresh {
		t.Fatal("a different operation on the same bookmark is a new event")
	}
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Begin("bm-2", "crawled"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Fail("bm-2", "crawled", errors.New("upstream down")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, err := store.ListFailed()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "upstream down" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	fresh, err := store.Begin("bm-2", "crawled")
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if !fresh {
		t.Fatal("failed delivery must be retryable")
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending delivery, got %d", len(pending))
	}
}

func TestSkipAndPrune(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Begin("bm-3", "edited"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Skip("bm-3", "edited"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if fresh, _ := store.Begin("bm-3", "edited"); fresh {
		t.Fatal("skipped delivery must stay skipped")
	}

	n, err := store.Prune(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned row, got %d", n)
	}
	if d, _ := store.Get("bm-3", "edited"); d != nil {
		t.Fatal("pruned delivery should be gone")
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Begin("bm-4", "crawled"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Finish("bm-4", "crawled", "doc-9"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	d, err := reopened.Get("bm-4", "crawled")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if d == nil || d.DocID != "doc-9" {
		t.Fatalf("ledger did not survive reopen: %+v", d)
	}
}
