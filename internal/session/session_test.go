package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob/memblob"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/storageprovider"
	"github.com/getsentry/cctprof/internal/testutil"
	"github.com/getsentry/cctprof/internal/txn"
)

var selectBatch = []event.Event{
	{Type: event.TypeNewThread, ThreadID: 1, Name: "worker"},
	{Type: event.TypeEntry, Label: "SELECT * FROM users", Kind: callsite.KindStatement, ThreadID: 1, Time0: 0, Time1: 0},
	{Type: event.TypeExit, Label: "SELECT * FROM users", Kind: callsite.KindStatement, ThreadID: 1, Time0: 10, Time1: 6},
}

func newTestManager(t *testing.T) (*Manager, *storageprovider.Blob) {
	t.Helper()
	logger := zerolog.Nop()
	store := &storageprovider.Blob{Bucket: memblob.OpenBucket(nil)}
	t.Cleanup(func() { _ = store.Close() })
	m := NewManager(Config{
		Builder: cct.Config{Logger: &logger, CollectTwoTimestamps: true, Labeler: callsite.KeywordLabeler{}},
		Storage: store,
		Logger:  &logger,
	})
	return m, store
}

func TestManagerLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Create("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("a"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	generated, err := m.Create("")
	if err != nil {
		t.Fatal(err)
	}
	if generated.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if got := m.List(); len(got) != 3 {
		t.Fatalf("expected 3 sessions, got %v", got)
	}

	if err := m.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Get("a"); err != nil {
		t.Fatal(err)
	}
}

func TestIngestAndCapture(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	r, err := m.Ingest(ctx, "s1", selectBatch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(r, event.Result{Applied: 3}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	snapshotID, snap, err := m.Capture(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	wantRows := []snapshot.Row{
		{
			Label:       "SELECT * FROM users",
			Kind:        callsite.KindStatement,
			Command:     callsite.CommandSelect,
			Tables:      []string{"users"},
			Invocations: 1,
			Time0:       10,
			Time1:       6,
		},
	}
	if diff := testutil.Diff(snap.Rows, wantRows); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	stored, err := snapshot.Load(ctx, store, "s1", snapshotID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(stored.Rows, wantRows); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	manifest, err := m.LoadManifest(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(manifest.Snapshots, []string{snapshotID}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	info, err := m.Info(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Stats.Threads != 1 || info.Stats.CallSites != 1 {
		t.Fatalf("unexpected stats %+v", info.Stats)
	}
}

func TestCaptureUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	if _, _, err := m.Capture(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetWaitsForIngestion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Ingest(ctx, "s1", selectBatch); err != nil {
		t.Fatal(err)
	}
	s, err := m.Get("s1")
	if err != nil {
		t.Fatal(err)
	}

	ingestCtx := txn.WithOwner(ctx, txn.NewOwner())
	if err := s.Builder.BatchStart(ingestCtx); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- m.Reset(ctx, "s1")
	}()
	select {
	case err := <-done:
		t.Fatalf("reset should wait for the open batch, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := s.Builder.BatchStop(ingestCtx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reset did not complete")
	}

	stats, err := s.Builder.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Threads != 0 || stats.CallSites != 0 {
		t.Fatalf("expected an empty builder after reset, got %+v", stats)
	}
}
