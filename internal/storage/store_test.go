package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestFileLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := File{
		ID:         "f1",
		RoomKey:    "abc123",
		Name:       "notes.txt",
		Size:       42,
		MimeType:   "text/plain",
		SHA256:     "deadbeef",
		Path:       "/tmp/abc123/f1-notes.txt",
		UploaderID: "u1",
	}
	if err := store.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := store.CreateFile(ctx, f); err != ErrFileExists {
		t.Fatalf("expected ErrFileExists, got %v", err)
	}

	got, err := store.GetFile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got == nil || got.Name != "notes.txt" || got.Size != 42 || got.RoomKey != "abc123" {
		t.Fatalf("unexpected file: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	missing, err := store.GetFile(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing file, got %+v, %v", missing, err)
	}

	deleted, err := store.DeleteFile(ctx, "f1")
	if err != nil || !deleted {
		t.Fatalf("DeleteFile: %v deleted=%v", err, deleted)
	}
	deleted, err = store.DeleteFile(ctx, "f1")
	if err != nil || deleted {
		t.Fatalf("second DeleteFile: %v deleted=%v", err, deleted)
	}
}

func TestListRoomFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, row := range []struct{ id, room string }{
		{"a", "room11"}, {"b", "room22"}, {"c", "room11"},
	} {
		err := store.CreateFile(ctx, File{ID: row.id, RoomKey: row.room, Name: row.id, Path: "/x/" + row.id, Size: int64(i + 1), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("CreateFile %s: %v", row.id, err)
		}
	}

	files, err := store.ListRoomFiles(ctx, "room11")
	if err != nil {
		t.Fatalf("ListRoomFiles: %v", err)
	}
	if len(files) != 2 || files[0].ID != "a" || files[1].ID != "c" {
		t.Fatalf("unexpected files: %+v", files)
	}

	orphans, err := store.ListFilesOutside(ctx, []string{"room11"})
	if err != nil {
		t.Fatalf("ListFilesOutside: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "b" {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}
	all, err := store.ListFilesOutside(ctx, nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all 3 files, got %d (%v)", len(all), err)
	}

	count, bytes, err := store.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if count != 3 || bytes != 6 {
		t.Fatalf("unexpected totals: %d files %d bytes", count, bytes)
	}
}

func TestBuildDSN(t *testing.T) {
	cases := map[string]string{
		"sqlite://file:x?mode=memory": "file:x?mode=memory&_pragma=busy_timeout=5000",
		"file:x.db":                   "file:x.db?_pragma=busy_timeout=5000",
		"data/x.db":                   "file:data/x.db?_pragma=busy_timeout=5000",
	}
	for in, want := range cases {
		if got := buildDSN(in); got != want {
			t.Fatalf("buildDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
