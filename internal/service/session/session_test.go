package session

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"motionforge/internal/config"
	"motionforge/internal/models"
	"motionforge/internal/storage"
)

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, t.TempDir(), time.Hour)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" || sess.Status != models.StatusPending {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if info, err := os.Stat(svc.SessionDir(sess.ID)); err != nil || !info.IsDir() {
		t.Fatalf("session dir not created: %v", err)
	}

	for _, label := range []string{"exhibit_c", "exhibit_a", "exhibit_b"} {
		if _, err := svc.AddExhibit(ctx, &models.Exhibit{
			SessionID:  sess.ID,
			Label:      label,
			FileName:   label + ".pdf",
			StoredPath: filepath.Join(svc.SessionDir(sess.ID), label+".pdf"),
			Size:       42,
		}); err != nil {
			t.Fatalf("add exhibit %s: %v", label, err)
		}
	}
	if _, err := svc.AddExhibit(ctx, &models.Exhibit{SessionID: sess.ID, Label: "exhibit_a", FileName: "dup.pdf", StoredPath: "x"}); err == nil {
		t.Fatalf("expected duplicate label to fail")
	}

	if err := svc.SetStatus(ctx, sess.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	outputs := []*models.OutputFile{
		{Kind: models.OutputMotion, FileName: "Motion.pdf", StoredPath: "/tmp/Motion.pdf", Size: 10},
		{Kind: models.OutputPacket, FileName: "motion_packet.zip", StoredPath: "/tmp/motion_packet.zip", Size: 30},
	}
	if err := svc.RecordOutputs(ctx, sess.ID, outputs); err != nil {
		t.Fatalf("record outputs: %v", err)
	}
	if err := svc.RecordOutputs(ctx, sess.ID, outputs[:1]); err != nil {
		t.Fatalf("re-record outputs: %v", err)
	}
	if err := svc.SetStatus(ctx, sess.ID, models.StatusDone, ""); err != nil {
		t.Fatalf("set done: %v", err)
	}

	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusDone || len(got.Exhibits) != 3 || len(got.Outputs) != 2 {
		t.Fatalf("unexpected stored session: %+v", got)
	}
	if got.Exhibits[0].Label != "exhibit_a" || got.Exhibits[2].Label != "exhibit_c" {
		t.Fatalf("exhibits not ordered by label: %+v", got.Exhibits)
	}

	out, err := svc.Output(ctx, sess.ID, "motion_packet.zip")
	if err != nil || out.Kind != models.OutputPacket {
		t.Fatalf("output lookup mismatch: %+v %v", out, err)
	}
	if _, err := svc.Output(ctx, sess.ID, "../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown file, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.SetStatus(ctx, "missing", models.StatusError, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on status update, got %v", err)
	}
}

func TestCleanupExpiredRemovesSessionsAndRunsHook(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, t.TempDir(), time.Hour)
	ctx := context.Background()

	var evicted []string
	svc.OnExpire(func(id string) { evicted = append(evicted, id) })

	keep, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("create keep: %v", err)
	}
	drop, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("create drop: %v", err)
	}
	if _, err := svc.AddExhibit(ctx, &models.Exhibit{SessionID: drop.ID, Label: "exhibit_a", FileName: "a.pdf", StoredPath: "a"}); err != nil {
		t.Fatalf("add exhibit: %v", err)
	}
	if err := svc.ShortenExpiry(ctx, drop.ID, -time.Second); err != nil {
		t.Fatalf("shorten expiry: %v", err)
	}

	n, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 || len(evicted) != 1 || evicted[0] != drop.ID {
		t.Fatalf("unexpected cleanup result: n=%d evicted=%v", n, evicted)
	}
	if _, err := svc.Get(ctx, drop.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still stored: %v", err)
	}
	if _, err := os.Stat(svc.SessionDir(drop.ID)); !os.IsNotExist(err) {
		t.Fatalf("expired session dir still present: %v", err)
	}
	if _, err := svc.Get(ctx, keep.ID); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
}

func TestShortenExpiryNeverExtends(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, t.TempDir(), time.Minute)
	ctx := context.Background()

	sess, err := svc.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ShortenExpiry(ctx, sess.ID, time.Hour); err != nil {
		t.Fatalf("shorten: %v", err)
	}
	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt.After(sess.ExpiresAt.Add(time.Second)) {
		t.Fatalf("expiry extended from %v to %v", sess.ExpiresAt, got.ExpiresAt)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}
