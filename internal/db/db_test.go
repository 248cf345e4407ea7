package db

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/testutil"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
)

// setupTestDB opens a fresh migrated database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "aim.db"))
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return db
}

func TestMigrate_UpDownVersion(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "aim.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	v, dirty, err := db.MigrateVersion()
	if err != nil || v != 0 || dirty {
		t.Fatalf("fresh db: version=%d dirty=%v err=%v", v, dirty, err)
	}

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	// second run is a no-op
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 2 {
		t.Errorf("Expected version 2, got %d", v)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 1 {
		t.Errorf("Expected version 1 after down, got %d", v)
	}

	if err := db.MigrateTo(2); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_frames_session_captured'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected capture index to exist, got %d", n)
	}
}

func TestSessionsAndFrames(t *testing.T) {
	db := setupTestDB(t)

	id, err := db.StartSession(`{"max_armor_distance":10000}`, "replay:test.jsonl")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	other, err := db.StartSession("", "mock")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	frames := []FrameRecord{
		{FrameID: 2, Captured: 2000, Markers: 1, Mode: "relative", Outcome: "command", TargetID: 1, Sent: true, Yaw: 0.1, Pitch: -0.02, HasPrediction: true, PredX: 10, PredY: -5, PredZ: 3000},
		{FrameID: 1, Captured: 1000, Markers: 0, Mode: "relative", Outcome: "no_target"},
	}
	if err := db.InsertFrames(id, frames); err != nil {
		t.Fatalf("InsertFrames: %v", err)
	}
	if err := db.InsertFrames(id, nil); err != nil {
		t.Errorf("empty InsertFrames returned %v", err)
	}
	// duplicate primary key rolls back the whole batch
	if err := db.InsertFrames(id, []FrameRecord{{FrameID: 3, Captured: 3000}, {FrameID: 1}}); err == nil {
		t.Error("Expected duplicate frame to fail")
	}

	got, err := db.SessionFrames(id)
	if err != nil {
		t.Fatalf("SessionFrames: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if got[0].FrameID != 1 || got[1] != frames[0] {
		t.Errorf("Unexpected frames %+v", got)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	counts := map[string]int64{}
	for _, s := range sessions {
		counts[s.ID] = s.Frames
		if s.StartedAt.IsZero() {
			t.Errorf("session %s has no start time", s.ID)
		}
	}
	if counts[id] != 2 || counts[other] != 0 {
		t.Errorf("Unexpected frame counts %v", counts)
	}
}

func TestInsertFrames_UnknownSession(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InsertFrames("missing", []FrameRecord{{FrameID: 1}}); err == nil {
		t.Error("Expected foreign key violation")
	}
}

func TestRecorder_FlushOnTick(t *testing.T) {
	db := setupTestDB(t)
	id, _ := db.StartSession("", "test")
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	rec := NewRecorder(db, id, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		rec.Record(FrameRecord{FrameID: uint64(i), Captured: int64(i) * 100, Mode: "relative", Outcome: "command"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.Stats().Written < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for flush, stats %+v", rec.Stats())
		}
		clock.Advance(DefaultRecorderInterval)
		time.Sleep(5 * time.Millisecond)
	}

	frames, err := db.SessionFrames(id)
	if err != nil || len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d (%v)", len(frames), err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRecorder_FlushOnShutdown(t *testing.T) {
	db := setupTestDB(t)
	id, _ := db.StartSession("", "test")
	rec := NewRecorder(db, id, timeutil.NewMockClock(time.Unix(0, 0)))

	for i := 1; i <= 5; i++ {
		rec.Record(FrameRecord{FrameID: uint64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if got := rec.Stats().Written; got != 5 {
		t.Errorf("Expected 5 written on shutdown, got %d", got)
	}
}

func TestRecorder_RecordAfterShutdownIsCounted(t *testing.T) {
	db := setupTestDB(t)
	id, _ := db.StartSession("", "test")
	rec := NewRecorder(db, id, timeutil.NewMockClock(time.Unix(0, 0)))
	rec.Record(FrameRecord{FrameID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// a frame finished by the loop after the recorder stopped
	rec.Record(FrameRecord{FrameID: 2})

	st := rec.Stats()
	if st.Written != 1 || st.Dropped != 1 {
		t.Errorf("Expected 1 written and 1 dropped, got %+v", st)
	}
	frames, err := db.SessionFrames(id)
	if err != nil {
		t.Fatalf("SessionFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("Expected 1 stored frame, got %d", len(frames))
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	db := setupTestDB(t)
	rec := NewRecorder(db, "unused", nil)

	for i := 0; i < DefaultRecorderBuffer+5; i++ {
		rec.Record(FrameRecord{FrameID: uint64(i)})
	}
	if got := rec.Stats().Dropped; got != 5 {
		t.Errorf("Expected 5 dropped, got %d", got)
	}
}

func TestRecorder_FailedBatch(t *testing.T) {
	db := setupTestDB(t)
	rec := NewRecorder(db, "no-such-session", nil)
	rec.Record(FrameRecord{FrameID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	if st := rec.Stats(); st.Failed != 1 || st.Written != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	id, _ := db.StartSession("", "test")
	if err := db.InsertFrames(id, []FrameRecord{{FrameID: 7, Mode: "absolute", Outcome: "command"}}); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"sessions", "/debug/sessions", http.StatusOK, id},
		{"frames", "/debug/session-frames?id=" + id, http.StatusOK, `"frame_id":7`},
		{"frames missing id", "/debug/session-frames", http.StatusBadRequest, "missing id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.Serve(mux, testutil.LocalRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.body) {
				t.Errorf("Expected body to contain %q, got %q", tt.body, w.Body.String())
			}
		})
	}

	t.Run("backup", func(t *testing.T) {
		w := testutil.Serve(mux, testutil.LocalRequest(http.MethodGet, "/debug/backup", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		// gzip magic
		if b := w.Body.Bytes(); len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
			t.Errorf("Expected gzip body")
		}
	})
}
