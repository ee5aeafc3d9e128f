package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/clipstack/clipstack/internal/sync/change"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return s
}

func testRecord(userID string, et change.EntityType, entityID string, op change.Operation, version int64, deviceID, clientOpID string) *change.Record {
	rec := &change.Record{
		ID:                uuid.NewString(),
		UserID:            userID,
		EntityType:        et,
		EntityID:          entityID,
		Operation:         op,
		Version:           version,
		OriginDeviceID:    deviceID,
		ClientOperationID: clientOpID,
		ServerTimestamp:   time.Now().UTC(),
	}
	if op != change.OpDelete {
		rec.Payload = json.RawMessage(fmt.Sprintf(`{"v":%d}`, version))
	}
	return rec
}

// mustAppend appends a record and fails the test on any CAS miss or error.
func mustAppend(t *testing.T, s *Store, rec *change.Record, expected int64) {
	t.Helper()
	applied, err := s.AppendChange(context.Background(), rec, expected)
	if err != nil {
		t.Fatalf("AppendChange failed: %v", err)
	}
	if !applied {
		t.Fatalf("AppendChange lost the CAS for %s at expected %d", rec.Key(), expected)
	}
}

func TestAppendChangeAdvancesVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec1 := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1")
	mustAppend(t, s, rec1, 0)
	if rec1.Seq == 0 {
		t.Error("Seq should be assigned on append")
	}

	version, deleted, err := s.CurrentVersion(ctx, rec1.Key())
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 1 || deleted {
		t.Errorf("CurrentVersion = (%d, %v), want (1, false)", version, deleted)
	}

	rec2 := testRecord("u1", change.EntityClip, "c1", change.OpUpdate, 2, "dev-a", "op-2")
	mustAppend(t, s, rec2, 1)
	if rec2.Seq <= rec1.Seq {
		t.Errorf("Seq must be strictly increasing: %d then %d", rec1.Seq, rec2.Seq)
	}
}

func TestAppendChangeCASMiss(t *testing.T) {
	s := newTestStore(t)

	rec1 := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1")
	mustAppend(t, s, rec1, 0)

	// A second writer that still believes the entity is at version 0 loses.
	stale := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-b", "op-x")
	applied, err := s.AppendChange(context.Background(), stale, 0)
	if err != nil {
		t.Fatalf("AppendChange failed: %v", err)
	}
	if applied {
		t.Error("stale append should lose the CAS")
	}

	// The log must not contain the loser.
	version, _, err := s.CurrentVersion(context.Background(), rec1.Key())
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d after CAS miss, want 1", version)
	}
}

func TestAppendChangeRejectsVersionGap(t *testing.T) {
	s := newTestStore(t)
	rec := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 3, "dev-a", "op-1")
	if _, err := s.AppendChange(context.Background(), rec, 0); err == nil {
		t.Error("append with a version gap should fail")
	}
}

func TestAppendChangeTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1"), 0)
	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpDelete, 2, "dev-a", "op-2"), 1)

	_, deleted, err := s.CurrentVersion(ctx, change.Key{UserID: "u1", EntityType: change.EntityClip, EntityID: "c1"})
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if !deleted {
		t.Error("cursor should mark the entity deleted after a tombstone")
	}

	latest, err := s.LatestRecord(ctx, change.Key{UserID: "u1", EntityType: change.EntityClip, EntityID: "c1"})
	if err != nil {
		t.Fatalf("LatestRecord failed: %v", err)
	}
	if latest == nil || !latest.IsTombstone() {
		t.Errorf("LatestRecord = %+v, want tombstone", latest)
	}
	if len(latest.Payload) != 0 {
		t.Error("tombstone should carry no payload")
	}
}

func TestFindByClientOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1")
	mustAppend(t, s, rec, 0)

	found, err := s.FindByClientOp(ctx, "dev-a", "op-1")
	if err != nil {
		t.Fatalf("FindByClientOp failed: %v", err)
	}
	if found == nil || found.ID != rec.ID {
		t.Errorf("FindByClientOp = %+v, want record %s", found, rec.ID)
	}

	// Same token from a different device is a different operation.
	found, err = s.FindByClientOp(ctx, "dev-b", "op-1")
	if err != nil {
		t.Fatalf("FindByClientOp failed: %v", err)
	}
	if found != nil {
		t.Errorf("FindByClientOp for other device = %+v, want nil", found)
	}
}

func TestListChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1"), 0)
	mustAppend(t, s, testRecord("u1", change.EntityFolder, "f1", change.OpCreate, 1, "dev-a", "op-2"), 0)
	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpUpdate, 2, "dev-a", "op-3"), 1)
	mustAppend(t, s, testRecord("u2", change.EntityClip, "c9", change.OpCreate, 1, "dev-z", "op-4"), 0)

	tests := []struct {
		name string
		opts ListChangesOptions
		want int
	}{
		{name: "all changes for user", opts: ListChangesOptions{}, want: 3},
		{name: "since cursor", opts: ListChangesOptions{SinceSeq: 2}, want: 1},
		{name: "entity type filter", opts: ListChangesOptions{EntityTypes: []change.EntityType{change.EntityFolder}}, want: 1},
		{name: "limit", opts: ListChangesOptions{Limit: 2}, want: 2},
		{name: "past the end", opts: ListChangesOptions{SinceSeq: 100}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.ListChanges(ctx, "u1", tt.opts)
			if err != nil {
				t.Fatalf("ListChanges failed: %v", err)
			}
			if len(records) != tt.want {
				t.Errorf("got %d records, want %d", len(records), tt.want)
			}
			for i := 1; i < len(records); i++ {
				if records[i].Seq <= records[i-1].Seq {
					t.Errorf("records out of seq order: %d then %d", records[i-1].Seq, records[i].Seq)
				}
			}
			for _, rec := range records {
				if rec.UserID != "u1" {
					t.Errorf("leaked record for user %s", rec.UserID)
				}
			}
		})
	}
}

func TestMaxSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.MaxSeq(ctx, "u1")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("MaxSeq on empty log = %d, want 0", seq)
	}

	rec := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1")
	mustAppend(t, s, rec, 0)

	// Another user's later record must not leak into u1's cursor.
	other := testRecord("u2", change.EntityClip, "c9", change.OpCreate, 1, "dev-z", "op-z1")
	mustAppend(t, s, other, 0)

	seq, err = s.MaxSeq(ctx, "u1")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if seq != rec.Seq {
		t.Errorf("MaxSeq = %d, want %d", seq, rec.Seq)
	}

	seq, err = s.MaxSeq(ctx, "u2")
	if err != nil {
		t.Fatalf("MaxSeq failed: %v", err)
	}
	if seq != other.Seq {
		t.Errorf("MaxSeq for u2 = %d, want %d", seq, other.Seq)
	}
}

func TestPruneChangeLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC()
	rec1 := testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1")
	rec1.ServerTimestamp = old
	mustAppend(t, s, rec1, 0)
	rec2 := testRecord("u1", change.EntityClip, "c1", change.OpUpdate, 2, "dev-a", "op-2")
	rec2.ServerTimestamp = old
	mustAppend(t, s, rec2, 1)
	rec3 := testRecord("u1", change.EntityClip, "c1", change.OpUpdate, 3, "dev-a", "op-3")
	mustAppend(t, s, rec3, 2)

	// dev-b never caught up past the records about to be pruned.
	if err := s.UpsertDevice(ctx, "dev-b", "u1"); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := s.AdvanceDeviceCursor(ctx, "dev-b", rec1.Seq); err != nil {
		t.Fatalf("AdvanceDeviceCursor failed: %v", err)
	}

	pruned, err := s.PruneChangeLog(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneChangeLog failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d records, want 2", pruned)
	}

	// The newest record per entity always survives, even past the horizon.
	records, err := s.ListChanges(ctx, "u1", ListChangesOptions{})
	if err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if len(records) != 1 || records[0].Version != 3 {
		t.Errorf("surviving records = %+v, want only v3", records)
	}

	st, err := s.GetDeviceState(ctx, "dev-b")
	if err != nil {
		t.Fatalf("GetDeviceState failed: %v", err)
	}
	if !st.NeedsFullResync {
		t.Error("device behind the prune horizon should be flagged for full resync")
	}
}

func TestPruneChangeLogKeepsRecentRecords(t *testing.T) {
	s := newTestStore(t)

	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpCreate, 1, "dev-a", "op-1"), 0)
	mustAppend(t, s, testRecord("u1", change.EntityClip, "c1", change.OpUpdate, 2, "dev-a", "op-2"), 1)

	pruned, err := s.PruneChangeLog(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneChangeLog failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d recent records, want 0", pruned)
	}
}
