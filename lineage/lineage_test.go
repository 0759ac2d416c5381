package lineage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/projecteru2/sprout/executor/fake"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume/zfs"
)

func db(id, name string, status types.DatabaseStatus) *types.Database {
	return &types.Database{ID: id, HostID: "h1", Name: name, Status: status, CreatedAt: time.Now()}
}

func snap(id, owner, label string, origin types.SnapshotOrigin) *types.Snapshot {
	return &types.Snapshot{ID: id, HostID: "h1", DatabaseID: owner, Dataset: "tank/sprout/" + owner, Label: label, Origin: origin}
}

// a ← b (clone via sa) ← c (clone via sb); d restored from sa.
func chain() *meta.Index {
	idx := &meta.Index{}
	idx.Init()
	idx.Databases["a"] = db("a", "a", types.StatusRunning)
	idx.Databases["b"] = db("b", "b", types.StatusRunning)
	idx.Databases["c"] = db("c", "c", types.StatusStopped)
	idx.Snapshots["sa"] = snap("sa", "a", "clone-b", types.OriginClone)
	idx.Snapshots["sb"] = snap("sb", "b", "clone-c", types.OriginClone)
	idx.Databases["b"].SourceDatabase, idx.Databases["b"].SourceSnapshot = "a", "sa"
	idx.Databases["c"].SourceDatabase, idx.Databases["c"].SourceSnapshot = "b", "sb"
	return idx
}

func names(ds []Descendant) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Database.Name)
	}
	return out
}

func TestLiveDescendants_TransitiveDeepestFirst(t *testing.T) {
	idx := chain()
	if got := names(LiveDescendants(idx, "a")); !slices.Equal(got, []string{"c", "b"}) {
		t.Errorf("got %v", got)
	}
	if got := LiveDescendants(idx, "c"); len(got) != 0 {
		t.Errorf("leaf has descendants: %v", names(got))
	}
}

func TestLiveDescendants_ThroughDeletedIntermediate(t *testing.T) {
	idx := chain()
	idx.Databases["b"].Status = types.StatusDeleted
	if got := names(LiveDescendants(idx, "a")); !slices.Equal(got, []string{"c"}) {
		t.Errorf("got %v", got)
	}
}

func TestLiveDescendants_IgnoresDeleted(t *testing.T) {
	idx := chain()
	idx.Databases["c"].Status = types.StatusDeleted
	idx.Databases["b"].Status = types.StatusDeleted
	if got := LiveDescendants(idx, "a"); len(got) != 0 {
		t.Errorf("got %v", names(got))
	}
}

func TestSnapshotDescendants(t *testing.T) {
	idx := chain()
	idx.Databases["d"] = db("d", "d", types.StatusRunning)
	idx.Databases["d"].SourceSnapshot = "sa"
	got := names(SnapshotDescendants(idx, "sa"))
	slices.Sort(got)
	if !slices.Equal(got, []string{"b", "c", "d"}) {
		t.Errorf("got %v", got)
	}
}

func TestBlockers(t *testing.T) {
	idx := chain()
	err := Blockers("a", LiveDescendants(idx, "a"))
	var dce *types.DependencyConflictError
	if !errors.As(err, &dce) || !slices.Equal(dce.Blockers, []string{"c", "b"}) {
		t.Fatalf("got %v", err)
	}
	if Blockers("c", nil) != nil {
		t.Error("no descendants should mean no conflict")
	}
}

func TestRecordEdge(t *testing.T) {
	idx := chain()
	child := db("e", "e", types.StatusProvisioning)
	if err := RecordEdge(idx, child, "gone", ""); !errors.Is(err, types.ErrSourceNotFound) {
		t.Errorf("missing parent: %v", err)
	}
	idx.Databases["p"] = db("p", "p", types.StatusProvisioning)
	if err := RecordEdge(idx, child, "p", ""); !errors.Is(err, types.ErrSourceNotFound) {
		t.Errorf("provisioning parent accepted: %v", err)
	}
	if err := RecordEdge(idx, child, "a", ""); err != nil {
		t.Fatal(err)
	}
	if err := RecordEdge(idx, child, "b", ""); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("edge rewritten: %v", err)
	}
}

func TestRecordEdge_CrossHostRejected(t *testing.T) {
	idx := chain()
	child := db("e", "e", types.StatusProvisioning)
	child.HostID = "h2"
	if err := RecordEdge(idx, child, "a", ""); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("got %v", err)
	}
}

func TestBindSnapshot_WriteOnce(t *testing.T) {
	idx := chain()
	idx.Databases["e"] = db("e", "e", types.StatusProvisioning)
	idx.Databases["e"].SourceDatabase = "a"
	idx.Snapshots["sa2"] = snap("sa2", "a", "clone-e", types.OriginClone)
	if err := BindSnapshot(idx, "e", "sa2"); err != nil {
		t.Fatal(err)
	}
	if err := BindSnapshot(idx, "e", "sa"); err == nil {
		t.Error("second bind accepted")
	}
	if err := BindSnapshot(idx, "c", "sa"); err == nil {
		t.Error("bound to a snapshot of a different source")
	}
}

func TestHasLiveDescendants(t *testing.T) {
	store, locker := meta.NewMemory(filepath.Join(t.TempDir(), "idx.json"))
	ctx := context.Background()
	_ = store.Update(ctx, func(idx *meta.Index) error { *idx = *chain(); return nil })
	tr := New(store, locker)
	has, ds, err := tr.HasLiveDescendants(ctx, "a")
	if err != nil || !has || len(ds) != 2 {
		t.Fatalf("got %v %v %v", has, ds, err)
	}
	has, _, err = tr.SnapshotHasLiveDescendants(ctx, "sb")
	if err != nil || !has {
		t.Fatalf("snapshot: %v %v", has, err)
	}
	if _, _, err := tr.HasLiveDescendants(ctx, "zzz"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	store, locker := meta.NewMemory(filepath.Join(t.TempDir(), "idx.json"))
	ctx := context.Background()
	_ = store.Update(ctx, func(idx *meta.Index) error {
		*idx = *chain()
		// c is gone; sb is now unreferenced and flagged for removal.
		idx.Databases["c"].Status = types.StatusDeleted
		idx.Snapshots["sb"].RemovalRequested = true
		// manual snapshots are never collected.
		idx.Snapshots["m"] = snap("m", "a", "nightly", types.OriginManual)
		idx.Snapshots["m"].RemovalRequested = true
		return nil
	})
	ex := fake.New("h1")
	tr := New(store, locker)
	removed, err := tr.CleanupOrphans(ctx, "h1", zfs.New(ex))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(removed, []string{"tank/sprout/b@clone-c"}) {
		t.Errorf("removed %v", removed)
	}
	if !ex.Called("zfs destroy tank/sprout/b@clone-c") {
		t.Errorf("calls: %v", ex.Calls())
	}
	_ = store.With(ctx, func(idx *meta.Index) error {
		if idx.Snapshots["sb"] != nil {
			t.Error("record kept")
		}
		if idx.Snapshots["sa"] == nil || idx.Snapshots["m"] == nil {
			t.Error("pinned or manual snapshot removed")
		}
		return nil
	})
}

func TestCleanupOrphans_AlreadyGoneOnHost(t *testing.T) {
	store, locker := meta.NewMemory(filepath.Join(t.TempDir(), "idx.json"))
	ctx := context.Background()
	_ = store.Update(ctx, func(idx *meta.Index) error {
		*idx = *chain()
		idx.Databases["c"].Status = types.StatusDeleted
		idx.Databases["b"].Status = types.StatusDeleted
		idx.Snapshots["sa"].RemovalRequested = true
		return nil
	})
	ex := fake.New("h1")
	ex.Reply("zfs list -H -o name -t all tank/sprout/b@clone-c", "", "dataset does not exist", 1)
	ex.Reply("zfs list -H -o name -t all tank/sprout/a@clone-b", "", "dataset does not exist", 1)
	removed, err := New(store, locker).CleanupOrphans(ctx, "h1", zfs.New(ex))
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(removed)
	if !slices.Equal(removed, []string{"tank/sprout/a@clone-b", "tank/sprout/b@clone-c"}) {
		t.Errorf("removed %v", removed)
	}
	if ex.Called("zfs destroy") {
		t.Error("destroy issued for snapshots already gone")
	}
}
