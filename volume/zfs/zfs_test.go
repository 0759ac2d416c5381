package zfs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/projecteru2/sprout/executor/fake"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
)

var root = types.StorageRoot{Pool: "tank", Dataset: "tank/sprout", MountBase: "/sprout"}

func newFake() *fake.Executor {
	ex := fake.New("h1")
	ex.Reply("zfs get -H -o value mounted", "yes\n", "", 0)
	return ex
}

func TestCreateDataset_Commands(t *testing.T) {
	ex := newFake()
	z := New(ex)
	ds, mp, err := z.CreateDataset(context.Background(), root, "db1", volume.CreateOptions{QuotaBytes: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if ds != "tank/sprout/db1" || mp != "/sprout/db1" {
		t.Errorf("got %s %s", ds, mp)
	}
	calls := ex.Calls()
	want := []string{
		"zfs get -H -o value mounted tank/sprout",
		"zfs create -o compression=lz4 -o recordsize=8K -o mountpoint=/sprout/db1 -o quota=1024 tank/sprout/db1",
		"chown 999:999 /sprout/db1",
		"chmod 700 /sprout/db1",
	}
	if strings.Join(calls, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls:\n%s", strings.Join(calls, "\n"))
	}
}

func TestCreateDataset_RootUnmounted(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs get -H -o value mounted", "no\n", "", 0)
	_, _, err := New(ex).CreateDataset(context.Background(), root, "db1", volume.CreateOptions{})
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("got %v", err)
	}
	if ex.Called("zfs create") {
		t.Error("create issued on unmounted root")
	}
}

func TestCreateDataset_AlreadyExists(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs create", "", "cannot create 'tank/sprout/db1': dataset already exists", 1)
	_, _, err := New(ex).CreateDataset(context.Background(), root, "db1", volume.CreateOptions{})
	if !errors.Is(err, volume.ErrAlreadyExists) || !errors.Is(err, types.ErrResourceConflict) {
		t.Fatalf("got %v", err)
	}
}

func TestCreateDataset_ChownFailureDestroys(t *testing.T) {
	ex := newFake()
	ex.Reply("chown", "", "chown: invalid user", 1)
	_, _, err := New(ex).CreateDataset(context.Background(), root, "db1", volume.CreateOptions{})
	if !errors.Is(err, types.ErrExecution) {
		t.Fatalf("got %v", err)
	}
	if !ex.Called("zfs destroy -r tank/sprout/db1") {
		t.Errorf("dataset not cleaned up: %v", ex.Calls())
	}
}

func TestSnapshot_DuplicateLabel(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs snapshot", "", "cannot create snapshot 'tank/sprout/db1@x': dataset already exists", 1)
	_, err := New(ex).Snapshot(context.Background(), "tank/sprout/db1", "x")
	if !errors.Is(err, volume.ErrDuplicateLabel) {
		t.Fatalf("got %v", err)
	}
}

func TestSnapshot_BadLabel(t *testing.T) {
	_, err := New(fake.New("h1")).Snapshot(context.Background(), "tank/sprout/db1", "a@b")
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("got %v", err)
	}
}

func TestClone_SourceMissing(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs clone", "", "cannot open 'tank/sprout/db1@gone': dataset does not exist", 1)
	_, _, err := New(ex).Clone(context.Background(), "tank/sprout/db1@gone", root, "db2", volume.CreateOptions{})
	if !errors.Is(err, volume.ErrSourceNotFound) || !errors.Is(err, types.ErrSourceNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestClone_Command(t *testing.T) {
	ex := newFake()
	ds, mp, err := New(ex).Clone(context.Background(), "tank/sprout/db1@c", root, "db2", volume.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ds != "tank/sprout/db2" || mp != "/sprout/db2" {
		t.Errorf("got %s %s", ds, mp)
	}
	if !ex.Called("zfs clone -o mountpoint=/sprout/db2 tank/sprout/db1@c tank/sprout/db2") {
		t.Errorf("calls: %v", ex.Calls())
	}
}

func TestDestroy_HasDependents(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs destroy", "", "cannot destroy 'tank/sprout/db1': filesystem has dependent clones\nuse '-R' to destroy the following datasets:\ntank/sprout/db2", 1)
	err := New(ex).Destroy(context.Background(), "tank/sprout/db1", true)
	if !errors.Is(err, volume.ErrHasDependents) || !errors.Is(err, types.ErrDependencyConflict) {
		t.Fatalf("got %v", err)
	}
}

func TestDestroy_Missing(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs destroy", "", "cannot open 'tank/sprout/x': dataset does not exist", 1)
	if err := New(ex).Destroy(context.Background(), "tank/sprout/x", true); !errors.Is(err, volume.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestExists(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs list -H -o name -t all tank/sprout/gone", "", "cannot open 'tank/sprout/gone': dataset does not exist", 1)
	z := New(ex)
	if ok, err := z.Exists(context.Background(), "tank/sprout/gone"); ok || err != nil {
		t.Errorf("gone: %v %v", ok, err)
	}
	if ok, err := z.Exists(context.Background(), "tank/sprout/here"); !ok || err != nil {
		t.Errorf("here: %v %v", ok, err)
	}
}

func TestUsage_Tolerant(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs get -Hp -o value logicalused,referenced tank/sprout/ok", "4096\n2048\n", "", 0)
	ex.Reply("zfs get -Hp -o value logicalused,referenced tank/sprout/bad", "", "boom", 1)
	z := New(ex)
	u := z.Usage(context.Background(), "tank/sprout/ok")
	if !u.Known || u.Logical != 4096 || u.Referenced != 2048 {
		t.Errorf("ok: %+v", u)
	}
	if u := z.Usage(context.Background(), "tank/sprout/bad"); u.Known {
		t.Errorf("bad: %+v", u)
	}
}

func TestListSnapshots_Parse(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs list -H -p -o name,creation -t snapshot", "tank/sprout/db1@root\t200\ntank/sprout/db1@early\t100\n", "", 0)
	got, err := New(ex).ListSnapshots(context.Background(), "tank/sprout/db1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Label != "early" || got[1].Label != "root" {
		t.Errorf("got %+v", got)
	}
}

func TestInspect(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs version", "zfs-2.2.2-1\nzfs-kmod-2.2.2-1\n", "", 0)
	ex.Reply("zfs get -H -o value mounted", "yes\n", "", 0)
	st, err := New(ex).Inspect(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != "zfs-2.2.2-1" || !st.Exists || !st.Mounted {
		t.Errorf("got %+v", st)
	}
}

func TestInspect_RootMissing(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs get -H -o value mounted", "", "cannot open 'tank/sprout': dataset does not exist", 1)
	st, err := New(ex).Inspect(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Exists || st.Mounted {
		t.Errorf("got %+v", st)
	}
}

func TestEnsureRoot_Idempotent(t *testing.T) {
	ex := newFake()
	ex.Reply("zfs create -p", "", "cannot create 'tank/sprout': dataset already exists", 1)
	if err := New(ex).EnsureRoot(context.Background(), root); err != nil {
		t.Fatalf("got %v", err)
	}
}
