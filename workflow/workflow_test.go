package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projecteru2/sprout/config"
	"github.com/projecteru2/sprout/container"
	cfake "github.com/projecteru2/sprout/container/fake"
	"github.com/projecteru2/sprout/events"
	"github.com/projecteru2/sprout/executor/fake"
	"github.com/projecteru2/sprout/host"
	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/metrics"
	"github.com/projecteru2/sprout/storage"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
	vfake "github.com/projecteru2/sprout/volume/fake"
)

var testRoot = types.StorageRoot{Pool: "tank", Dataset: "tank/sprout", MountBase: "/sprout"}

type harness struct {
	t      *testing.T
	eng    *Engine
	store  storage.Store[meta.Index]
	vol    *vfake.Driver
	rt     *cfake.Runtime
	events *events.Recorder
	host   *types.Host

	mu       sync.Mutex
	probeErr error
	probed   []types.ConnectionInfo
	renames  []string
}

func newHarness(t *testing.T, tune ...func(*config.Config)) *harness {
	t.Helper()
	conf := config.DefaultConfig()
	conf.HealthTimeoutSeconds = 1
	conf.HealthIntervalSeconds = 1
	conf.ProbeTimeoutSeconds = 1
	for _, fn := range tune {
		fn(conf)
	}
	store, locker := meta.NewMemory(filepath.Join(t.TempDir(), "sprout.json"))
	h := &harness{
		t:      t,
		store:  store,
		vol:    vfake.New(),
		rt:     cfake.New(),
		events: &events.Recorder{},
	}
	backends := host.Static{}
	h.eng = New(conf, store, locker, backends,
		WithEvents(h.events),
		WithMetrics(metrics.New()),
		WithProbe(h.probe),
		WithRename(h.rename),
	)
	ctx := context.Background()
	added, err := h.eng.AddHost(ctx, types.Host{Name: "local", Mode: types.ModeLocal, Root: testRoot})
	if err != nil {
		t.Fatal(err)
	}
	backends[added.ID] = &host.Backend{Exec: fake.New("local"), Volume: h.vol, Runtime: h.rt}
	if h.host, err = h.eng.ValidateHost(ctx, "local", false); err != nil {
		t.Fatal(err)
	}
	if !h.host.Validation.Ready() {
		t.Fatalf("host not ready: %+v", h.host.Validation)
	}
	return h
}

func (h *harness) probe(_ context.Context, info types.ConnectionInfo, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probed = append(h.probed, info)
	return h.probeErr
}

func (h *harness) rename(_ context.Context, _ types.ConnectionInfo, from, to string, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renames = append(h.renames, from+"->"+to)
	return nil
}

func (h *harness) failProbe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeErr = err
}

func (h *harness) create(spec types.CreateSpec) *types.Database {
	h.t.Helper()
	if spec.HostID == "" {
		spec.HostID = "local"
	}
	db, err := h.eng.CreateDatabase(context.Background(), spec)
	if err != nil {
		h.t.Fatalf("create %s: %v", spec.Name, err)
	}
	return db
}

func (h *harness) get(ref string) types.Database {
	h.t.Helper()
	db, _, err := h.eng.loadDatabase(context.Background(), ref)
	if err != nil {
		h.t.Fatalf("load %s: %v", ref, err)
	}
	return db
}

func (h *harness) portsInUse() int {
	h.t.Helper()
	n, err := h.eng.Ports().InUse(context.Background(), h.host.ID)
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

func TestScenario_CloneThenDeleteInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	db1 := h.create(types.CreateSpec{Name: "db1"})
	if db1.Port != 5432 || db1.Status != types.StatusRunning || db1.Phase != types.PhaseHealthVerified {
		t.Fatalf("db1: %+v", db1)
	}
	if !h.vol.HasDataset("tank/sprout/db1") || !h.rt.Has("sprout_db_db1") {
		t.Fatal("db1 resources missing")
	}
	if !h.vol.HasSnapshot("tank/sprout/db1@root") {
		t.Error("root snapshot missing")
	}

	db2 := h.create(types.CreateSpec{Name: "db2", CreationType: types.CreationClone, SourceDatabase: "db1"})
	if db2.Port == db1.Port {
		t.Errorf("clone reused port %d", db2.Port)
	}
	if db2.Credential != db1.Credential {
		t.Errorf("clone credential %+v, source %+v", db2.Credential, db1.Credential)
	}
	if db2.SourceDatabase != db1.ID || db2.SourceSnapshot == "" {
		t.Errorf("lineage edge: %+v", db2)
	}
	origin := h.vol.OriginOf("tank/sprout/db2")
	if !strings.HasPrefix(origin, "tank/sprout/db1@clone-db2-") {
		t.Errorf("cloned from %q", origin)
	}
	spec, _ := h.rt.SpecOf("sprout_db_db2")
	if spec.Env["POSTGRES_PASSWORD"] != db1.Credential.Password || spec.HostPort != db2.Port {
		t.Errorf("container spec: %+v", spec)
	}

	info1, err := h.eng.GetConnectionInfo(ctx, "db1")
	if err != nil {
		t.Fatal(err)
	}
	info2, err := h.eng.GetConnectionInfo(ctx, "db2")
	if err != nil {
		t.Fatal(err)
	}
	if info1.Username != info2.Username || info1.Password != info2.Password {
		t.Errorf("connection credentials differ: %+v vs %+v", info1, info2)
	}
	if info2.Database != "db2" || !slices.Contains(h.renames, "db1->db2") {
		t.Errorf("inner database not renamed: %+v %v", info2, h.renames)
	}

	deps, err := h.eng.GetDependencies(ctx, "db1")
	if err != nil || len(deps) != 1 || deps[0].Name != "db2" {
		t.Fatalf("deps: %v %v", deps, err)
	}

	err = h.eng.DeleteDatabase(ctx, "db1", false)
	var conflict *types.DependencyConflictError
	if !errors.As(err, &conflict) || !slices.Equal(conflict.Blockers, []string{"db2"}) {
		t.Fatalf("delete db1: %v", err)
	}
	if !errors.Is(err, types.ErrDependencyConflict) {
		t.Errorf("not a dependency conflict: %v", err)
	}
	if got := h.get(db1.ID); got.Status != types.StatusRunning || !h.vol.HasDataset("tank/sprout/db1") {
		t.Errorf("db1 changed by refused delete: %+v", got)
	}

	if err := h.eng.DeleteDatabase(ctx, "db2", false); err != nil {
		t.Fatal(err)
	}
	if h.vol.HasSnapshot(origin) {
		t.Errorf("origin snapshot %s left behind", origin)
	}
	if err := h.eng.DeleteDatabase(ctx, "db1", false); err != nil {
		t.Fatal(err)
	}
	if h.vol.HasDataset("tank/sprout/db1") || h.vol.HasDataset("tank/sprout/db2") {
		t.Error("datasets left behind")
	}
	if len(h.rt.Names()) != 0 {
		t.Errorf("containers left: %v", h.rt.Names())
	}
	if n := h.portsInUse(); n != 0 {
		t.Errorf("%d ports still held", n)
	}
	if got := h.get(db1.ID); got.Status != types.StatusDeleted || got.Phase != types.PhaseDeleted || got.DeletedAt == nil {
		t.Errorf("db1 record: %+v", got)
	}
}

func TestCreate_HealthTimeoutCompensates(t *testing.T) {
	h := newHarness(t)
	h.failProbe(errors.New("connection refused"))

	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: "broken"})
	var perr *types.ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, types.ErrHealthCheckTimeout) || perr.Phase != types.PhaseContainerLaunched {
		t.Errorf("got %v at %s", err, perr.Phase)
	}
	if len(perr.Warnings) != 0 {
		t.Errorf("warnings: %v", perr.Warnings)
	}
	if h.vol.HasDataset("tank/sprout/broken") || h.rt.Has("sprout_db_broken") {
		t.Error("resources left behind")
	}
	if n := h.portsInUse(); n != 0 {
		t.Errorf("%d ports still held", n)
	}
	dbs, _ := h.eng.ListDatabases(context.Background(), "", true)
	if len(dbs) != 1 || dbs[0].Status != types.StatusDeleted || dbs[0].Phase != types.PhaseFailed || dbs[0].LastError == "" {
		t.Errorf("record: %+v", dbs)
	}
	if !slices.Contains(h.events.Types(), events.DatabaseCreateFailed) {
		t.Errorf("events: %v", h.events.Types())
	}
}

func TestCreate_CloneFailureRemovesOriginSnapshot(t *testing.T) {
	h := newHarness(t)
	h.create(types.CreateSpec{Name: "src"})
	h.failProbe(errors.New("password authentication failed"))

	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{
		HostID: "local", Name: "branch", CreationType: types.CreationClone, SourceDatabase: "src",
	})
	if !errors.Is(err, types.ErrHealthCheckTimeout) {
		t.Fatalf("got %v", err)
	}
	if got := h.vol.Snapshots(); !slices.Equal(got, []string{"tank/sprout/src@root"}) {
		t.Errorf("snapshots: %v", got)
	}
	snaps, _ := h.eng.ListSnapshots(context.Background(), "", "src")
	if len(snaps) != 1 || snaps[0].Origin != types.OriginRoot {
		t.Errorf("snapshot records: %+v", snaps)
	}
	if n := h.portsInUse(); n != 1 {
		t.Errorf("ports in use %d, want 1", n)
	}
}

func TestCreate_ExitedContainerCompensates(t *testing.T) {
	h := newHarness(t)
	h.rt.ExitOnLaunch = true
	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: "crashy"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if h.vol.HasDataset("tank/sprout/crashy") || h.rt.Has("sprout_db_crashy") || h.portsInUse() != 0 {
		t.Error("resources left behind")
	}
}

func TestCreate_CancellationCompensates(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.probe = func(context.Context, types.ConnectionInfo, time.Duration) error {
		cancel()
		return errors.New("not yet")
	}
	_, err := h.eng.CreateDatabase(ctx, types.CreateSpec{HostID: "local", Name: "aborted"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if h.vol.HasDataset("tank/sprout/aborted") || h.rt.Has("sprout_db_aborted") || h.portsInUse() != 0 {
		t.Error("resources left behind")
	}
}

func TestCreate_NameInUseLeavesForeignContainer(t *testing.T) {
	h := newHarness(t)
	foreign, err := h.rt.Launch(context.Background(), container.Spec{Name: "sprout_db_taken", Image: "nginx:alpine"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: "taken"})
	if !errors.Is(err, container.ErrNameInUse) {
		t.Fatalf("got %v", err)
	}
	st, err := h.rt.Inspect(context.Background(), "sprout_db_taken")
	if err != nil || st.ID != foreign {
		t.Fatalf("foreign container removed by rollback: %v", err)
	}
	if spec, _ := h.rt.SpecOf("sprout_db_taken"); spec.Image != "nginx:alpine" {
		t.Errorf("foreign container replaced: %+v", spec)
	}
	if h.vol.HasDataset("tank/sprout/taken") || h.portsInUse() != 0 {
		t.Error("resources left behind")
	}
}

func TestCreate_IncompleteRollbackKeepsRecord(t *testing.T) {
	h := newHarness(t)
	h.failProbe(errors.New("refused"))
	h.vol.DestroyErr = errors.New("dataset is busy")

	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: "stuck"})
	var perr *types.ProvisionError
	if !errors.As(err, &perr) || len(perr.Warnings) == 0 {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, types.ErrHealthCheckTimeout) {
		t.Errorf("primary error masked: %v", err)
	}
	db := h.get("stuck")
	if db.Status != types.StatusError || db.Phase != types.PhaseFailed {
		t.Errorf("record: %+v", db)
	}
	if h.portsInUse() != 1 {
		t.Error("port released before dataset was destroyed")
	}

	h.vol.DestroyErr = nil
	report, err := h.eng.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.Compensated, []string{"stuck"}) {
		t.Errorf("report: %+v", report)
	}
	if h.vol.HasDataset("tank/sprout/stuck") || h.portsInUse() != 0 {
		t.Error("recover left resources behind")
	}
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	cases := []struct {
		name string
		spec types.CreateSpec
		want error
	}{
		{"too short", types.CreateSpec{Name: "ab"}, types.ErrInvalidArgument},
		{"leading underscore", types.CreateSpec{Name: "_abc"}, types.ErrInvalidArgument},
		{"trailing underscore", types.CreateSpec{Name: "abc_"}, types.ErrInvalidArgument},
		{"dash", types.CreateSpec{Name: "a-b-c"}, types.ErrInvalidArgument},
		{"too long", types.CreateSpec{Name: strings.Repeat("a", 64)}, types.ErrInvalidArgument},
		{"version", types.CreateSpec{Name: "abc", Version: "9"}, types.ErrInvalidArgument},
		{"empty with source", types.CreateSpec{Name: "abc", SourceDatabase: "db1"}, types.ErrInvalidArgument},
		{"clone without source", types.CreateSpec{Name: "abc", CreationType: types.CreationClone}, types.ErrInvalidArgument},
		{"duplicate", types.CreateSpec{Name: "db1"}, types.ErrResourceConflict},
		{"duplicate case", types.CreateSpec{Name: "DB1"}, types.ErrResourceConflict},
		{"missing source", types.CreateSpec{Name: "abc", CreationType: types.CreationClone, SourceDatabase: "nope"}, types.ErrSourceNotFound},
		{"missing snapshot", types.CreateSpec{Name: "abc", CreationType: types.CreationSnapshotRestore, SourceSnapshot: "tank/sprout/db1@nope"}, types.ErrSourceNotFound},
		{"unknown host", types.CreateSpec{HostID: "mars", Name: "abc"}, types.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.spec.HostID == "" {
				tc.spec.HostID = "local"
			}
			if _, err := h.eng.CreateDatabase(ctx, tc.spec); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	if n := h.portsInUse(); n != 1 {
		t.Errorf("rejected requests hold ports: %d", n)
	}
}

func TestCreate_HostNotValidated(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.AddHost(context.Background(), types.Host{Name: "raw", Mode: types.ModeLocal, Root: testRoot}); err != nil {
		t.Fatal(err)
	}
	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "raw", Name: "abc"})
	if !errors.Is(err, types.ErrHostNotReady) {
		t.Errorf("got %v", err)
	}
}

func TestCreate_ExhaustedRange(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.PortRangeEnd = 5433 })
	h.create(types.CreateSpec{Name: "one"})
	last := h.create(types.CreateSpec{Name: "two"})
	if last.Port != 5433 {
		t.Errorf("last port %d", last.Port)
	}
	_, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: "three"})
	if !errors.Is(err, types.ErrExhaustedRange) {
		t.Fatalf("got %v", err)
	}
	if h.vol.HasDataset("tank/sprout/three") {
		t.Error("storage touched after exhausted range")
	}
}

func TestCreate_ConcurrentDistinctPorts(t *testing.T) {
	h := newHarness(t)
	const n = 20
	var wg sync.WaitGroup
	ports := make([]int, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, err := h.eng.CreateDatabase(context.Background(), types.CreateSpec{HostID: "local", Name: fmt.Sprintf("c%02d", i)})
			if err != nil {
				errs[i] = err
				return
			}
			ports[i] = db.Port
		}()
	}
	wg.Wait()
	seen := make(map[int]bool)
	for i, p := range ports {
		if errs[i] != nil {
			t.Fatalf("c%02d: %v", i, errs[i])
		}
		if p < 5432 || p > 5500 || seen[p] {
			t.Errorf("port %d duplicated or out of range", p)
		}
		seen[p] = true
	}
}

func TestLifecycle_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	if err := h.eng.StopDatabase(ctx, "db1"); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.StopDatabase(ctx, "db1"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := h.get("db1"); got.Status != types.StatusStopped {
		t.Errorf("status %s", got.Status)
	}
	if st, _ := h.rt.Inspect(ctx, "sprout_db_db1"); st.Running {
		t.Error("container still running")
	}
	if err := h.eng.StartDatabase(ctx, "db1"); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.RestartDatabase(ctx, "db1"); err != nil {
		t.Fatal(err)
	}
	if got := h.get("db1"); got.Status != types.StatusRunning {
		t.Errorf("status %s", got.Status)
	}
	want := []events.Type{events.DatabaseCreated, events.DatabaseStopped, events.DatabaseStarted, events.DatabaseRestarted}
	if got := h.events.Types(); !slices.Equal(got, want) {
		t.Errorf("events %v, want %v", got, want)
	}
}

func TestLifecycle_MissingContainerMarksError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})
	_ = h.rt.Remove(ctx, "sprout_db_db1")

	if err := h.eng.StopDatabase(ctx, "db1"); err == nil {
		t.Fatal("stop of a vanished container succeeded")
	}
	if got := h.get("db1"); got.Status != types.StatusError || got.LastError == "" {
		t.Errorf("record: %+v", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	db1 := h.create(types.CreateSpec{Name: "db1"})

	snap, err := h.eng.CreateSnapshot(ctx, "db1", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.CreateSnapshot(ctx, "db1", "v1"); !errors.Is(err, types.ErrResourceConflict) {
		t.Errorf("duplicate label: %v", err)
	}

	db3 := h.create(types.CreateSpec{Name: "db3", CreationType: types.CreationSnapshotRestore, SourceSnapshot: "tank/sprout/db1@v1"})
	if db3.Credential != db1.Credential || db3.SourceSnapshot != snap.ID || db3.SourceDatabase != "" {
		t.Errorf("restore: %+v", db3)
	}
	if h.vol.OriginOf("tank/sprout/db3") != "tank/sprout/db1@v1" {
		t.Errorf("restored from %q", h.vol.OriginOf("tank/sprout/db3"))
	}

	if err := h.eng.DeleteSnapshot(ctx, snap.ID); !errors.Is(err, types.ErrDependencyConflict) {
		t.Errorf("delete pinned snapshot: %v", err)
	}
	if err := h.eng.DeleteDatabase(ctx, "db1", false); !errors.Is(err, types.ErrDependencyConflict) {
		t.Errorf("delete restore source: %v", err)
	}
	if err := h.eng.DeleteDatabase(ctx, "db3", false); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.DeleteSnapshot(ctx, "tank/sprout/db1@v1"); err != nil {
		t.Fatal(err)
	}
	if h.vol.HasSnapshot("tank/sprout/db1@v1") {
		t.Error("snapshot still on disk")
	}
}

func TestDelete_ForceCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})
	h.create(types.CreateSpec{Name: "db2", CreationType: types.CreationClone, SourceDatabase: "db1"})
	h.create(types.CreateSpec{Name: "db3", CreationType: types.CreationClone, SourceDatabase: "db2"})

	deps, err := h.eng.GetDependencies(ctx, "db1")
	if err != nil || len(deps) != 2 || deps[0].Name != "db3" {
		t.Fatalf("deps: %v %v", deps, err)
	}
	if err := h.eng.DeleteDatabase(ctx, "db1", true); err != nil {
		t.Fatal(err)
	}
	live, _ := h.eng.ListDatabases(ctx, "", false)
	if len(live) != 0 {
		t.Errorf("live after cascade: %v", live)
	}
	if got := h.vol.Snapshots(); len(got) != 0 {
		t.Errorf("snapshots left: %v", got)
	}
	if err := h.eng.DeleteDatabase(ctx, "db1", false); err == nil {
		t.Error("name of a deleted database still resolves")
	}
}

func TestDelete_AlreadyDeletedIsNoop(t *testing.T) {
	h := newHarness(t)
	db := h.create(types.CreateSpec{Name: "db1"})
	if err := h.eng.DeleteDatabase(context.Background(), db.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.DeleteDatabase(context.Background(), db.ID, false); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	if _, _, err := h.vol.CreateDataset(ctx, testRoot, "ghost", volume.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := h.store.Update(ctx, func(idx *meta.Index) error {
		idx.Databases["ghost0001"] = &types.Database{
			ID: "ghost0001", HostID: h.host.ID, Name: "ghost", Port: 5499,
			Status: types.StatusProvisioning, Phase: types.PhaseStorageReady,
			CreationType: types.CreationEmpty, Dataset: "tank/sprout/ghost",
			ContainerName: "sprout_db_ghost", CreatedAt: old, UpdatedAt: old,
		}
		db1 := idx.LiveByName(h.host.ID, "db1")
		db1.Status, db1.Phase, db1.UpdatedAt = types.StatusDeleting, types.PhaseDependencyChecked, old
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	report, err := h.eng.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(report.Compensated, []string{"ghost"}) || !slices.Equal(report.Resumed, []string{"db1"}) {
		t.Errorf("report: %+v", report)
	}
	if h.vol.HasDataset("tank/sprout/ghost") || h.vol.HasDataset("tank/sprout/db1") || h.rt.Has("sprout_db_db1") {
		t.Error("recover left resources behind")
	}
	if h.portsInUse() != 0 {
		t.Error("ports still held")
	}
	if got := h.get("ghost0001"); got.Status != types.StatusDeleted || got.Phase != types.PhaseFailed {
		t.Errorf("ghost: %+v", got)
	}
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	h.rt.SetRunning("sprout_db_db1", false)
	db, err := h.eng.Refresh(ctx, "db1")
	if err != nil || db.Status != types.StatusStopped {
		t.Fatalf("got %+v %v", db, err)
	}
	h.rt.SetRunning("sprout_db_db1", true)
	if db, _ = h.eng.Refresh(ctx, "db1"); db.Status != types.StatusRunning {
		t.Errorf("status %s", db.Status)
	}
	_ = h.rt.Remove(ctx, "sprout_db_db1")
	if err := h.eng.RefreshHost(ctx, "local"); err != nil {
		t.Fatal(err)
	}
	if got := h.get("db1"); got.Status != types.StatusError {
		t.Errorf("status %s", got.Status)
	}
}

func TestInspectAndLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	info, err := h.eng.InspectDatabase(ctx, "db1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Container == nil || !info.Container.Running || !info.Usage.Known || info.Host != "local" {
		t.Errorf("info: %+v", info)
	}
	logs, err := h.eng.FetchLogs(ctx, "db1", 10)
	if err != nil || logs == "" {
		t.Errorf("logs %q %v", logs, err)
	}
}

func TestRemoveHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(types.CreateSpec{Name: "db1"})

	if err := h.eng.RemoveHost(ctx, "local"); !errors.Is(err, types.ErrDependencyConflict) {
		t.Fatalf("got %v", err)
	}
	if err := h.eng.DeleteDatabase(ctx, "db1", false); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.RemoveHost(ctx, "local"); err != nil {
		t.Fatal(err)
	}
	hosts, _ := h.eng.ListHosts(ctx)
	if len(hosts) != 0 {
		t.Errorf("hosts: %v", hosts)
	}
}

func TestAddHost_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []types.Host{
		{Name: "", Mode: types.ModeLocal, Root: testRoot},
		{Name: "x", Mode: "telepathy", Root: testRoot},
		{Name: "x", Mode: types.ModeRemote, Root: testRoot},
		{Name: "x", Mode: types.ModeLocal},
	}
	for _, c := range cases {
		if _, err := h.eng.AddHost(ctx, c); !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("%+v: %v", c, err)
		}
	}
	if _, err := h.eng.AddHost(ctx, types.Host{Name: "local", Mode: types.ModeLocal, Root: testRoot}); !errors.Is(err, types.ErrResourceConflict) {
		t.Errorf("duplicate name: %v", err)
	}
}
