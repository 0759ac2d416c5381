package host

import (
	"context"
	"errors"
	"testing"

	"github.com/projecteru2/sprout/config"
	cfake "github.com/projecteru2/sprout/container/fake"
	"github.com/projecteru2/sprout/executor"
	"github.com/projecteru2/sprout/executor/fake"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume/zfs"
)

var testHost = &types.Host{
	ID:   "h1",
	Name: "local",
	Mode: types.ModeLocal,
	Root: types.StorageRoot{Pool: "tank", Dataset: "tank/sprout", MountBase: "/sprout"},
}

func backend(ex *fake.Executor) *Backend {
	return &Backend{Exec: ex, Volume: zfs.New(ex), Runtime: cfake.New()}
}

func TestValidate_Ready(t *testing.T) {
	ex := fake.New("h1")
	ex.Reply("zfs version", "zfs-2.2.2-1\nzfs-kmod-2.2.2-1\n", "", 0)
	ex.Reply("zfs get -H -o value mounted", "yes\n", "", 0)

	v := Validate(context.Background(), backend(ex), testHost, false)
	if !v.Ready() {
		t.Fatalf("not ready: %+v", v)
	}
	if v.ZFSVersion != "zfs-2.2.2-1" || v.RuntimeVersion != "fake" {
		t.Errorf("versions: %+v", v)
	}
	if v.Message != "" {
		t.Errorf("message: %s", v.Message)
	}
}

func TestValidate_MissingTools(t *testing.T) {
	ex := fake.New("h1")
	ex.Reply("zfs version", "", "zfs: command not found", 127)

	v := Validate(context.Background(), backend(ex), testHost, false)
	if v.ToolsPresent || v.StorageMounted || v.Ready() {
		t.Errorf("got %+v", v)
	}
	if !v.RuntimeReady || v.Message == "" {
		t.Errorf("got %+v", v)
	}
}

func TestValidate_EnsureRoot(t *testing.T) {
	ex := fake.New("h1")
	ex.Reply("zfs version", "zfs-2.2.2-1\n", "", 0)
	created := false
	ex.On("zfs get -H -o value mounted", func([]string) (*executor.Result, error) {
		if !created {
			return &executor.Result{Stderr: "cannot open 'tank/sprout': dataset does not exist", ExitCode: 1}, nil
		}
		return &executor.Result{Stdout: "yes\n"}, nil
	})
	ex.On("zfs create -p", func([]string) (*executor.Result, error) {
		created = true
		return &executor.Result{}, nil
	})

	if v := Validate(context.Background(), backend(ex), testHost, false); v.StorageMounted {
		t.Fatalf("root reported mounted before creation: %+v", v)
	}
	if ex.Called("zfs create -p") {
		t.Fatal("root created without ensureRoot")
	}
	v := Validate(context.Background(), backend(ex), testHost, true)
	if !v.Ready() {
		t.Fatalf("not ready after ensureRoot: %+v", v)
	}
}

func TestStatic(t *testing.T) {
	b := backend(fake.New("h1"))
	s := Static{"h1": b}
	got, err := s.Backend(context.Background(), testHost)
	if err != nil || got != b {
		t.Fatalf("got %v %v", got, err)
	}
	_, err = s.Backend(context.Background(), &types.Host{ID: "h2", Name: "other"})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestPool_UnknownMode(t *testing.T) {
	p := NewPool(config.DefaultConfig(), nil)
	_, err := p.Backend(context.Background(), &types.Host{ID: "h9", Name: "odd", Mode: "carrier-pigeon"})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("got %v", err)
	}
}

func TestPool_RemoteNeedsAddress(t *testing.T) {
	p := NewPool(config.DefaultConfig(), nil)
	_, err := p.Backend(context.Background(), &types.Host{ID: "h9", Name: "far", Mode: types.ModeRemote, SSH: &types.SSHConfig{}})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("got %v", err)
	}
}
