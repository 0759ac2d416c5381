package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/projecteru2/sprout/types"
)

func withFlags(t *testing.T, cmd *cobra.Command, flags map[string]string) *cobra.Command {
	t.Helper()
	for k, v := range flags {
		if err := cmd.Flags().Set(k, v); err != nil {
			t.Fatalf("set --%s: %v", k, err)
		}
	}
	return cmd
}

func TestCreateSpec(t *testing.T) {
	cases := []struct {
		name  string
		flags map[string]string
		want  types.CreateSpec
	}{
		{
			name:  "empty",
			flags: map[string]string{"host": "h1", "quota": "10G"},
			want:  types.CreateSpec{HostID: "h1", Name: "app", CreationType: types.CreationEmpty, QuotaBytes: 10 << 30},
		},
		{
			name:  "clone",
			flags: map[string]string{"host": "h1", "from": "prod", "version": "16"},
			want:  types.CreateSpec{HostID: "h1", Name: "app", Version: "16", CreationType: types.CreationClone, SourceDatabase: "prod"},
		},
		{
			name:  "restore",
			flags: map[string]string{"host": "h1", "snapshot": "tank/db/prod@nightly"},
			want:  types.CreateSpec{HostID: "h1", Name: "app", CreationType: types.CreationSnapshotRestore, SourceSnapshot: "tank/db/prod@nightly"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := createSpec(withFlags(t, newCreateCmd(), tc.flags), "app")
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCreateSpec_BadQuota(t *testing.T) {
	cmd := withFlags(t, newCreateCmd(), map[string]string{"host": "h1", "quota": "lots"})
	if _, err := createSpec(cmd, "app"); err == nil {
		t.Error("want error for unparsable quota")
	}
}

func TestHostSpec(t *testing.T) {
	local, err := hostSpec(withFlags(t, newHostAddCmd(), map[string]string{
		"dataset": "tank/sprout", "mount-base": "/sprout", "ssh-address": "ignored",
	}), "h1")
	if err != nil {
		t.Fatal(err)
	}
	if local.Mode != types.ModeLocal || local.SSH != nil || local.Root.Dataset != "tank/sprout" {
		t.Errorf("local host: %+v", local)
	}

	key := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(key, []byte("PEM"), 0o600); err != nil {
		t.Fatal(err)
	}
	remote, err := hostSpec(withFlags(t, newHostAddCmd(), map[string]string{
		"mode": "remote", "dataset": "tank/sprout", "mount-base": "/sprout",
		"ssh-address": "10.0.0.5", "ssh-user": "root", "ssh-key": key,
	}), "h2")
	if err != nil {
		t.Fatal(err)
	}
	if remote.SSH == nil || remote.SSH.Address != "10.0.0.5" || remote.SSH.Port != 22 || remote.SSH.PrivateKey != "PEM" {
		t.Errorf("remote host: %+v", remote.SSH)
	}

	if _, err := hostSpec(withFlags(t, newHostAddCmd(), map[string]string{
		"mode": "remote", "ssh-key": filepath.Join(t.TempDir(), "missing"),
	}), "h3"); err == nil {
		t.Error("want error for unreadable key")
	}
}
