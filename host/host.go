package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/sprout/config"
	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/container/docker"
	"github.com/projecteru2/sprout/executor"
	"github.com/projecteru2/sprout/executor/local"
	"github.com/projecteru2/sprout/executor/ssh"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/volume"
	"github.com/projecteru2/sprout/volume/zfs"
)

// Backend bundles the drivers bound to one host.
type Backend struct {
	Exec    executor.Executor
	Volume  volume.Driver
	Runtime container.Runtime
}

// Close releases the runtime client and the command channel.
func (b *Backend) Close() error {
	var errs []error
	if b.Runtime != nil {
		errs = append(errs, b.Runtime.Close())
	}
	if b.Exec != nil {
		errs = append(errs, b.Exec.Close())
	}
	return errors.Join(errs...)
}

// Provider returns the backend of a host.
type Provider interface {
	Backend(ctx context.Context, h *types.Host) (*Backend, error)
}

// Pool builds backends on first use and caches them per host ID. The
// connection mode decides the executor; the rest of the stack does not
// branch on it.
type Pool struct {
	conf     *config.Config
	observer executor.Observer

	mu       sync.Mutex
	backends map[string]*Backend
}

// compile-time interface check.
var _ Provider = (*Pool)(nil)

// NewPool returns an empty Pool. observer, when set, sees every host command.
func NewPool(conf *config.Config, observer executor.Observer) *Pool {
	return &Pool{conf: conf, observer: observer, backends: make(map[string]*Backend)}
}

// Backend returns the cached backend of h, building it if needed.
func (p *Pool) Backend(ctx context.Context, h *types.Host) (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.backends[h.ID]; ok {
		return b, nil
	}
	b, err := p.build(ctx, h)
	if err != nil {
		return nil, err
	}
	p.backends[h.ID] = b
	return b, nil
}

// Drop closes and forgets the backend of hostID.
func (p *Pool) Drop(hostID string) {
	p.mu.Lock()
	b, ok := p.backends[hostID]
	delete(p.backends, hostID)
	p.mu.Unlock()
	if ok {
		_ = b.Close()
	}
}

// Close closes every cached backend.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, b := range p.backends {
		errs = append(errs, b.Close())
		delete(p.backends, id)
	}
	return errors.Join(errs...)
}

func (p *Pool) build(ctx context.Context, h *types.Host) (*Backend, error) {
	logger := log.WithFunc("host.build")
	var (
		ex  executor.Executor
		rt  container.Runtime
		err error
	)
	switch h.Mode {
	case types.ModeLocal:
		ex = local.New(h.Name, p.conf.NSEnter, p.conf.NSEnterTargetPID, p.conf.ExecTimeout())
		rt, err = docker.NewLocal(h.Name, p.conf.DockerHost)
	case types.ModeRemote:
		var remote *ssh.SSH
		remote, err = ssh.New(h.Name, h.SSH, ssh.Options{
			KnownHostsFile: p.conf.SSHKnownHosts,
			Insecure:       p.conf.SSHInsecure,
			Timeout:        p.conf.ExecTimeout(),
		})
		if err != nil {
			return nil, err
		}
		ex = remote
		socket := p.conf.DockerSocket
		if h.SSH.DockerSocket != "" {
			socket = h.SSH.DockerSocket
		}
		rt, err = docker.NewRemote(h.Name, socket, remote.DialContext)
	default:
		return nil, types.Invalidf("host %s: unknown connection mode %q", h.Name, h.Mode)
	}
	if err != nil {
		if ex != nil {
			_ = ex.Close()
		}
		return nil, fmt.Errorf("host %s runtime: %w", h.Name, err)
	}
	if p.observer != nil {
		ex = executor.WithObserver(ex, p.observer)
	}
	logger.Debugf(ctx, "backend for %s (%s) ready", h.Name, h.Mode)
	return &Backend{Exec: ex, Volume: zfs.New(ex), Runtime: rt}, nil
}

// Static serves fixed backends by host ID. Used by tests and embedders that
// build drivers themselves.
type Static map[string]*Backend

func (s Static) Backend(_ context.Context, h *types.Host) (*Backend, error) {
	b, ok := s[h.ID]
	if !ok {
		return nil, fmt.Errorf("backend for host %s: %w", h.Name, types.ErrNotFound)
	}
	return b, nil
}

// Validate runs the pre-flight check of h against b: storage tooling,
// storage root and container runtime. With ensureRoot a missing root
// dataset is created. The result is meant to be cached on the host record.
func Validate(ctx context.Context, b *Backend, h *types.Host, ensureRoot bool) types.HostValidation {
	logger := log.WithFunc("host.Validate")
	v := types.HostValidation{ValidatedAt: time.Now()}
	var problems []error

	st, err := b.Volume.Inspect(ctx, h.Root)
	if err == nil && !st.Exists && ensureRoot {
		if err = b.Volume.EnsureRoot(ctx, h.Root); err == nil {
			st, err = b.Volume.Inspect(ctx, h.Root)
		}
	}
	switch {
	case err != nil:
		problems = append(problems, fmt.Errorf("storage: %w", err))
	default:
		v.ToolsPresent = true
		v.ZFSVersion = st.Version
		v.StorageMounted = st.Exists && st.Mounted
		if !v.StorageMounted {
			problems = append(problems, fmt.Errorf("storage root %s: %w", h.Root.Dataset, volume.ErrRootUnmounted))
		}
	}

	ver, err := b.Runtime.Version(ctx)
	if err != nil {
		problems = append(problems, fmt.Errorf("runtime: %w", err))
	} else {
		v.RuntimeReady = true
		v.RuntimeVersion = ver
	}

	if err := errors.Join(problems...); err != nil {
		v.Message = err.Error()
		logger.Warnf(ctx, "host %s not ready: %v", h.Name, err)
	}
	return v
}
