package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/sprout/container"
	"github.com/projecteru2/sprout/types"
)

const (
	healthInterval    = 5 * time.Second
	healthTimeout     = 3 * time.Second
	healthRetries     = 5
	healthStartPeriod = 10 * time.Second
	restartPolicy     = "unless-stopped"
)

// compile-time interface check.
var _ container.Runtime = (*Docker)(nil)

// pulls deduplicates concurrent pulls of one image on one daemon.
var pulls singleflight.Group

// Docker implements container.Runtime with the Docker Engine API.
type Docker struct {
	host string
	cli  client.APIClient
}

// NewLocal connects to the daemon at dockerHost, or the environment's
// daemon when empty.
func NewLocal(host, dockerHost string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	return newDocker(host, opts...)
}

// NewRemote connects to the daemon socket on a remote machine through dial,
// typically an SSH connection's DialContext.
func NewRemote(host, socket string, dial func(ctx context.Context, network, addr string) (net.Conn, error)) (*Docker, error) {
	return newDocker(host,
		client.WithHost("unix://"+socket),
		client.WithDialContext(dial),
		client.WithAPIVersionNegotiation(),
	)
}

// NewWithClient wraps an existing API client.
func NewWithClient(host string, cli client.APIClient) *Docker {
	return &Docker{host: host, cli: cli}
}

func newDocker(host string, opts ...client.Opt) (*Docker, error) {
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", host, err)
	}
	return &Docker{host: host, cli: cli}, nil
}

func (d *Docker) Version(ctx context.Context) (string, error) {
	v, err := d.cli.ServerVersion(ctx)
	if err != nil {
		return "", d.wrap("version", err)
	}
	return v.Version, nil
}

// PullImage pulls image unless the daemon already has it.
func (d *Docker) PullImage(ctx context.Context, image string) error {
	if _, err := name.ParseReference(image); err != nil {
		return types.Invalidf("image %q: %v", image, err)
	}
	_, err, _ := pulls.Do(d.host+"|"+image, func() (any, error) {
		if _, err := d.cli.ImageInspect(ctx, image); err == nil {
			return nil, nil
		}
		log.WithFunc("docker.PullImage").Infof(ctx, "%s: pulling %s", d.host, image)
		rc, err := d.cli.ImagePull(ctx, image, dockerimage.PullOptions{})
		if err != nil {
			return nil, d.wrap("pull "+image, err)
		}
		defer rc.Close() //nolint:errcheck
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return nil, d.wrap("pull "+image, err)
		}
		return nil, nil
	})
	return err
}

// Launch creates and starts the container described by spec.
func (d *Docker) Launch(ctx context.Context, spec container.Spec) (string, error) {
	port := nat.Port(strconv.Itoa(spec.ContainerPort) + "/tcp")
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, m.Source+":"+m.Target)
	}
	cfg := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if len(spec.HealthCmd) > 0 {
		cfg.Healthcheck = &dockercontainer.HealthConfig{
			Test:        append([]string{"CMD"}, spec.HealthCmd...),
			Interval:    healthInterval,
			Timeout:     healthTimeout,
			Retries:     healthRetries,
			StartPeriod: healthStartPeriod,
		}
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: dockercontainer.RestartPolicy{Name: restartPolicy},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "is already in use") {
			return "", fmt.Errorf("%s: %w", spec.Name, container.ErrNameInUse)
		}
		return "", d.wrap("create "+spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.WithFunc("docker.Launch").Warnf(ctx, "%s: %s", spec.Name, w)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return resp.ID, d.wrap("start "+spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	return d.wrap("start "+name, d.cli.ContainerStart(ctx, name, dockercontainer.StartOptions{}))
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.wrap("stop "+name, d.cli.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &secs}))
}

func (d *Docker) Restart(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return d.wrap("restart "+name, d.cli.ContainerRestart(ctx, name, dockercontainer.StopOptions{Timeout: &secs}))
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})
	if err == nil || client.IsErrNotFound(err) {
		return nil
	}
	return d.wrap("remove "+name, err)
}

func (d *Docker) Inspect(ctx context.Context, name string) (*container.State, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, d.wrap("inspect "+name, err)
	}
	if info.ContainerJSONBase == nil {
		return nil, d.wrap("inspect "+name, fmt.Errorf("empty inspect response"))
	}
	st := &container.State{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Health: container.HealthNone,
	}
	if info.State != nil {
		st.Status = string(info.State.Status)
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
		if info.State.Health != nil {
			st.Health = string(info.State.Health.Status)
		}
	}
	return st, nil
}

// Logs returns the last tail lines of stdout and stderr, interleaved by stream.
func (d *Docker) Logs(ctx context.Context, name string, tail int) (string, error) {
	opts := dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return "", d.wrap("logs "+name, err)
	}
	defer rc.Close() //nolint:errcheck
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", d.wrap("logs "+name, err)
	}
	return stdout.String() + stderr.String(), nil
}

func (d *Docker) Close() error { return d.cli.Close() }

// wrap classifies daemon errors. Transport failures become ExecutionErrors
// so callers see the same taxonomy as host commands.
func (d *Docker) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w", op, errors.Join(container.ErrNotFound, err))
	case client.IsErrConnectionFailed(err):
		return &types.ExecutionError{Host: d.host, Command: op, Cause: types.CauseConnection, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &types.ExecutionError{Host: d.host, Command: op, Cause: types.CauseTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &types.ExecutionError{Host: d.host, Command: op, Cause: types.CauseCanceled, Err: err}
	default:
		return &types.ExecutionError{Host: d.host, Command: op, Cause: types.CauseNonzeroExit, Err: err}
	}
}
