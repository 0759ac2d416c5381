package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/projecteru2/sprout/executor"
	"github.com/projecteru2/sprout/types"
)

const (
	defaultPort = 22
	dialTimeout = 10 * time.Second
	// bound on waiting for a killed session's output to drain
	drainTimeout = 2 * time.Second
)

// compile-time interface check.
var _ executor.Executor = (*SSH)(nil)

// Options configures host key verification and timeouts.
type Options struct {
	KnownHostsFile string
	Insecure       bool
	Timeout        time.Duration
}

// SSH runs commands over one long-lived authenticated connection. Each
// command gets its own session; a broken connection is redialed once.
type SSH struct {
	name    string
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// New builds an SSH executor. The connection is dialed on first use.
func New(name string, cfg *types.SSHConfig, opts Options) (*SSH, error) {
	if cfg == nil || cfg.Address == "" || cfg.User == "" {
		return nil, types.Invalidf("remote host %s needs address and user", name)
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	return &SSH{
		name: name,
		addr: net.JoinHostPort(cfg.Address, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         dialTimeout,
		},
		timeout: opts.Timeout,
	}, nil
}

func (s *SSH) Host() string { return s.name }

// Execute runs cmd.Args as a quoted shell line in a fresh session.
func (s *SSH) Execute(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if len(cmd.Args) == 0 {
		return nil, types.Invalidf("empty command")
	}
	line := executor.Line(cmd.Args)
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sess, err := s.session(ctx)
	if err != nil {
		return nil, s.transportError(line, err)
	}
	defer sess.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	sess.Stdout, sess.Stderr = &stdout, &stderr
	log.WithFunc("ssh.Execute").Debugf(ctx, "%s: %s", s.name, line)
	if err := sess.Start(line); err != nil {
		return nil, s.transportError(line, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		eerr := &types.ExecutionError{
			Host:    s.name,
			Command: line,
			Cause:   executor.ContextCause(ctx.Err()),
			Err:     ctx.Err(),
		}
		// stderr is only safe to read once Wait has returned.
		select {
		case <-done:
			eerr.Stderr = stderr.String()
		case <-time.After(drainTimeout):
		}
		return nil, eerr
	case err := <-done:
		res := &executor.Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		s.reset()
		return nil, s.transportError(line, err)
	}
}

// DialContext opens a connection from the remote host to addr, used to
// reach the remote runtime socket.
func (s *SSH) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, s.transportError("dial "+network+":"+addr, err)
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		s.reset()
		return nil, s.transportError("dial "+network+":"+addr, err)
	}
	return conn, nil
}

// Close drops the connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSH) session(ctx context.Context) (*ssh.Session, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err == nil {
		return sess, nil
	}
	log.WithFunc("ssh.session").Warnf(ctx, "%s: session failed, redialing: %v", s.name, err)
	s.reset()
	if client, err = s.connect(ctx); err != nil {
		return nil, err
	}
	return client.NewSession()
}

func (s *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.config)
	if err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, err
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return s.client, nil
}

func (s *SSH) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close() //nolint:errcheck,gosec
		s.client = nil
	}
}

func (s *SSH) transportError(line string, err error) error {
	cause := types.CauseConnection
	if isAuthError(err) {
		cause = types.CauseAuth
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		cause = executor.ContextCause(err)
	}
	return &types.ExecutionError{Host: s.name, Command: line, Cause: cause, Err: err}
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

func authMethods(cfg *types.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, types.Invalidf("parse private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, types.Invalidf("remote host needs a password or private key")
	}
	return methods, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	if opts.KnownHostsFile == "" {
		return nil, types.Invalidf("no known_hosts file configured and ssh_insecure is off")
	}
	cb, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", opts.KnownHostsFile, err)
	}
	return cb, nil
}
