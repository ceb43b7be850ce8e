package jumpbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPrelude activates the tool environment before every command.
const DefaultPrelude = ". /var/tmp/modot_venv/bin/activate"

// Config addresses the jumpbox. Either Password or KeyPath authenticates.
type Config struct {
	Host       string
	Port       string
	User       string
	Password   string
	KeyPath    string
	Passphrase []byte

	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool

	Timeout time.Duration
	Prelude string

	// ConnectAttempts bounds each (re)connect.
	ConnectAttempts int
	Backoff         BackoffConfig
	Clock           clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Timeout:         15 * time.Second,
		Prelude:         DefaultPrelude,
		ConnectAttempts: 5,
		Backoff:         DefaultBackoff(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: ssh host is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("%w: ssh user is required", ErrInvalidConfig)
	}
	if c.Password == "" && strings.TrimSpace(c.KeyPath) == "" {
		return fmt.Errorf("%w: ssh password or key path is required", ErrInvalidConfig)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("%w: connect attempts must be >= 1", ErrInvalidConfig)
	}
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("%w: backoff initial delay must be > 0", ErrInvalidConfig)
	}
	return nil
}

func (c Config) address() string {
	host := strings.TrimSpace(c.Host)
	if c.Port != "" {
		return net.JoinHostPort(host, c.Port)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if strings.TrimSpace(c.KeyPath) != "" {
		signer, err := c.signer()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := c.knownHostsCallback()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
	}, nil
}

func (c Config) signer() (ssh.Signer, error) {
	privateKey, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(c.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, c.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c Config) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(c.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

// SSHShell keeps one client connection and redials when it goes away.
type SSHShell struct {
	cfg       Config
	clientCfg *ssh.ClientConfig
	clk       clock.Clock

	mu     sync.Mutex
	rng    *rand.Rand
	client *ssh.Client
	closed bool
}

var _ Shell = (*SSHShell)(nil)

// Dial connects to the jumpbox. Failure after ConnectAttempts is reported
// as fleet.ErrUnavailable.
func Dial(ctx context.Context, cfg Config) (*SSHShell, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	s := &SSHShell{
		cfg:       cfg,
		clientCfg: clientCfg,
		clk:       clk,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if _, err := s.connected(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SSHShell) connected(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.client != nil {
		if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return s.client, nil
		}
		log.Warn().Msgf("jumpbox.SSHShell.connected host=%q connection lost, reconnecting", s.cfg.Host)
		_ = s.client.Close()
		s.client = nil
	}

	addr := s.cfg.address()
	var client *ssh.Client
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := s.dial(ctx, addr)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().Msgf("jumpbox.SSHShell.connect addr=%q attempt=%d err=%v", addr, attempt, err)
		},
		Attempts:    s.cfg.ConnectAttempts,
		Delay:       s.cfg.Backoff.InitialDelay,
		BackoffFunc: s.cfg.Backoff.retryFunc(s.rng),
		Clock:       s.clk,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return nil, fmt.Errorf("%w: jumpbox %s: %v", fleet.ErrUnavailable, addr, err)
	}
	log.Info().Msgf("jumpbox.SSHShell.connect connected addr=%q user=%q", addr, s.cfg.User)
	s.client = client
	return client, nil
}

func (s *SSHShell) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, s.clientCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// drop forgets client so the next call redials.
func (s *SSHShell) drop(client *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == client {
		_ = s.client.Close()
		s.client = nil
	}
}

func (s *SSHShell) session(ctx context.Context) (*ssh.Session, error) {
	client, err := s.connected(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}
	log.Warn().Msgf("jumpbox.SSHShell.session new session failed, redialing err=%v", err)
	s.drop(client)
	if client, err = s.connected(ctx); err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: jumpbox session: %v", fleet.ErrUnavailable, err)
	}
	return session, nil
}

func (s *SSHShell) Run(ctx context.Context, command string, answers []string) (Result, error) {
	session, err := s.session(ctx)
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(answers) > 0 {
		session.Stdin = strings.NewReader(strings.Join(answers, "\n") + "\n")
	}

	full := withPrelude(s.cfg.Prelude, command)
	log.Debug().Msgf("jumpbox.SSHShell.Run command=%q", command)
	done := make(chan error, 1)
	go func() {
		done <- session.Run(full)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{}, ctx.Err()
	}

	res := Result{Stdout: splitLines(stdout.Bytes()), Stderr: splitLines(stderr.Bytes())}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("%w: jumpbox run: %v", fleet.ErrUnavailable, err)
	}
	return res, nil
}

func (s *SSHShell) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := s.connected(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err == nil {
		return sc, nil
	}
	s.drop(client)
	if client, err = s.connected(ctx); err != nil {
		return nil, err
	}
	sc, err = sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("%w: jumpbox sftp: %v", fleet.ErrUnavailable, err)
	}
	return sc, nil
}

func (s *SSHShell) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jumpbox read %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("jumpbox read %s: %w", path, err)
	}
	return data, nil
}

func (s *SSHShell) WriteFile(ctx context.Context, path string, data []byte) error {
	sc, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	f, err := sc.Create(path)
	if err != nil {
		return fmt.Errorf("jumpbox write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("jumpbox write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("jumpbox write %s: %w", path, err)
	}
	return nil
}

func (s *SSHShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
