package jumpbox

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/testutil/testlog"
	"github.com/juju/clock/testclock"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshServer is a minimal exec + sftp server rooted at a temp dir.
type sshServer struct {
	addr     string
	root     string
	hostKey  ssh.PublicKey
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	conns    []net.Conn
	accepted int
	commands []string
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "ut-devops" && string(pass) == "hunter2" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &sshServer{
		addr:     ln.Addr().String(),
		root:     t.TempDir(),
		hostKey:  signer.PublicKey(),
		listener: ln,
		config:   cfg,
	}
	go srv.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		srv.dropAll()
	})
	return srv
}

func (s *sshServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Dir = s.root
			cmd.Stdin = ch
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = uint32(exitErr.ExitCode())
				} else {
					status = 127
				}
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *sshServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *sshServer) stats() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, append([]string(nil), s.commands...)
}

func (s *sshServer) shellConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = s.addr
	cfg.User = "ut-devops"
	cfg.Password = "hunter2"
	cfg.Prelude = "export GREETING=hello"
	cfg.Timeout = 5 * time.Second
	cfg.InsecureSkipHostKeyChecking = true
	cfg.ConnectAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
	return cfg
}

func TestSSHShellRunAndFiles(t *testing.T) {
	testlog.Start(t)
	srv := startSSHServer(t)
	ctx := context.Background()

	shell, err := Dial(ctx, srv.shellConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer shell.Close()

	res, err := shell.Run(ctx, `read a; echo "$GREETING $a"; echo warn >&2; exit 4`, []string{"pw"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "hello pw" {
		t.Fatalf("unexpected stdout: %#v", res.Stdout)
	}
	if res.ExitCode != 4 || len(res.Stderr) != 1 || res.Stderr[0] != "warn" {
		t.Fatalf("unexpected result: %+v", res)
	}
	_, commands := srv.stats()
	if len(commands) != 1 || commands[0] != `export GREETING=hello; read a; echo "$GREETING $a"; echo warn >&2; exit 4` {
		t.Fatalf("prelude not applied: %#v", commands)
	}

	path := filepath.Join(srv.root, "sat_1_beam_10.conf")
	if err := shell.WriteFile(ctx, path, []byte("Beam_Id  = 10\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil || string(onDisk) != "Beam_Id  = 10\n" {
		t.Fatalf("server file: %q %v", onDisk, err)
	}
	data, err := shell.ReadFile(ctx, path)
	if err != nil || string(data) != "Beam_Id  = 10\n" {
		t.Fatalf("read back: %q %v", data, err)
	}
}

func TestSSHShellReconnectsAfterDrop(t *testing.T) {
	testlog.Start(t)
	srv := startSSHServer(t)
	ctx := context.Background()

	shell, err := Dial(ctx, srv.shellConfig(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer shell.Close()

	srv.dropAll()
	res, err := shell.Run(ctx, "echo back", nil)
	if err != nil {
		t.Fatalf("run after drop: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "back" {
		t.Fatalf("unexpected stdout: %#v", res.Stdout)
	}
	if accepted, _ := srv.stats(); accepted != 2 {
		t.Fatalf("expected one reconnect, got %d connections", accepted)
	}
}

func TestSSHShellKnownHosts(t *testing.T) {
	testlog.Start(t)
	srv := startSSHServer(t)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	cfg := srv.shellConfig(t)
	cfg.InsecureSkipHostKeyChecking = false
	cfg.KnownHostsPath = path

	shell, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial with known host: %v", err)
	}
	_ = shell.Close()

	if _, err := shell.Run(context.Background(), "true", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestDialUnavailable(t *testing.T) {
	testlog.Start(t)
	srv := startSSHServer(t)

	cfg := srv.shellConfig(t)
	cfg.Password = "wrong"
	cfg.Clock = testclock.NewDilatedWallClock(time.Millisecond)
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, fleet.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if accepted, _ := srv.stats(); accepted != 2 {
		t.Fatalf("expected %d attempts, got %d", cfg.ConnectAttempts, accepted)
	}

	if _, err := Dial(context.Background(), Config{Host: "jumpbox"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
