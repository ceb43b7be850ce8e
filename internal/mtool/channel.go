package mtool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/jumpbox"
	"github.com/danmuck/beamctl/internal/observability"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidConfig = errors.New("mtool: invalid config")
	ErrToolFailed    = errors.New("mtool: tool failed")
	ErrNoFile        = errors.New("mtool: file not retrieved")
)

const (
	DefaultToolPath = "/var/tmp/modot_tools/modem_tool/modem_tool.py"
	DefaultPython   = "/var/tmp/modot_venv/bin/python"
	DefaultRunAs    = "sshproxy"
)

// Config locates the tool on the jumpbox.
type Config struct {
	ToolPath string
	Python   string
	// RunAs is the account the tool runs under via sudo.
	RunAs string
	// Prompts answers the tool's interactive credential prompts, in order.
	Prompts []string
	// Prefix names scratch files so concurrent jobs do not collide.
	Prefix string
}

func DefaultConfig() Config {
	return Config{
		ToolPath: DefaultToolPath,
		Python:   DefaultPython,
		RunAs:    DefaultRunAs,
		Prefix:   "ut",
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ToolPath) == "" {
		return fmt.Errorf("%w: tool path is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Python) == "" {
		return fmt.Errorf("%w: python is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Prefix, "/ ") {
		return fmt.Errorf("%w: prefix must be a plain file name", ErrInvalidConfig)
	}
	return nil
}

// PasswordPrompts answers the tool's three credential prompts with password.
func PasswordPrompts(password string) []string {
	return []string{password, password, password}
}

// Channel runs modem tool actions through a jumpbox shell. It is safe for
// concurrent use when the shell is.
type Channel struct {
	shell jumpbox.Shell
	cfg   Config
	seq   atomic.Uint64
}

var _ drift.Channel = (*Channel)(nil)

func New(shell jumpbox.Shell, cfg Config) (*Channel, error) {
	if shell == nil {
		return nil, fmt.Errorf("%w: shell is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ut"
	}
	return &Channel{shell: shell, cfg: cfg}, nil
}

func (c *Channel) scratch(kind string) string {
	return fmt.Sprintf("%s_%s_%d", c.cfg.Prefix, kind, c.seq.Add(1))
}

// command renders one tool invocation.
func (c *Channel) command(args ...string) string {
	tool := shellquote.Join(c.cfg.Python, c.cfg.ToolPath, "-i") + " " + shellquote.Join(args...)
	if c.cfg.RunAs == "" {
		return tool
	}
	user := shellquote.Join(c.cfg.RunAs)
	return "setfacl -R -m u:" + user + ":rwx ~/ > /dev/null 2>&1 ; sudo -E PATH=$PATH -u " + user + " " + tool
}

func (c *Channel) run(ctx context.Context, args ...string) (jumpbox.Result, error) {
	res, err := c.shell.Run(ctx, c.command(args...), c.cfg.Prompts)
	if err != nil {
		if errors.Is(err, fleet.ErrUnavailable) || ctx.Err() != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %v", ErrToolFailed, err)
	}
	log.Debug().Strs("stdout", res.Stdout).Strs("stderr", res.Stderr).Msgf("mtool.Channel.run action=%q exit=%d", args[1], res.ExitCode)
	return res, nil
}

func (c *Channel) writeList(ctx context.Context, ids []fleet.DeviceID) (string, error) {
	name := c.scratch("macs")
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id.String())
		b.WriteByte('\n')
	}
	if err := c.shell.WriteFile(ctx, name, []byte(b.String())); err != nil {
		return "", c.shellErr("write device list", err)
	}
	return name, nil
}

func (c *Channel) remove(names ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	quoted := shellquote.Join(names...)
	if _, err := c.shell.Run(ctx, "rm -f "+quoted, nil); err != nil {
		log.Debug().Msgf("mtool.Channel.remove files=%s err=%v", quoted, err)
	}
}

func (c *Channel) shellErr(what string, err error) error {
	if errors.Is(err, fleet.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrToolFailed, what, err)
}

// RunBatch runs command on every device in ids.
func (c *Channel) RunBatch(ctx context.Context, ids []fleet.DeviceID, command string) (map[fleet.DeviceID]drift.CommandResult, error) {
	if len(ids) == 0 {
		return map[fleet.DeviceID]drift.CommandResult{}, nil
	}
	start := time.Now()
	list, err := c.writeList(ctx, ids)
	if err != nil {
		return nil, err
	}
	defer c.remove(list)

	res, err := c.run(ctx, "-a", "run_commands", "-m", list, "-C", command)
	if err != nil {
		observability.RecordRemoteCommand(label(command), 0, len(ids), time.Since(start))
		return nil, err
	}
	out := ParseBlocks(res.Stdout, ids)
	ran := 0
	for _, r := range out {
		if r.Ran {
			ran++
		}
	}
	observability.RecordRemoteCommand(label(command), ran, len(ids)-ran, time.Since(start))
	log.Info().Msgf("mtool.Channel.RunBatch command=%q devices=%d blocks=%d ran=%d", command, len(ids), len(out), ran)
	return out, nil
}

// FetchFile copies remotePath from one device to the jumpbox and returns it.
func (c *Channel) FetchFile(ctx context.Context, id fleet.DeviceID, remotePath string) ([]byte, error) {
	start := time.Now()
	local := c.scratch("fetch") + ".conf"
	// The tool prefixes the local name with the device id.
	landed := id.String() + "_" + local
	defer c.remove(local, landed)

	if _, err := c.run(ctx, "-a", "get_file", "-M", id.String(), "-r", remotePath, "-l", local); err != nil {
		observability.RecordRemoteCommand("get_file", 0, 1, time.Since(start))
		return nil, err
	}
	data, err := c.shell.ReadFile(ctx, landed)
	if err != nil {
		observability.RecordRemoteCommand("get_file", 0, 1, time.Since(start))
		if errors.Is(err, fleet.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s from %s: %v", ErrNoFile, remotePath, id, err)
	}
	if len(data) == 0 {
		observability.RecordRemoteCommand("get_file", 0, 1, time.Since(start))
		return nil, fmt.Errorf("%w: %s from %s is empty", ErrNoFile, remotePath, id)
	}
	observability.RecordRemoteCommand("get_file", 1, 0, time.Since(start))
	return data, nil
}

// PushFile writes content to remotePath on every device in ids.
func (c *Channel) PushFile(ctx context.Context, ids []fleet.DeviceID, content []byte, remotePath string) (map[fleet.DeviceID]bool, error) {
	out := make(map[fleet.DeviceID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	start := time.Now()
	local := c.scratch("push") + ".conf"
	if err := c.shell.WriteFile(ctx, local, content); err != nil {
		return nil, c.shellErr("stage file", err)
	}
	list, err := c.writeList(ctx, ids)
	if err != nil {
		c.remove(local)
		return nil, err
	}
	defer c.remove(local, list)

	res, err := c.run(ctx, "-a", "put_file", "-m", list, "-l", local, "-r", remotePath)
	if err != nil {
		observability.RecordRemoteCommand("put_file", 0, len(ids), time.Since(start))
		return nil, err
	}
	ok := 0
	for _, id := range ids {
		if putSucceeded(res.Stdout, id) {
			out[id] = true
			ok++
		}
	}
	observability.RecordRemoteCommand("put_file", ok, len(ids)-ok, time.Since(start))
	log.Info().Msgf("mtool.Channel.PushFile path=%q devices=%d pushed=%d", remotePath, len(ids), ok)
	return out, nil
}

// label keeps metric cardinality bounded: the first word of the command.
func label(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "empty"
	}
	return strings.TrimSuffix(fields[0], ";")
}
