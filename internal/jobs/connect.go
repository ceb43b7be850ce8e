package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/acsdb"
	"github.com/danmuck/beamctl/internal/cmt"
	"github.com/danmuck/beamctl/internal/config"
	"github.com/danmuck/beamctl/internal/goalstore"
	"github.com/danmuck/beamctl/internal/jumpbox"
	"github.com/danmuck/beamctl/internal/mtool"
	"github.com/danmuck/beamctl/internal/secrets"
	"github.com/rs/zerolog/log"
)

// ChannelOptions selects how the modem tool is reached.
type ChannelOptions struct {
	// Local runs the tool on this host instead of over ssh.
	Local    bool
	LocalDir string

	ToolPath string
	Python   string
	RunAs    string
	Prefix   string

	KnownHostsPath  string
	InsecureHostKey bool
}

// secret resolves ref, treating an empty ref as "not configured".
func secret(ctx context.Context, src secrets.Source, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	if src == nil {
		return "", fmt.Errorf("secret %q: no secret source", ref)
	}
	return src.Secret(ctx, ref)
}

// OpenChannel connects to the environment's jumpbox and returns a modem
// tool channel over it. The shell is registered with scope.
func OpenChannel(ctx context.Context, env config.Environment, src secrets.Source, opts ChannelOptions, scope *Scope) (*mtool.Channel, error) {
	password, err := secret(ctx, src, env.JumpboxSecret)
	if err != nil {
		return nil, fmt.Errorf("jumpbox credentials: %w", err)
	}

	var shell jumpbox.Shell
	if opts.Local {
		log.Info().Msgf("jobs.OpenChannel shell=local dir=%q", opts.LocalDir)
		shell = jumpbox.NewLocalShell(ExpandHome(opts.LocalDir))
	} else {
		cfg := jumpbox.DefaultConfig()
		cfg.Host = env.JumpboxHost
		cfg.User = env.JumpboxUser
		cfg.Password = password
		cfg.KeyPath = ExpandHome(env.JumpboxKey)
		cfg.KnownHostsPath = ExpandHome(opts.KnownHostsPath)
		cfg.InsecureSkipHostKeyChecking = opts.InsecureHostKey
		remote, err := jumpbox.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msgf("jobs.OpenChannel shell=ssh host=%q user=%q", cfg.Host, cfg.User)
		shell = remote
	}
	scope.Add("jumpbox", shell)

	mcfg := mtool.DefaultConfig()
	if opts.ToolPath != "" {
		mcfg.ToolPath = opts.ToolPath
	}
	if opts.Python != "" {
		mcfg.Python = opts.Python
	}
	if opts.RunAs != "" {
		mcfg.RunAs = opts.RunAs
	}
	if opts.Prefix != "" {
		mcfg.Prefix = opts.Prefix
	}
	if password != "" {
		mcfg.Prompts = mtool.PasswordPrompts(password)
	}
	return mtool.New(shell, mcfg)
}

// OpenDirectory builds the fleet API client for env. Tokens are fetched
// with the environment's token credentials and cached at tokenCache.
func OpenDirectory(env config.Environment, src secrets.Source, tokenCache string) (*cmt.Client, error) {
	httpClient, err := cmt.NewHTTPClient(ExpandHome(env.APICAFile), 5*time.Minute)
	if err != nil {
		return nil, err
	}
	tokens := &cmt.JWTSource{
		URL:  env.TokenURL,
		User: env.TokenUser,
		Password: func(ctx context.Context) (string, error) {
			return secret(ctx, src, env.TokenSecret)
		},
		CachePath: tokenCache,
		Client:    httpClient,
	}
	return cmt.NewClient(cmt.Config{
		BaseURL:    env.APIURL,
		Tokens:     tokens,
		HTTPClient: httpClient,
	})
}

// OpenInventory connects to the environment's inventory database. It
// returns a nil source (not an error) when env names no inventory host.
func OpenInventory(ctx context.Context, env config.Environment, src secrets.Source, scope *Scope) (DriftSource, error) {
	if strings.TrimSpace(env.InventoryHost) == "" {
		return nil, nil
	}
	password, err := secret(ctx, src, env.InventorySecret)
	if err != nil {
		return nil, fmt.Errorf("inventory credentials: %w", err)
	}
	store, err := acsdb.Open(ctx, acsdb.Config{
		Addr:     env.InventoryHost,
		Database: env.InventoryDB,
		User:     env.InventoryUser,
		Password: password,
		Realms:   env.PermittedRealms,
	})
	if err != nil {
		return nil, err
	}
	scope.Add("inventory", store)
	return store, nil
}

// OpenGoals opens the goal store named by env.
func OpenGoals(ctx context.Context, env config.Environment, scope *Scope) (*goalstore.Store, error) {
	store, err := goalstore.Open(ctx, ExpandHome(env.GoalStorePath), goalstore.Options{})
	if err != nil {
		return nil, err
	}
	scope.Add("goal store", store)
	return store, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
