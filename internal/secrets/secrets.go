package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

var (
	ErrInvalidRef     = errors.New("secrets: invalid reference")
	ErrSecretNotFound = errors.New("secrets: secret not found")
)

// Source resolves one secret reference to its value.
type Source interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// Ref is a parsed "path#key" reference.
type Ref struct {
	Path string
	Key  string
}

func ParseRef(raw string) (Ref, error) {
	path, key, ok := strings.Cut(strings.TrimSpace(raw), "#")
	path = strings.Trim(strings.TrimSpace(path), "/")
	key = strings.TrimSpace(key)
	if !ok || path == "" || key == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, raw)
	}
	return Ref{Path: path, Key: key}, nil
}

func (r Ref) String() string {
	return r.Path + "#" + r.Key
}

// VaultConfig selects the Vault server and KV v2 mount.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
}

// VaultSource reads secrets from a KV v2 mount.
type VaultSource struct {
	kv *vault.KVv2
}

func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	apiCfg := vault.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", apiCfg.Error)
	}
	if strings.TrimSpace(cfg.Address) != "" {
		apiCfg.Address = strings.TrimSpace(cfg.Address)
	}
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultSource{kv: client.KVv2(mount)}, nil
}

func (s *VaultSource) Secret(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	secret, err := s.kv.Get(ctx, ref.Path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("vault read %s: %w", ref.Path, err)
	}
	v, ok := secret.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	value, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrSecretNotFound, ref)
	}
	return value, nil
}

// EnvSource maps "cmt/api#password" to BEAMCTL_SECRET_CMT_API_PASSWORD.
type EnvSource struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (s EnvSource) Secret(_ context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	name := s.EnvName(ref)
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, ref, name)
	}
	return v, nil
}

func (s EnvSource) EnvName(ref Ref) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "BEAMCTL_SECRET_"
	}
	name := strings.ToUpper(ref.Path + "_" + ref.Key)
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return prefix + name
}

// FromEnvironment picks Vault when VAULT_ADDR is set and environment variables otherwise.
func FromEnvironment(mount string) (Source, error) {
	if strings.TrimSpace(os.Getenv("VAULT_ADDR")) == "" {
		return EnvSource{}, nil
	}
	return NewVaultSource(VaultConfig{Mount: mount})
}
