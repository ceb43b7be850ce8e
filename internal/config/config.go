package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrUnknownEnvironment = errors.New("config: unknown environment")

// Profiles maps environment names ("prod", "preprod", "dev") to endpoints.
type Profiles struct {
	Environments map[string]Environment `toml:"environments"`
}

// Environment is the set of endpoints and secret references for one environment.
type Environment struct {
	Name    string `toml:"-"`
	Inherit string `toml:"inherit"`

	APIURL      string `toml:"api_url"`
	APICAFile   string `toml:"api_ca_file"`
	TokenURL    string `toml:"token_url"`
	TokenUser   string `toml:"token_user"`
	TokenSecret string `toml:"token_secret"`

	JumpboxHost   string `toml:"jumpbox_host"`
	JumpboxUser   string `toml:"jumpbox_user"`
	JumpboxSecret string `toml:"jumpbox_secret"`
	JumpboxKey    string `toml:"jumpbox_key"`

	InventoryHost   string   `toml:"inventory_host"`
	InventoryDB     string   `toml:"inventory_db"`
	InventoryUser   string   `toml:"inventory_user"`
	InventorySecret string   `toml:"inventory_secret"`
	PermittedRealms []string `toml:"permitted_realms"`

	GoalStorePath string `toml:"goal_store_path"`
	VaultMount    string `toml:"vault_mount"`
}

func LoadProfiles(path string) (Profiles, error) {
	var p Profiles
	if err := loadToml(path, &p); err != nil {
		return Profiles{}, err
	}
	if err := ValidateProfiles(p); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

// ParseProfiles decodes a profiles document held in memory.
func ParseProfiles(data []byte) (Profiles, error) {
	var p Profiles
	if err := toml.Unmarshal(data, &p); err != nil {
		return Profiles{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := ValidateProfiles(p); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Names returns the configured environment names, sorted.
func (p Profiles) Names() []string {
	out := make([]string, 0, len(p.Environments))
	for name := range p.Environments {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the named environment with inherited fields filled in.
func (p Profiles) Resolve(name string) (Environment, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	env, ok := p.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownEnvironment, name, strings.Join(p.Names(), ", "))
	}
	env.Name = name
	if base := strings.TrimSpace(env.Inherit); base != "" {
		parent, ok := p.Environments[base]
		if !ok {
			return Environment{}, fmt.Errorf("%w: %q inherits %q", ErrUnknownEnvironment, name, base)
		}
		env = inherit(env, parent)
	}
	return env, nil
}

func inherit(env, parent Environment) Environment {
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = src
		}
	}
	fill(&env.APIURL, parent.APIURL)
	fill(&env.APICAFile, parent.APICAFile)
	fill(&env.TokenURL, parent.TokenURL)
	fill(&env.TokenUser, parent.TokenUser)
	fill(&env.TokenSecret, parent.TokenSecret)
	fill(&env.JumpboxHost, parent.JumpboxHost)
	fill(&env.JumpboxUser, parent.JumpboxUser)
	fill(&env.JumpboxSecret, parent.JumpboxSecret)
	fill(&env.JumpboxKey, parent.JumpboxKey)
	fill(&env.InventoryHost, parent.InventoryHost)
	fill(&env.InventoryDB, parent.InventoryDB)
	fill(&env.InventoryUser, parent.InventoryUser)
	fill(&env.InventorySecret, parent.InventorySecret)
	fill(&env.GoalStorePath, parent.GoalStorePath)
	fill(&env.VaultMount, parent.VaultMount)
	if len(env.PermittedRealms) == 0 {
		env.PermittedRealms = parent.PermittedRealms
	}
	return env
}

func ValidateProfiles(p Profiles) error {
	if len(p.Environments) == 0 {
		return fmt.Errorf("profiles define no environments")
	}
	for _, name := range p.Names() {
		env := p.Environments[name]
		if base := strings.TrimSpace(env.Inherit); base != "" {
			if base == name {
				return fmt.Errorf("environment %q inherits itself", name)
			}
			if _, ok := p.Environments[base]; !ok {
				return fmt.Errorf("environment %q inherits unknown %q", name, base)
			}
			continue
		}
		if err := ValidateEnvironment(env); err != nil {
			return fmt.Errorf("environment %q invalid: %w", name, err)
		}
	}
	return nil
}

func ValidateEnvironment(env Environment) error {
	if strings.TrimSpace(env.APIURL) == "" {
		return fmt.Errorf("api_url is required")
	}
	if strings.TrimSpace(env.JumpboxHost) == "" {
		return fmt.Errorf("jumpbox_host is required")
	}
	if strings.TrimSpace(env.GoalStorePath) == "" {
		return fmt.Errorf("goal_store_path is required")
	}
	return nil
}
