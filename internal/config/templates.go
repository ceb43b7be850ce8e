package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template returns a starter profiles document.
func Template() string {
	return profilesTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(profilesTemplate), 0o600)
}

const profilesTemplate = `[environments.prod]
api_url = "https://cmt.prod.example.net/api/v1"
token_url = "https://jwt.example.net/v1/token?stripe=cmt&token_type=user"
token_user = "ut-devops-prod_cmt_api_user"
token_secret = "cmt/prod#password"
jumpbox_host = "modot-jumpbox.prod.example.net"
jumpbox_user = "ut-devops"
jumpbox_secret = "jumpbox/prod#password"
inventory_host = "acs-db.prod.example.net:3306"
inventory_db = "acs_db"
inventory_user = "ut-devops-ro"
inventory_secret = "acs/prod#password"
permitted_realms = ["aut.res.example.net", "abr.res.example.net"]
goal_store_path = "/var/lib/beamctl/goals.db"
vault_mount = "secret"

[environments.preprod]
api_url = "https://cmt.preprod.example.net/api/v1"
token_url = "https://jwt.example.net/v1/token?stripe=cmt&token_type=user"
token_user = "ut-devops-preprod_cmt_api_user"
token_secret = "cmt/preprod#password"
jumpbox_host = "modot-jumpbox.preprod.example.net"
jumpbox_user = "ut-devops"
jumpbox_secret = "jumpbox/preprod#password"
goal_store_path = "/var/lib/beamctl/goals-preprod.db"
vault_mount = "secret"

[environments.dev]
inherit = "preprod"
api_url = "https://cmt.dev.example.net/api/v1"
# dev serves the API behind the lab CA.
# api_ca_file = "~/.config/beamctl/dev-ca.crt"
`
