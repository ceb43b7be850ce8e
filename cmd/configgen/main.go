package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/danmuck/beamctl/internal/config"
	"github.com/danmuck/beamctl/internal/jobs"
	"github.com/spf13/pflag"
)

const defaultProfilesPath = "~/.config/beamctl/profiles.toml"

func main() {
	output := pflag.String("output", defaultProfilesPath, "output path for the profiles template")
	validate := pflag.Bool("validate", false, "validate an existing profiles file")
	input := pflag.String("input", defaultProfilesPath, "profiles path for validation")
	force := pflag.Bool("force", false, "overwrite existing profiles file")
	pflag.Parse()

	if *validate {
		path := jobs.ExpandHome(*input)
		if err := validateProfiles(os.Stdout, path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated profiles at %s", path)
		return
	}

	target := jobs.ExpandHome(*output)
	if err := config.WriteTemplate(target, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote profiles template to %s", target)
}

// validateProfiles loads path and prints where each environment resolves.
func validateProfiles(out io.Writer, path string) error {
	profiles, err := config.LoadProfiles(path)
	if err != nil {
		return err
	}
	for _, name := range profiles.Names() {
		env, err := profiles.Resolve(name)
		if err != nil {
			return err
		}
		if err := config.ValidateEnvironment(env); err != nil {
			return fmt.Errorf("environment %q invalid: %w", name, err)
		}
		inventory := env.InventoryHost
		if inventory == "" {
			inventory = "-"
		}
		fmt.Fprintf(out, "%-8s api=%s jumpbox=%s inventory=%s goals=%s\n", name, env.APIURL, env.JumpboxHost, inventory, env.GoalStorePath)
	}
	return nil
}
