package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FederationManifest describes one federation a node participates in:
// the member principals eligible to bid on federation-scoped jobs and the
// seed addresses used to join its overlay. Manifests are distributed
// out-of-band and loaded alongside the node config.
type FederationManifest struct {
	Name       string   `yaml:"name"`
	TrustScope string   `yaml:"trust_scope,omitempty"`
	Members    []string `yaml:"members"`
	Seeds      []string `yaml:"seeds"`
}

// LoadFederations reads a YAML file holding a list of federation
// manifests.
func LoadFederations(path string) ([]FederationManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Federations []FederationManifest `yaml:"federations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i, f := range doc.Federations {
		if f.Name == "" {
			return nil, fmt.Errorf("config: federation %d is missing a name", i)
		}
	}
	return doc.Federations, nil
}
