package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// denylistFile is the YAML layout of build.denylist_file:
//
//	packages:
//	  - numpy
//	  - my-native-pkg
type denylistFile struct {
	Packages []string `yaml:"packages"`
}

// LoadDenylist reads extra package names whose builds are always skipped.
// An empty path yields no names.
func LoadDenylist(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading denylist: %w", err)
	}
	var f denylistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing denylist %s: %w", path, err)
	}
	return f.Packages, nil
}
