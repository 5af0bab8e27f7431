package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/rcourtman/pulse-compute/internal/cloud"
)

// catalogFile is the on-disk tier catalogue:
//
//	[tiers.standard]
//	machine_type = "e2-standard-2"
//	image = "debian-12"
type catalogFile struct {
	Tiers cloud.Catalog `toml:"tiers"`
}

// LoadCatalog returns the built-in catalogue for provider, overridden by the
// TOML file at path when path is non-empty. Every tier must resolve.
func LoadCatalog(provider, path string) (cloud.Catalog, error) {
	catalog := cloud.DefaultCatalog(provider)
	if path != "" {
		var f catalogFile
		md, err := toml.DecodeFile(path, &f)
		if err != nil {
			return nil, fmt.Errorf("read tier catalog %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("tier catalog %s: unknown keys %v", path, undecoded)
		}
		for name := range f.Tiers {
			if _, ok := catalog[name]; !ok {
				return nil, fmt.Errorf("tier catalog %s: unknown tier %q", path, name)
			}
		}
		catalog = catalog.Merge(f.Tiers)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}
