package featuregate

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// ErrInvalidOverrides is returned for a malformed override file.
var ErrInvalidOverrides = errors.New("invalid feature overrides")

// Overrides pins flag values per tenant.
type Overrides map[tenant.ID]map[Flag]bool

func (o Overrides) lookup(id tenant.ID, flag Flag) (bool, bool) {
	flags, ok := o[id]
	if !ok {
		return false, false
	}
	v, ok := flags[flag]
	return v, ok
}

// LoadOverrides reads a TOML override table:
//
//	[tenants.acme]
//	vector_search = true
//
//	[tenants.globex]
//	chunking = false
//
// An empty path or a missing file yields no overrides. Unknown flags and
// invalid tenant IDs are rejected.
func LoadOverrides(path string) (Overrides, error) {
	out := Overrides{}
	if path == "" {
		return out, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("reading overrides: %w", err)
	}

	var file struct {
		Tenants map[string]map[string]bool `toml:"tenants"`
	}
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOverrides, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unexpected key %s", ErrInvalidOverrides, path, undecoded[0])
	}

	for rawID, flags := range file.Tenants {
		id, err := tenant.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOverrides, path, err)
		}
		pinned := make(map[Flag]bool, len(flags))
		for name, v := range flags {
			f, err := ParseFlag(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: tenant %s: %v", ErrInvalidOverrides, path, id, err)
			}
			pinned[f] = v
		}
		out[id] = pinned
	}
	return out, nil
}
