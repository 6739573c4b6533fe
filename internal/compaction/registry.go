package compaction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulcra-lab/tradesweep/internal/core/market"
	"gopkg.in/yaml.v3"
)

// PartitionDef is one configured partition with its enable flag.
type PartitionDef struct {
	Key     market.PartitionKey
	Enabled bool
}

// exchangeFile is the on-disk YAML shape: one exchange per file with the
// instruments the downloader tracks for it.
type exchangeFile struct {
	Exchange    string   `yaml:"exchange"`
	Instruments []string `yaml:"instruments"`
	Enabled     *bool    `yaml:"enabled"` // default true; nil means unset
	Disabled    []string `yaml:"disabled"`
}

// PartitionRegistry loads partition definitions from *.yaml files in a
// directory. Definitions are read once at startup and cached in memory; the
// compactor restarts to pick up roster changes.
type PartitionRegistry struct {
	dir  string
	defs []PartitionDef
}

// NewPartitionRegistry creates a registry and eagerly loads all definitions
// from dir. Returns an error if any file is malformed or defines a duplicate
// partition.
func NewPartitionRegistry(dir string) (*PartitionRegistry, error) {
	r := &PartitionRegistry{dir: dir}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PartitionRegistry) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no partition directory: valid, zero partitions configured
	}
	if err != nil {
		return fmt.Errorf("partition dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("partition path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading partition dir: %w", err)
	}

	seen := make(map[market.PartitionKey]bool)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading partition file %s: %w", path, err)
		}

		var raw exchangeFile
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing partition file %s: %w", path, err)
		}
		if raw.Exchange == "" {
			continue // skip empty / comment-only files
		}
		if len(raw.Instruments) == 0 {
			return fmt.Errorf("partition file %s: exchange %q has no instruments", path, raw.Exchange)
		}

		exchangeEnabled := raw.Enabled == nil || *raw.Enabled
		disabled := make(map[string]bool, len(raw.Disabled))
		for _, inst := range raw.Disabled {
			disabled[inst] = true
		}

		for _, inst := range raw.Instruments {
			if inst == "" {
				return fmt.Errorf("partition file %s: exchange %q has an empty instrument", path, raw.Exchange)
			}
			key := market.PartitionKey{Exchange: raw.Exchange, Instrument: inst}
			if seen[key] {
				return fmt.Errorf("partition file %s: duplicate partition %s", path, key)
			}
			seen[key] = true
			r.defs = append(r.defs, PartitionDef{
				Key:     key,
				Enabled: exchangeEnabled && !disabled[inst],
			})
		}
	}
	return nil
}

// All returns every configured partition, enabled or not.
func (r *PartitionRegistry) All() []PartitionDef {
	out := make([]PartitionDef, len(r.defs))
	copy(out, r.defs)
	return out
}

// Enabled returns the keys of partitions eligible for compaction.
func (r *PartitionRegistry) Enabled() []market.PartitionKey {
	var keys []market.PartitionKey
	for _, def := range r.defs {
		if def.Enabled {
			keys = append(keys, def.Key)
		}
	}
	return keys
}
