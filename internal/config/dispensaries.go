package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dispensary-deals/internal/model"
)

type dispensaryFile struct {
	Dispensaries []model.Dispensary `yaml:"dispensaries"`
}

type brandFile struct {
	Brands []string `yaml:"brands"`
}

// LoadDispensaries reads the dispensary list from a YAML file. Entries without
// an id get one derived from the name; entries without a name are rejected.
func LoadDispensaries(path string) ([]model.Dispensary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read dispensaries %s", path)
	}
	return ParseDispensaries(raw)
}

// ParseDispensaries decodes a dispensary list document.
func ParseDispensaries(raw []byte) ([]model.Dispensary, error) {
	var f dispensaryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "config: parse dispensaries")
	}

	seen := make(map[string]bool, len(f.Dispensaries))
	out := make([]model.Dispensary, 0, len(f.Dispensaries))
	for i, d := range f.Dispensaries {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, eris.Errorf("config: dispensary %d has no name", i)
		}
		d.ID = d.Key()
		if seen[d.ID] {
			return nil, eris.Errorf("config: duplicate dispensary id %q", d.ID)
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}

// LoadBrandSeed reads a list of brand names from a YAML file of the form
// `brands: [...]`.
func LoadBrandSeed(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read brand seed %s", path)
	}
	var f brandFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "config: parse brand seed")
	}
	out := f.Brands[:0]
	for _, b := range f.Brands {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out, nil
}
