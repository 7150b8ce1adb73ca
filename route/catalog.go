package route

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelInfo describes one catalog entry in the OpenAI model-listing shape.
type ModelInfo struct {
	ID      string `yaml:"id" json:"id"`
	OwnedBy string `yaml:"owned_by" json:"owned_by"`
	Created int64  `yaml:"created,omitempty" json:"created"`
}

// Catalog is the static inventory of models the gateway advertises. It seeds
// GET /v1/models alongside whatever the OpenAI account reports live.
type Catalog struct {
	models map[string]ModelInfo
}

// catalogEpoch stamps built-in entries. Bedrock model records carry no
// creation time of their own.
const catalogEpoch int64 = 1700000000

// DefaultCatalog returns the models known to every deployment.
func DefaultCatalog() *Catalog {
	c := &Catalog{models: make(map[string]ModelInfo)}
	for _, id := range []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	} {
		c.add(ModelInfo{ID: id, OwnedBy: "openai"})
	}
	for _, id := range []string{
		"anthropic.claude-3-haiku-20240307-v1:0",
		"anthropic.claude-3-sonnet-20240229-v1:0",
		"anthropic.claude-3-opus-20240229-v1:0",
	} {
		c.add(ModelInfo{ID: id, OwnedBy: "anthropic"})
	}
	for _, id := range []string{
		"amazon.titan-text-express-v1",
		"amazon.titan-text-lite-v1",
	} {
		c.add(ModelInfo{ID: id, OwnedBy: "amazon"})
	}
	return c
}

func (c *Catalog) add(m ModelInfo) {
	if m.Created == 0 {
		m.Created = catalogEpoch
	}
	c.models[m.ID] = m
}

// catalogFile is the YAML shape of a catalog extension file.
type catalogFile struct {
	Models []ModelInfo   `yaml:"models"`
	Routes []catalogRule `yaml:"routes"`
}

type catalogRule struct {
	Prefix   string `yaml:"prefix"`
	Provider string `yaml:"provider"`
	Family   string `yaml:"family"`
}

// LoadCatalogFile reads a YAML extension file and returns the models and
// routing rules it declares. Rules must name a known provider and family;
// the file extends the built-in tables, it cannot invent new strategies.
func LoadCatalogFile(path string) ([]ModelInfo, []Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse model catalog: %w", err)
	}
	rules := make([]Rule, 0, len(f.Routes))
	for i, cr := range f.Routes {
		if cr.Prefix == "" {
			return nil, nil, fmt.Errorf("model catalog: routes[%d]: prefix is required", i)
		}
		p := Provider(cr.Provider)
		if p != ProviderOpenAI && p != ProviderBedrock {
			return nil, nil, fmt.Errorf("model catalog: routes[%d]: unknown provider %q", i, cr.Provider)
		}
		fam := Family(cr.Family)
		if fam != FamilyOpenAI && fam != FamilyClaude && fam != FamilyTitan {
			return nil, nil, fmt.Errorf("model catalog: routes[%d]: unknown family %q", i, cr.Family)
		}
		rules = append(rules, Rule{Prefix: cr.Prefix, Provider: p, Family: fam})
	}
	return f.Models, rules, nil
}

// Extend merges extra entries into the catalog, overriding same-id entries.
func (c *Catalog) Extend(models []ModelInfo) {
	for _, m := range models {
		c.add(m)
	}
}

// Models returns the catalog sorted by id.
func (c *Catalog) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether the catalog lists the id.
func (c *Catalog) Has(id string) bool {
	_, ok := c.models[id]
	return ok
}
