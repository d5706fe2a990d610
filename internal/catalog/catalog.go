// Package catalog holds the list of known data assets offered as
// alternatives before a new request is filed. Matching is a plain tag
// filter, not a search engine.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fusion-data/bridge/internal/model"
)

// MaxSuggestions caps how many assets a match returns.
const MaxSuggestions = 2

// Catalog is an immutable list of assets.
type Catalog struct {
	assets []model.Asset
}

// New creates a catalog from assets.
func New(assets []model.Asset) *Catalog {
	cp := make([]model.Asset, len(assets))
	copy(cp, assets)
	return &Catalog{assets: cp}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New([]model.Asset{
		{
			Name:       "transacoes_crm_ultimos_30_dias",
			LastUpdate: "02/08/2025",
			Platform:   "Databricks",
			Tags:       []string{"Clientes", "CRM", "Transações"},
		},
		{
			Name:       "vendas_diarias_por_produto",
			LastUpdate: "28/07/2025",
			Platform:   "BigQuery",
			Tags:       []string{"Vendas", "Produto", "Diário"},
		},
		{
			Name:       "churn_clientes_mensal",
			LastUpdate: "01/08/2025",
			Platform:   "Databricks",
			Tags:       []string{"Churn", "Clientes", "Mensal"},
		},
		{
			Name:       "campanhas_marketing_performance",
			LastUpdate: "30/07/2025",
			Platform:   "Looker",
			Tags:       []string{"Campanha", "Marketing"},
		},
	})
}

type fileFormat struct {
	Assets []model.Asset `yaml:"assets"`
}

// LoadFile reads a YAML catalog:
//
//	assets:
//	  - name: vendas_diarias
//	    last_update: 01/08/2025
//	    platform: Databricks
//	    tags: [Vendas, Diário]
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for i, a := range f.Assets {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("catalog %s: asset %d has no name", path, i)
		}
	}
	return New(f.Assets), nil
}

// Assets returns a copy of every asset.
func (c *Catalog) Assets() []model.Asset {
	return New(c.assets).assets
}

// Match returns the first MaxSuggestions assets having a tag that occurs,
// case-insensitively, inside any of the given texts.
func (c *Catalog) Match(texts ...string) []model.Asset {
	var haystack []string
	for _, t := range texts {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			haystack = append(haystack, t)
		}
	}
	if len(haystack) == 0 {
		return nil
	}

	var out []model.Asset
	for _, a := range c.assets {
		if matches(a, haystack) {
			out = append(out, a)
			if len(out) == MaxSuggestions {
				break
			}
		}
	}
	return out
}

func matches(a model.Asset, haystack []string) bool {
	for _, tag := range a.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		for _, h := range haystack {
			if strings.Contains(h, tag) {
				return true
			}
		}
	}
	return false
}
