package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	c := Default()

	tests := []struct {
		name  string
		texts []string
		want  []string
	}{
		{
			name:  "no overlap",
			texts: []string{"Ticket médio por região", "Por região"},
			want:  nil,
		},
		{
			name:  "single tag in objective",
			texts: []string{"Análise de churn do trimestre"},
			want:  []string{"churn_clientes_mensal"},
		},
		{
			name:  "case insensitive and truncated to two",
			texts: []string{"CLIENTES com vendas", ""},
			want:  []string{"transacoes_crm_ultimos_30_dias", "vendas_diarias_por_produto"},
		},
		{
			name:  "granularity counts too",
			texts: []string{"relatório", "Por transação"},
			want:  nil,
		},
		{
			name:  "empty input",
			texts: []string{" ", ""},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Match(tt.texts...)
			var names []string
			for _, a := range got {
				names = append(names, a.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - name: pedidos_por_regiao
    last_update: 01/08/2025
    platform: Databricks
    tags: [Região, Pedidos]
`), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, c.Assets(), 1)
	assert.Equal(t, "Databricks", c.Assets()[0].Platform)

	got := c.Match("Ticket médio por região")
	require.Len(t, got, 1)
	assert.Equal(t, "pedidos_por_regiao", got[0].Name)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("assets:\n  - platform: x\n"), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
