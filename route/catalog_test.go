package route

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.True(t, c.Has("gpt-4o"))
	assert.True(t, c.Has("anthropic.claude-3-haiku-20240307-v1:0"))
	assert.True(t, c.Has("amazon.titan-text-express-v1"))
	assert.False(t, c.Has("mistral.mistral-large-2402-v1:0"))

	models := c.Models()
	require.NotEmpty(t, models)
	for i := 1; i < len(models); i++ {
		assert.Less(t, models[i-1].ID, models[i].ID, "catalog listing is sorted")
	}
	for _, m := range models {
		assert.NotZero(t, m.Created)
		assert.NotEmpty(t, m.OwnedBy)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - id: anthropic.claude-3-5-sonnet-20240620-v1:0
    owned_by: anthropic
routes:
  - prefix: "amazon.nova-"
    provider: bedrock
    family: claude
`), 0o600))

	models, rules, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20240620-v1:0", models[0].ID)
	require.Len(t, rules, 1)
	assert.Equal(t, "amazon.nova-", rules[0].Prefix)
	assert.Equal(t, ProviderBedrock, rules[0].Provider)
	assert.Equal(t, FamilyClaude, rules[0].Family)

	c := DefaultCatalog()
	c.Extend(models)
	assert.True(t, c.Has("anthropic.claude-3-5-sonnet-20240620-v1:0"))

	r := NewRouter(rules...)
	target, routeErr := r.Route("amazon.nova-lite-v1:0")
	require.NoError(t, routeErr)
	assert.Equal(t, FamilyClaude, target.Family)
}

func TestLoadCatalogFileRejectsUnknownNames(t *testing.T) {
	cases := []struct {
		name string
		body string
		sub  string
	}{
		{
			"unknown family",
			"routes:\n  - prefix: \"x.\"\n    provider: bedrock\n    family: nova\n",
			"unknown family",
		},
		{
			"unknown provider",
			"routes:\n  - prefix: \"x.\"\n    provider: azure\n    family: claude\n",
			"unknown provider",
		},
		{
			"missing prefix",
			"routes:\n  - provider: bedrock\n    family: claude\n",
			"prefix is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			_, _, err := LoadCatalogFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.sub)
		})
	}
}

func TestLoadCatalogFileMissing(t *testing.T) {
	_, _, err := LoadCatalogFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
