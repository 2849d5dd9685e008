package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/source"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/sqlstore"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "csctl.yaml")
	data := fmt.Sprintf(`datastore:
  driver: sqlite
  path: %s
index:
  runMode: sync
  taxonomies: []
  lockDir: %s
`, filepath.Join(dir, "catalog.db"), filepath.Join(dir, "locks"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func seed(t *testing.T, configPath string, docs ...source.Document) {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	db, err := sqlstore.New(cfg.Datastore)
	require.NoError(t, err)
	defer db.Close()
	src := source.NewSQLSource(db, cfg.Source)
	ctx := context.Background()
	require.NoError(t, src.EnsureSchema(ctx))
	for _, d := range docs {
		require.NoError(t, src.PutDocument(ctx, d))
	}
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildThenSearch(t *testing.T) {
	path := writeConfig(t)
	seed(t, path,
		source.Document{ID: 1, Lang: "en", Subtype: "product", Name: "Red shoes"},
		source.Document{ID: 2, Lang: "en", Subtype: "product", Name: "Blue hat"},
	)

	out, err := run(t, path, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "prepared on main")
	assert.Contains(t, out, "completed")

	out, err = run(t, path, "search", "red", "shoes")
	require.NoError(t, err)
	assert.Contains(t, out, `1 of 1 results for "red shoes"`)

	out, err = run(t, path, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"active": "main"`)
	assert.Contains(t, out, `"status": "completed"`)

	out, err = run(t, path, "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "delete: 1 documents")
}

func TestStatusOnFreshIndex(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "active: main")
	assert.Contains(t, out, "[main] not-exist")
}

func TestArgumentValidation(t *testing.T) {
	path := writeConfig(t)

	_, err := run(t, path, "drain", "main", "everything")
	assert.Error(t, err)

	_, err = run(t, path, "drain", "staging", "readable")
	assert.Error(t, err)

	_, err = run(t, path, "update", "12", "abc")
	assert.Error(t, err)

	_, err = run(t, path, "search")
	assert.Error(t, err)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "42"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 42}, ids)

	_, err = parseIDs([]string{"0"})
	assert.Error(t, err)
}

func TestKeysLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "keys", "create", "deploy-bot")
	require.NoError(t, err)
	assert.Regexp(t, `^csk_[0-9a-f]{48}\n$`, out)

	out, err = run(t, cfg, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "deploy-bot")
	assert.Contains(t, out, "never")

	out, err = run(t, cfg, "keys", "revoke", "1")
	require.NoError(t, err)
	assert.Equal(t, "key 1 revoked\n", out)

	out, err = run(t, cfg, "keys", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "deploy-bot")

	_, err = run(t, cfg, "keys", "revoke", "1")
	assert.Error(t, err)
}
