package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneetl/internal/normalize"
	"sceneetl/internal/transformer/builtin"
)

const yamlPipeline = `
job: nightly
storage:
  kind: sqlite
  dsn: ${SCENEETL_TEST_DIR}/out.db
families:
  - name: editor
    type: Editor
    dir: EDITORS
    flat_tags: [ProjectSettings]
    typed_tags: [ProjectSettings]
    hierarchy:
      levels:
        - {tag: linkingrecord, table: linkingrecords}
        - {tag: BasePass, table: basepasses, parent_column: linkingrecord_id}
      list_fields: [Layers]
    fields:
      - {name: Layers, role: layer}
      - {name: MaxScenes, role: scene_count}
    housekeeping:
      drop_columns: [sort_order]
row_hash:
  target_field: row_hash
  exclude: [id, linkingrecord_id]
`

func TestLoad_YAMLByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPipeline), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly", p.JobName())
	require.Len(t, p.Families, 1)
	f := p.Families[0]
	assert.Equal(t, "editor", f.Name)
	assert.Equal(t, "Editor", f.Type)
	assert.Equal(t, "EDITORS", f.Dir)
	assert.Equal(t, "linkingrecord_id", f.Hierarchy.Levels[1].ParentColumn)
	assert.Equal(t, []string{"Layers"}, f.Hierarchy.ListFields)
	assert.Equal(t, []string{"Layers", "MaxScenes"}, f.FieldNames())
	assert.Equal(t, normalize.RoleSceneCount, f.Fields[1].Role)
	assert.Equal(t, normalize.Housekeeping{DropColumns: []string{"sort_order"}}, f.EffectiveHousekeeping())
	require.NotNil(t, p.RowHash)
	assert.Equal(t, []string{"id", "linkingrecord_id"}, p.RowHash.Exclude)

	t.Setenv("SCENEETL_TEST_DIR", "/data")
	assert.Equal(t, "/data/out.db", ResolveDSN(p.Storage))
}

func TestLoad_JSONDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	raw := `{"job":"j","storage":{"kind":"postgres"},"families":[{"name":"state","dir":"STATES",
		"hierarchy":{"levels":[{"tag":"StatesSettings"},{"tag":"State"}]}}]}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.Len(t, p.Families, 1)
	assert.Equal(t, "state", p.Families[0].Name)
	assert.Equal(t, "StatesSettings", p.Families[0].Hierarchy.Levels[0].Tag)
	assert.Equal(t, normalize.DefaultHousekeeping(), p.Families[0].EffectiveHousekeeping())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	_, err = Decode([]byte("{"), ".json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")

	_, err = Decode([]byte("families: [: :"), ".yml")
	require.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	p := Default()
	issues := ValidatePipeline(p)
	assert.False(t, HasErrors(issues), "issues: %v", issues)

	require.Len(t, p.Families, 2)
	assert.Equal(t, "state", p.Families[0].Name)
	assert.Equal(t, "states_settings_id", p.Families[0].Hierarchy.ParentColumnFor(1))
	assert.Equal(t, "basepass_id", p.Families[1].Hierarchy.ParentColumnFor(2))
	assert.Len(t, p.Families[1].FlatTags, 5)
}

func TestValidatePipeline_ReportsEverything(t *testing.T) {
	p := Default()
	p.Storage = Storage{Kind: "oracle"}
	p.Families = append(p.Families, p.Families[1])
	p.Families[0].Dir = ""
	p.Families[1].Fields = append(p.Families[1].Fields, normalize.FieldRule{Name: "Bad", Role: normalize.RoleFeatureCode})
	p.RowHash = &builtin.Hash{}

	issues := ValidatePipeline(p)
	require.True(t, HasErrors(issues))

	var paths []string
	for _, i := range issues {
		if i.Severity == SeverityError {
			paths = append(paths, i.Path)
		}
	}
	joined := strings.Join(paths, " ")
	for _, want := range []string{"storage.kind", "storage.dsn", "families[0].dir", "families[1].fields", "families[2].name", "families[2].hierarchy.levels[0]", "row_hash.target_field"} {
		assert.Contains(t, joined, want)
	}
}

func TestValidatePipeline_NoFamilies(t *testing.T) {
	issues := ValidatePipeline(Pipeline{Storage: Storage{Kind: "postgres"}})
	require.Len(t, issues, 1)
	assert.Equal(t, "families", issues[0].Path)
	assert.Contains(t, issues[0].String(), ErrNoFamilies.Error())
}

func TestValidatePipeline_DimensionShadowsHierarchy(t *testing.T) {
	p := Default()
	p.Families[1].Fields = append(p.Families[1].Fields, normalize.FieldRule{Name: "Zone", Table: "zones"})

	issues := ValidatePipeline(p)
	require.True(t, HasErrors(issues))
	assert.Contains(t, issues[len(issues)-1].Message, `table "zones"`)
}

func TestPostgresDSNFromEnv(t *testing.T) {
	env := map[string]string{
		"DB_HOST": "db",
		"DB_PORT": "6543",
		"DB_NAME": "scenes",
		"DB_USER": "etl",
		"DB_PWD":  "p@ss word",
	}
	got := PostgresDSNFromEnv(func(k string) string { return env[k] })
	assert.Equal(t, "postgresql://etl:p%40ss%20word@db:6543/scenes", got)

	assert.Equal(t, "", PostgresDSNFromEnv(func(string) string { return "" }))
	assert.Equal(t, "postgresql://localhost:5432/x", PostgresDSNFromEnv(func(k string) string {
		if k == "DB_NAME" {
			return "x"
		}
		return ""
	}))
}

func TestLoadEnv_MissingFileIgnored(t *testing.T) {
	require.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "nope.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SCENEETL_ENV_PROBE=loaded\n"), 0o600))
	t.Setenv("SCENEETL_ENV_PROBE", "")
	require.NoError(t, os.Unsetenv("SCENEETL_ENV_PROBE"))
	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("SCENEETL_ENV_PROBE"))
}
