package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneetl/internal/extract"
)

const stateDoc = `<Project>
  <ProjectSettings Name="demo" Version="3"/>
  <StatesSettings Name="main">
    <State Name="Day">
      <Zone Name="Kitchen"/>
      <Zone Name="Hall"/>
    </State>
    <State Name="Night"/>
  </StatesSettings>
</Project>`

func stateFamily() extract.Family {
	return extract.Family{
		Name:      "state",
		Type:      "State",
		FlatTags:  []string{"ProjectSettings"},
		TypedTags: []string{"ProjectSettings"},
		Hierarchy: extract.HierarchySpec{Levels: []extract.Level{
			{Tag: "StatesSettings", Table: "statesettings"},
			{Tag: "State", Table: "states", ParentColumn: "states_settings_id"},
			{Tag: "Zone", Table: "zones", ParentColumn: "state_id"},
		}},
	}
}

func TestDocument_FlatAndHierarchyRouted(t *testing.T) {
	c := extract.NewContext(2)
	c.NewID = seqIDs()

	res, err := extract.Document(c, parse(t, stateDoc), stateFamily())
	require.NoError(t, err)

	assert.Equal(t, []string{"ProjectSettings"}, res.Flat)
	assert.Equal(t, []string{"StatesSettings", "State", "Zone"}, res.Hierarchy)
	assert.Equal(t, extract.Route{Table: "ProjectSettings", Level: -1}, res.Routes["ProjectSettings"])
	assert.Equal(t, extract.Route{Table: "states", ParentColumn: "states_settings_id", Level: 1}, res.Routes["State"])

	settings := res.Collections["ProjectSettings"]
	require.Len(t, settings, 1)
	assert.Equal(t, "State", settings[0].Attrs["type"])
	assert.Equal(t, int64(2), settings[0].Attrs["project_id"])
	assert.Nil(t, settings[0].ParentID)

	assert.Len(t, res.HierarchyFacts(), 5)

	zones := res.Rows("Zone")
	require.Len(t, zones, 2)
	day := res.Collections["State"][0]
	assert.Equal(t, day.ID, zones[0]["state_id"])
	assert.Equal(t, "Kitchen", zones[0]["Name"])
	assert.NotEmpty(t, zones[0]["id"])
}

func TestDocument_RoutesEmptyTypes(t *testing.T) {
	res, err := extract.Document(extract.NewContext(1), parse(t, `<Project/>`), stateFamily())
	require.NoError(t, err)

	assert.Contains(t, res.Routes, "Zone")
	assert.Empty(t, res.Collections["Zone"])
	assert.Nil(t, res.Rows("Zone"))
}

func TestFamilyValidate(t *testing.T) {
	f := stateFamily()
	f.FlatTags = append(f.FlatTags, "State")
	assert.ErrorIs(t, f.Validate(), extract.ErrBadHierarchy)

	f = stateFamily()
	f.TypedTags = []string{"OutputSettings"}
	assert.ErrorIs(t, f.Validate(), extract.ErrBadHierarchy)

	f = stateFamily()
	f.Name = ""
	assert.ErrorIs(t, f.Validate(), extract.ErrBadHierarchy)

	f = stateFamily()
	f.Hierarchy.Levels = f.Hierarchy.Levels[:1]
	assert.ErrorIs(t, f.Validate(), extract.ErrBadHierarchy)
}
