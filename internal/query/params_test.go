package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapisgate/internal/schema"
)

func TestFromQuery(t *testing.T) {
	values := url.Values{
		"fields":               {"a,b", "c"},
		"orderBy":              {"a,-b"},
		"limit":                {"10"},
		"offset":               {"5"},
		"dataFormat":           {"tsv"},
		"downloadAsFile":       {"true"},
		"downloadFileBasename": {"export"},
		"country":              {"USA", "Kenya"},
		"nucleotideMutations":  {""},
	}
	p, err := FromQuery(values)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, p.Fields)
	assert.Equal(t, []OrderField{{Field: "a"}, {Field: "b", Descending: true}}, p.OrderBy)
	require.NotNil(t, p.Limit)
	assert.Equal(t, 10, *p.Limit)
	assert.Equal(t, 5, p.Offset)
	assert.Equal(t, "tsv", p.DataFormat)
	assert.True(t, p.DownloadAsFile)
	assert.Equal(t, "export", p.DownloadFileBasename)
	assert.Equal(t, []Filter{{Key: "country", Values: []any{"USA", "Kenya"}}}, p.Filters)
}

func TestFromQueryRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"negative limit":   "limit=-1",
		"non-numeric":      "offset=ten",
		"bad bool":         "downloadAsFile=maybe",
		"mutation search":  "nucleotideMutations=C180T",
		"insertion search": "aminoAcidInsertions=ins_S:214:EPE",
	} {
		t.Run(name, func(t *testing.T) {
			values, err := url.ParseQuery(raw)
			require.NoError(t, err)
			_, err = FromQuery(values)
			assert.Error(t, err)
		})
	}
}

func TestFromJSON(t *testing.T) {
	p, err := FromJSON(map[string]any{
		"fields":             []any{"lineage"},
		"orderBy":            []any{map[string]any{"field": "length", "type": "descending"}, "lineage"},
		"limit":              float64(3),
		"length":             float64(10),
		"aminoAcidMutations": []any{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lineage"}, p.Fields)
	assert.Equal(t, []OrderField{{Field: "length", Descending: true}, {Field: "lineage"}}, p.OrderBy)
	require.NotNil(t, p.Limit)
	assert.Equal(t, 3, *p.Limit)
	assert.Equal(t, []Filter{{Key: "length", Values: []any{float64(10)}}}, p.Filters)

	_, err = FromJSON(map[string]any{"orderBy": []any{map[string]any{"field": "a", "type": "sideways"}}})
	requireBadRequest(t, err, ParamOrderBy)

	_, err = FromJSON(map[string]any{"nucleotideMutations": []any{"A1T"}})
	requireBadRequest(t, err, ParamNucleotideMutations)

	_, err = FromJSON(map[string]any{"country": map[string]any{"eq": "x"}})
	requireBadRequest(t, err, "country")
}

func TestValidateCatalog(t *testing.T) {
	ok, err := schema.NewOrganism(schema.OrganismConfig{
		Name:   "ok",
		Fields: []schema.Field{{Name: "length", Type: schema.TypeInt}, {Name: "hostFrom"}},
	})
	require.NoError(t, err)
	c, err := schema.NewCatalog(ok)
	require.NoError(t, err)
	assert.NoError(t, ValidateCatalog(c))

	bad, err := schema.NewOrganism(schema.OrganismConfig{
		Name: "bad",
		Fields: []schema.Field{
			{Name: "limit"},
			{Name: "versionStatus"},
			{Name: "count"},
			{Name: "length", Type: schema.TypeInt},
			{Name: "lengthTo", Type: schema.TypeInt},
			{Name: "releasedDateFrom", Type: schema.TypeDate},
		},
	})
	require.NoError(t, err)
	c, err = schema.NewCatalog(bad)
	require.NoError(t, err)
	err = ValidateCatalog(c)
	require.Error(t, err)
	for _, want := range []string{"limit", "versionStatus", "count", "lengthTo", "releasedDateFrom"} {
		assert.Contains(t, err.Error(), "field "+want)
	}
}
