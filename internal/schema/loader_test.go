package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapisgate/pkg/domain"
)

const westNileYAML = `
accessionPrefix: LOC_
dataUseTerms:
  enabled: true
  urls:
    open: https://example.org/open
    restricted: https://example.org/restricted
organisms:
  west-nile:
    schema:
      organismName: West Nile Virus
      metadata:
        - name: geoLocCountry
          type: string
        - name: length
          type: int
        - name: ncbiReleaseDate
          type: date
      earliestReleaseDate:
        enabled: true
        externalFields: [ncbiReleaseDate]
    referenceGenome:
      nucleotideSequences:
        - name: main
          sequence: ACGTACGT
      genes:
        - name: E
          sequence: MKV
`

func TestLoadYAML(t *testing.T) {
	c, err := Load(strings.NewReader(westNileYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"west-nile"}, c.Names())

	o, err := c.Organism("west-nile")
	require.NoError(t, err)
	assert.Equal(t, "West Nile Virus", o.DisplayName())
	assert.Equal(t, []string{"ncbiReleaseDate"}, o.ExternalFields())
	assert.Equal(t, []string{"main"}, o.Segments())
	assert.Equal(t, []string{"E"}, o.Genes())

	f, ok := o.Field("length")
	require.True(t, ok)
	assert.Equal(t, TypeInt, f.Type)

	terms := o.DataUseTerms()
	assert.True(t, terms.Enabled)
	assert.Equal(t, "https://example.org/restricted", terms.URL(domain.DataUseTermsRestricted))
	assert.Equal(t, "https://example.org/open", terms.URL(domain.DataUseTermsOpen))
}

func TestLoadJSONFile(t *testing.T) {
	doc := `{"organisms": {"ebola": {"schema": {"metadata": [{"name": "host", "type": "string"}]},
	  "referenceGenome": {"nucleotideSequences": [{"name": "main", "sequence": "AC"}], "genes": []}}}}`
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	o, err := c.Organism("ebola")
	require.NoError(t, err)
	assert.Equal(t, "ebola", o.DisplayName())
	assert.Empty(t, o.ExternalFields())
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"no organisms":      `organisms: {}`,
		"bad type":          "organisms:\n  x:\n    schema:\n      metadata:\n        - {name: a, type: blob}\n",
		"unknown key":       "organisms:\n  x:\n    bogus: 1\n",
		"external not date": "organisms:\n  x:\n    schema:\n      metadata:\n        - {name: a, type: int}\n      earliestReleaseDate: {enabled: true, externalFields: [a]}\n",
		"external missing":  "organisms:\n  x:\n    schema:\n      earliestReleaseDate: {enabled: true, externalFields: [nope]}\n",
		"duplicate field":   "organisms:\n  x:\n    schema:\n      metadata:\n        - {name: a}\n        - {name: a}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
