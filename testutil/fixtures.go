package testutil

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"lapisgate/internal/schema"
)

// Reference sequences of the west-nile fixture. They are pseudo-random so
// that compressed payloads depend on the dictionary.
var (
	WestNileMain = RandomText(1, "ACGT", 2000)
	WestNileE    = RandomText(2, "ACDEFGHIKLMNPQRSTVWY", 400)
)

// RandomText returns a deterministic sequence over alphabet.
func RandomText(seed int64, alphabet string, n int) string {
	r := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[r.Intn(len(alphabet))])
	}
	return b.String()
}

// Catalog returns the west-nile catalog (single segment "main", gene "E",
// data use terms enabled) plus a two-segment "flu" organism.
func Catalog(t testing.TB) *schema.Catalog {
	t.Helper()
	wn, err := schema.NewOrganism(schema.OrganismConfig{
		Name:        "west-nile",
		DisplayName: "West Nile Virus",
		Fields: []schema.Field{
			{Name: "geoLocCountry", Type: schema.TypeString},
			{Name: "length", Type: schema.TypeInt},
			{Name: "ncbiReleaseDate", Type: schema.TypeDate},
		},
		ExternalFields: []string{"ncbiReleaseDate"},
		Reference: schema.ReferenceGenome{
			NucleotideSequences: []schema.ReferenceSequence{{Name: "main", Sequence: WestNileMain}},
			Genes:               []schema.ReferenceSequence{{Name: "E", Sequence: WestNileE}},
		},
		DataUseTerms: schema.DataUseTermsPolicy{
			Enabled:       true,
			OpenURL:       "https://example.org/open",
			RestrictedURL: "https://example.org/restricted",
		},
	})
	require.NoError(t, err)
	flu, err := schema.NewOrganism(schema.OrganismConfig{
		Name: "flu",
		Reference: schema.ReferenceGenome{
			NucleotideSequences: []schema.ReferenceSequence{
				{Name: "HA", Sequence: RandomText(3, "ACGT", 500)},
				{Name: "NA", Sequence: RandomText(4, "ACGT", 500)},
			},
		},
	})
	require.NoError(t, err)
	c, err := schema.NewCatalog(wn, flu)
	require.NoError(t, err)
	return c
}

// Compress encodes text as zstd with the reference as raw dictionary, then
// base64. Frames carry a content checksum so decoding with the wrong
// dictionary fails; upstream encoders usually omit it.
func Compress(t testing.TB, text, dict string) string {
	t.Helper()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderDictRaw(0, []byte(dict)), zstd.WithEncoderCRC(true))
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	return base64.StdEncoding.EncodeToString(enc.EncodeAll([]byte(text), nil))
}
