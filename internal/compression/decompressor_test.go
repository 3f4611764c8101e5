package compression

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapisgate/internal/schema"
	"lapisgate/pkg/domain"
)

var (
	mainRef = randomText(1, "ACGT", 2000)
	geneRef = randomText(2, "ACDEFGHIKLMNPQRSTVWY", 400)
)

// randomText returns a deterministic sequence without internal repeats, so
// an encoder can only find long matches in the dictionary.
func randomText(seed int64, alphabet string, n int) string {
	r := rand.New(rand.NewSource(seed))
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[r.Intn(len(alphabet))])
	}
	return b.String()
}

func catalog(t *testing.T) *schema.Catalog {
	t.Helper()
	o, err := schema.NewOrganism(schema.OrganismConfig{
		Name: "west-nile",
		Reference: schema.ReferenceGenome{
			NucleotideSequences: []schema.ReferenceSequence{{Name: "main", Sequence: mainRef}},
			Genes:               []schema.ReferenceSequence{{Name: "E", Sequence: geneRef}},
		},
	})
	require.NoError(t, err)
	c, err := schema.NewCatalog(o)
	require.NoError(t, err)
	return c
}

func compress(t *testing.T, text, dict string) string {
	t.Helper()
	return compressCRC(t, text, dict, true)
}

func compressCRC(t *testing.T, text, dict string, crc bool) string {
	t.Helper()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderDictRaw(0, []byte(dict)), zstd.WithEncoderCRC(crc))
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	return base64.StdEncoding.EncodeToString(enc.EncodeAll([]byte(text), nil))
}

func TestDecompressRoundTrip(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()

	seq := mainRef[:300] + "NNNN" + mainRef[304:]
	got, err := d.Decompress("west-nile", domain.SequenceTarget{Kind: domain.SequenceAlignedNucleotide, Name: "main"},
		compress(t, seq, mainRef))
	require.NoError(t, err)
	assert.Equal(t, seq, got)

	protein := geneRef[:100] + "*"
	got, err = d.Decompress("west-nile", domain.SequenceTarget{Kind: domain.SequenceAlignedAminoAcid, Name: "E"},
		compress(t, protein, geneRef))
	require.NoError(t, err)
	assert.Equal(t, protein, got)
}

func TestDecompressWrongDictionaryFails(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()

	other := randomText(3, "ACGT", 2000)
	payload := compress(t, other[100:1600], other)
	_, err = d.Decompress("west-nile", domain.SequenceTarget{Kind: domain.SequenceUnalignedNucleotide, Name: "main"}, payload)
	var de domain.DecompressionError
	require.True(t, errors.As(err, &de), "expected DecompressionError, got %v", err)
	assert.Equal(t, "main", de.Name)
	assert.Equal(t, "DecompressionFailure", domain.ErrorType(err))
}

// Without a content checksum the frame gives the decoder nothing to verify
// the dictionary against.
func TestDecompressWrongDictionaryWithoutChecksum(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()

	other := randomText(3, "ACGT", 2000)
	sample := other[:500] + "T" + other[501:1200] + "GG" + other[1202:]
	target := domain.SequenceTarget{Kind: domain.SequenceUnalignedNucleotide, Name: "main"}

	got, err := d.Decompress("west-nile", target, compressCRC(t, sample, other, false))
	require.NoError(t, err)
	assert.Len(t, got, len(sample))
	assert.NotEqual(t, sample, got)

	got, err = d.Decompress("west-nile", target, compressCRC(t, sample, mainRef, false))
	require.NoError(t, err)
	assert.Equal(t, sample, got)
}

func TestDecompressCorruptPayloads(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()
	target := domain.SequenceTarget{Kind: domain.SequenceUnalignedNucleotide, Name: "main"}

	_, err = d.Decompress("west-nile", target, "%%%not-base64")
	assert.True(t, errors.As(err, new(domain.DecompressionError)))

	_, err = d.Decompress("west-nile", target, base64.StdEncoding.EncodeToString([]byte("plain text")))
	assert.True(t, errors.As(err, new(domain.DecompressionError)))
}

func TestDecompressUnknownTargets(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Decompress("west-nile", domain.SequenceTarget{Kind: domain.SequenceAlignedAminoAcid, Name: "main"}, "")
	var nf domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "gene", nf.Kind)

	_, err = d.Decompress("ebola", domain.SequenceTarget{Kind: domain.SequenceUnalignedNucleotide, Name: "main"}, "")
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "organism", nf.Kind)
}

func TestDecompressConcurrent(t *testing.T) {
	d, err := New(catalog(t))
	require.NoError(t, err)
	defer d.Close()

	payload := compress(t, mainRef, mainRef)
	target := domain.SequenceTarget{Kind: domain.SequenceUnalignedNucleotide, Name: "main"}
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.Decompress("west-nile", target, payload)
			if err == nil && got != mainRef {
				err = errors.New("mismatch")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
