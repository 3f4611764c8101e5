// Package compression restores stored sequence payloads. Payloads are base64
// encoded zstd frames compressed against the organism's reference sequence
// used as a raw-content dictionary.
package compression

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"lapisgate/internal/schema"
	"lapisgate/pkg/domain"
)

type dictKey struct {
	organism   string
	nucleotide bool
	name       string
}

// Decompressor holds one dictionary-bound decoder per (organism, segment or
// gene). The map is built once and only read afterwards; zstd.Decoder
// DecodeAll is safe for concurrent use.
type Decompressor struct {
	decoders map[dictKey]*zstd.Decoder
}

// New derives a decoder for every reference sequence in catalog.
func New(catalog *schema.Catalog) (*Decompressor, error) {
	d := &Decompressor{decoders: make(map[dictKey]*zstd.Decoder)}
	for _, name := range catalog.Names() {
		o, err := catalog.Organism(name)
		if err != nil {
			d.Close()
			return nil, err
		}
		for _, group := range []struct {
			kind  domain.SequenceKind
			names []string
		}{
			{domain.SequenceUnalignedNucleotide, o.Segments()},
			{domain.SequenceAlignedAminoAcid, o.Genes()},
		} {
			for _, ref := range group.names {
				text, err := o.Reference(group.kind, ref)
				if err != nil {
					d.Close()
					return nil, err
				}
				dec, err := newDecoder(text)
				if err != nil {
					d.Close()
					return nil, errors.Wrapf(err, "dictionary for %s/%s", name, ref)
				}
				d.decoders[dictKey{organism: name, nucleotide: group.kind.IsNucleotide(), name: ref}] = dec
			}
		}
	}
	return d, nil
}

func newDecoder(reference string) (*zstd.Decoder, error) {
	if reference == "" {
		return zstd.NewReader(nil)
	}
	return zstd.NewReader(nil, zstd.WithDecoderDictRaw(0, []byte(reference)))
}

// Decompress decodes a base64 payload for target. Unknown segments or genes
// are NotFound and any decoding failure is a DecompressionError. A wrong
// dictionary is only detected when the frame carries a content checksum;
// frames written without one decode to text of the right length but the
// wrong content.
func (d *Decompressor) Decompress(organism string, target domain.SequenceTarget, payload string) (string, error) {
	dec, ok := d.decoders[dictKey{organism: organism, nucleotide: target.Kind.IsNucleotide(), name: target.Name}]
	if !ok {
		if !d.hasOrganism(organism) {
			return "", domain.NotFoundError{Kind: "organism", Name: organism}
		}
		return "", domain.NotFoundError{Kind: target.Kind.NameKind(), Name: target.Name}
	}
	fail := func(err error) error {
		return domain.DecompressionError{Organism: organism, Name: target.Name, Err: err}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fail(errors.Wrap(err, "base64"))
	}
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return "", fail(err)
	}
	if !utf8.Valid(out) {
		return "", fail(errors.New("decoded payload is not text"))
	}
	return string(out), nil
}

func (d *Decompressor) hasOrganism(organism string) bool {
	for k := range d.decoders {
		if k.organism == organism {
			return true
		}
	}
	return false
}

// Close releases decoder resources.
func (d *Decompressor) Close() {
	for _, dec := range d.decoders {
		dec.Close()
	}
}
