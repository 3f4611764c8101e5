package schema

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// file mirrors the on-disk schema document. JSON documents decode through the
// same YAML decoder.
type file struct {
	AccessionPrefix string                  `yaml:"accessionPrefix"`
	DataUseTerms    dataUseTermsFile        `yaml:"dataUseTerms"`
	Organisms       map[string]organismFile `yaml:"organisms"`
}

type dataUseTermsFile struct {
	Enabled bool `yaml:"enabled"`
	URLs    struct {
		Open       string `yaml:"open"`
		Restricted string `yaml:"restricted"`
	} `yaml:"urls"`
}

type organismFile struct {
	Schema struct {
		OrganismName string `yaml:"organismName"`
		Metadata     []struct {
			Name string `yaml:"name"`
			Type string `yaml:"type"`
		} `yaml:"metadata"`
		EarliestReleaseDate struct {
			Enabled        bool     `yaml:"enabled"`
			ExternalFields []string `yaml:"externalFields"`
		} `yaml:"earliestReleaseDate"`
	} `yaml:"schema"`
	ReferenceGenome struct {
		NucleotideSequences []referenceFile `yaml:"nucleotideSequences"`
		Genes               []referenceFile `yaml:"genes"`
	} `yaml:"referenceGenome"`
	DataUseTerms *dataUseTermsFile `yaml:"dataUseTerms"`
}

type referenceFile struct {
	Name     string `yaml:"name"`
	Sequence string `yaml:"sequence"`
}

// LoadFile reads a schema document from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open schema file")
	}
	defer func() { _ = f.Close() }()
	c, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return c, nil
}

// Load decodes a schema document (YAML or JSON) into a Catalog.
func Load(r io.Reader) (*Catalog, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode schema")
	}
	if len(doc.Organisms) == 0 {
		return nil, errors.New("schema declares no organisms")
	}
	names := make([]string, 0, len(doc.Organisms))
	for name := range doc.Organisms {
		names = append(names, name)
	}
	sort.Strings(names)

	organisms := make([]*Organism, 0, len(names))
	for _, name := range names {
		of := doc.Organisms[name]
		cfg := OrganismConfig{
			Name:        name,
			DisplayName: of.Schema.OrganismName,
		}
		for _, md := range of.Schema.Metadata {
			typ, err := ParseFieldType(md.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "organism %s field %s", name, md.Name)
			}
			cfg.Fields = append(cfg.Fields, Field{Name: md.Name, Type: typ})
		}
		if of.Schema.EarliestReleaseDate.Enabled {
			cfg.ExternalFields = of.Schema.EarliestReleaseDate.ExternalFields
		}
		for _, seq := range of.ReferenceGenome.NucleotideSequences {
			cfg.Reference.NucleotideSequences = append(cfg.Reference.NucleotideSequences, ReferenceSequence(seq))
		}
		for _, seq := range of.ReferenceGenome.Genes {
			cfg.Reference.Genes = append(cfg.Reference.Genes, ReferenceSequence(seq))
		}
		terms := doc.DataUseTerms
		if of.DataUseTerms != nil {
			terms = *of.DataUseTerms
		}
		cfg.DataUseTerms = DataUseTermsPolicy{
			Enabled:       terms.Enabled,
			OpenURL:       terms.URLs.Open,
			RestrictedURL: terms.URLs.Restricted,
		}
		o, err := NewOrganism(cfg)
		if err != nil {
			return nil, err
		}
		organisms = append(organisms, o)
	}
	return NewCatalog(organisms...)
}
