// Package schema holds the Schema Catalog: the immutable, per-organism field
// types, reference genomes, external release-date fields and data use terms
// policy that the compiler and decompressor consult. A Catalog is built once
// at startup and shared read-only by every request.
package schema

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"lapisgate/pkg/domain"
)

// FieldType is the declared type of a metadata field.
type FieldType string

// Declared field types.
const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeDate    FieldType = "date"
	TypeBoolean FieldType = "boolean"
)

// ParseFieldType accepts the declared type spellings used in schema files.
func ParseFieldType(raw string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "string", "text", "authors":
		return TypeString, nil
	case "int", "integer", "bigint":
		return TypeInt, nil
	case "float", "double", "number":
		return TypeFloat, nil
	case "date":
		return TypeDate, nil
	case "bool", "boolean":
		return TypeBoolean, nil
	default:
		return "", errors.Errorf("unsupported field type %q", raw)
	}
}

// Ordered reports whether range filters are meaningful for the type.
func (t FieldType) Ordered() bool {
	return t == TypeInt || t == TypeFloat || t == TypeDate
}

// Field is one declared metadata field.
type Field struct {
	Name string
	Type FieldType
}

// ReferenceSequence is a named nucleotide segment or gene reference.
type ReferenceSequence struct {
	Name     string
	Sequence string
}

// ReferenceGenome groups the organism's segment and gene references. They
// serve only as decompression dictionaries.
type ReferenceGenome struct {
	NucleotideSequences []ReferenceSequence
	Genes               []ReferenceSequence
}

// DataUseTermsPolicy carries the URLs shown for each data use terms status.
type DataUseTermsPolicy struct {
	Enabled       bool
	OpenURL       string
	RestrictedURL string
}

// URL returns the policy URL for status.
func (p DataUseTermsPolicy) URL(status domain.DataUseTermsStatus) string {
	if status == domain.DataUseTermsRestricted {
		return p.RestrictedURL
	}
	return p.OpenURL
}

// Organism is the immutable schema of one organism.
type Organism struct {
	name           string
	displayName    string
	fields         []Field
	fieldIndex     map[string]int
	externalFields []string
	reference      ReferenceGenome
	dataUseTerms   DataUseTermsPolicy
}

// OrganismConfig is the mutable input used to build an Organism.
type OrganismConfig struct {
	Name           string
	DisplayName    string
	Fields         []Field
	ExternalFields []string
	Reference      ReferenceGenome
	DataUseTerms   DataUseTermsPolicy
}

// NewOrganism validates cfg and returns an immutable organism schema.
func NewOrganism(cfg OrganismConfig) (*Organism, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("organism name required")
	}
	o := &Organism{
		name:         name,
		displayName:  cfg.DisplayName,
		fieldIndex:   make(map[string]int, len(cfg.Fields)),
		dataUseTerms: cfg.DataUseTerms,
	}
	if o.displayName == "" {
		o.displayName = name
	}
	for _, f := range cfg.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, errors.Errorf("organism %s: metadata field without name", name)
		}
		if _, dup := o.fieldIndex[f.Name]; dup {
			return nil, errors.Errorf("organism %s: duplicate metadata field %s", name, f.Name)
		}
		if f.Type == "" {
			f.Type = TypeString
		}
		o.fieldIndex[f.Name] = len(o.fields)
		o.fields = append(o.fields, f)
	}
	for _, ext := range cfg.ExternalFields {
		idx, ok := o.fieldIndex[ext]
		if !ok {
			return nil, errors.Errorf("organism %s: external field %s is not a declared metadata field", name, ext)
		}
		if o.fields[idx].Type != TypeDate {
			return nil, errors.Errorf("organism %s: external field %s must be of type date", name, ext)
		}
		o.externalFields = append(o.externalFields, ext)
	}
	ref, err := copyReference(name, cfg.Reference)
	if err != nil {
		return nil, err
	}
	o.reference = ref
	return o, nil
}

func copyReference(organism string, in ReferenceGenome) (ReferenceGenome, error) {
	out := ReferenceGenome{
		NucleotideSequences: make([]ReferenceSequence, 0, len(in.NucleotideSequences)),
		Genes:               make([]ReferenceSequence, 0, len(in.Genes)),
	}
	seen := make(map[string]struct{})
	for _, seq := range in.NucleotideSequences {
		if _, dup := seen["n:"+seq.Name]; dup {
			return ReferenceGenome{}, errors.Errorf("organism %s: duplicate segment %s", organism, seq.Name)
		}
		seen["n:"+seq.Name] = struct{}{}
		out.NucleotideSequences = append(out.NucleotideSequences, seq)
	}
	for _, seq := range in.Genes {
		if _, dup := seen["g:"+seq.Name]; dup {
			return ReferenceGenome{}, errors.Errorf("organism %s: duplicate gene %s", organism, seq.Name)
		}
		seen["g:"+seq.Name] = struct{}{}
		out.Genes = append(out.Genes, seq)
	}
	return out, nil
}

// Name returns the organism key used in request paths.
func (o *Organism) Name() string { return o.name }

// DisplayName returns the human readable organism name.
func (o *Organism) DisplayName() string { return o.displayName }

// Fields returns a copy of the declared metadata fields in declaration order.
func (o *Organism) Fields() []Field {
	return append([]Field(nil), o.fields...)
}

// Field looks up a declared metadata field.
func (o *Organism) Field(name string) (Field, bool) {
	idx, ok := o.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return o.fields[idx], true
}

// ExternalFields returns the date fields that may predate the record's own
// release and feed earliestReleaseDate.
func (o *Organism) ExternalFields() []string {
	return append([]string(nil), o.externalFields...)
}

// DataUseTerms returns the organism's data use terms policy.
func (o *Organism) DataUseTerms() DataUseTermsPolicy { return o.dataUseTerms }

// Segments returns the nucleotide segment names in declaration order.
func (o *Organism) Segments() []string {
	out := make([]string, len(o.reference.NucleotideSequences))
	for i, seq := range o.reference.NucleotideSequences {
		out[i] = seq.Name
	}
	return out
}

// Genes returns the gene names in declaration order.
func (o *Organism) Genes() []string {
	out := make([]string, len(o.reference.Genes))
	for i, seq := range o.reference.Genes {
		out[i] = seq.Name
	}
	return out
}

// Reference returns the reference text for a segment or gene of the given kind.
func (o *Organism) Reference(kind domain.SequenceKind, name string) (string, error) {
	list := o.reference.Genes
	if kind.IsNucleotide() {
		list = o.reference.NucleotideSequences
	}
	for _, seq := range list {
		if seq.Name == name {
			return seq.Sequence, nil
		}
	}
	return "", domain.NotFoundError{Kind: kind.NameKind(), Name: name}
}

// Catalog maps organism names to their schemas.
type Catalog struct {
	organisms map[string]*Organism
	names     []string
}

// NewCatalog builds an immutable catalog from organism schemas.
func NewCatalog(organisms ...*Organism) (*Catalog, error) {
	c := &Catalog{organisms: make(map[string]*Organism, len(organisms))}
	for _, o := range organisms {
		if o == nil {
			continue
		}
		if _, dup := c.organisms[o.name]; dup {
			return nil, errors.Errorf("duplicate organism %s", o.name)
		}
		c.organisms[o.name] = o
		c.names = append(c.names, o.name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Organism returns the schema for name or a NotFoundError.
func (c *Catalog) Organism(name string) (*Organism, error) {
	o, ok := c.organisms[name]
	if !ok {
		return nil, domain.NotFoundError{Kind: "organism", Name: name}
	}
	return o, nil
}

// Names returns the organism names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}
