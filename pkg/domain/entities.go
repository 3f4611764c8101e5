// Package domain defines the shared vocabulary of the query service: the
// derived status values exposed for sequence records, the sequence payload
// kinds stored per record, and the error taxonomy surfaced to callers.
package domain

import "strings"

// VersionStatus describes where a record sits in its accession's version chain.
type VersionStatus string

// Version status values derived at query time.
const (
	// VersionStatusLatest marks the highest released version of an accession.
	VersionStatusLatest VersionStatus = "LATEST_VERSION"
	// VersionStatusRevised marks an older version superseded by a later, non-revoking one.
	VersionStatusRevised VersionStatus = "REVISED"
	// VersionStatusRevoked marks an older version followed by a revocation.
	VersionStatusRevoked VersionStatus = "REVOKED"
)

// VersionStatuses lists the accepted version status literals.
func VersionStatuses() []VersionStatus {
	return []VersionStatus{VersionStatusLatest, VersionStatusRevised, VersionStatusRevoked}
}

// DataUseTermsStatus is the access policy currently attached to a record.
type DataUseTermsStatus string

// Data use terms values.
const (
	DataUseTermsOpen       DataUseTermsStatus = "OPEN"
	DataUseTermsRestricted DataUseTermsStatus = "RESTRICTED"
)

// SequenceKind identifies which stored payload family a request targets.
type SequenceKind string

// Stored payload families. The string value is the key inside the record's
// joint metadata document.
const (
	SequenceUnalignedNucleotide SequenceKind = "unalignedNucleotideSequences"
	SequenceAlignedNucleotide   SequenceKind = "alignedNucleotideSequences"
	SequenceAlignedAminoAcid    SequenceKind = "alignedAminoAcidSequences"
)

// IsNucleotide reports whether the kind is keyed by nucleotide segment names
// (as opposed to gene names).
func (k SequenceKind) IsNucleotide() bool {
	return k == SequenceUnalignedNucleotide || k == SequenceAlignedNucleotide
}

// NameKind returns "segment" or "gene" for error messages.
func (k SequenceKind) NameKind() string {
	if k.IsNucleotide() {
		return "segment"
	}
	return "gene"
}

// InsertionKind identifies an insertion list family.
type InsertionKind string

// Insertion list families, keyed like SequenceKind.
const (
	InsertionNucleotide InsertionKind = "nucleotideInsertions"
	InsertionAminoAcid  InsertionKind = "aminoAcidInsertions"
)

// SequenceTarget names one stored payload: a kind plus a segment or gene.
type SequenceTarget struct {
	Kind SequenceKind
	Name string
}

func (t SequenceTarget) String() string {
	var b strings.Builder
	b.WriteString(string(t.Kind))
	if t.Name != "" {
		b.WriteByte('/')
		b.WriteString(t.Name)
	}
	return b.String()
}
