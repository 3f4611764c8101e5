package query

import (
	"fmt"
	"sort"
	"strings"

	"lapisgate/internal/schema"
	"lapisgate/pkg/domain"
)

type join int

const (
	joinNone join = iota
	joinDataUseTerms
	joinGroups
)

// Field is one name a request may filter, project, group or order on. It is
// either a declared metadata field or a computed field derived at query time.
type Field struct {
	Name     string
	Type     schema.FieldType
	Computed bool
	// Window fields read columns only the versioned CTE materialises.
	Window bool

	join    join
	selectF func(b *builder) string
	compare func(b *builder) string
	allowed []string
}

func (f Field) selectExpr(b *builder) string {
	b.use(f)
	return f.selectF(b)
}

func (f Field) compareExpr(b *builder) string {
	b.use(f)
	if f.compare == nil {
		return f.selectF(b)
	}
	return f.compare(b)
}

func static(expr string) func(*builder) string {
	return func(*builder) string { return expr }
}

// Names of computed fields. None of them may be declared as metadata.
const (
	FieldAccession                   = "accession"
	FieldVersion                     = "version"
	FieldAccessionVersion            = "accessionVersion"
	FieldDisplayName                 = "displayName"
	FieldIsRevocation                = "isRevocation"
	FieldVersionStatus               = "versionStatus"
	FieldEarliestReleaseDate         = "earliestReleaseDate"
	FieldSubmittedDate               = "submittedDate"
	FieldReleasedDate                = "releasedDate"
	FieldSubmittedAtTimestamp        = "submittedAtTimestamp"
	FieldReleasedAtTimestamp         = "releasedAtTimestamp"
	FieldGroupID                     = "groupId"
	FieldGroupName                   = "groupName"
	FieldDataUseTerms                = "dataUseTerms"
	FieldDataUseTermsRestrictedUntil = "dataUseTermsRestrictedUntil"
	FieldDataUseTermsURL             = "dataUseTermsUrl"
)

// Window column aliases inside the versioned CTE.
const (
	colMaxVersion          = "max_version"
	colLaterRevoked        = "later_revoked"
	colEarliestReleaseDate = "earliest_release_date"
)

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func metadataText(alias, name string) string {
	return fmt.Sprintf("(%s.joint_metadata -> 'metadata' ->> %s)", alias, quoteLiteral(name))
}

func metadataField(f schema.Field) Field {
	text := metadataText("v", f.Name)
	out := Field{Name: f.Name, Type: f.Type}
	switch f.Type {
	case schema.TypeInt:
		out.selectF = static(fmt.Sprintf("NULLIF(%s, '')::bigint", text))
	case schema.TypeFloat:
		out.selectF = static(fmt.Sprintf("NULLIF(%s, '')::double precision", text))
	case schema.TypeBoolean:
		out.selectF = static(fmt.Sprintf("NULLIF(%s, '')::boolean", text))
	case schema.TypeDate:
		out.selectF = static(text)
		out.compare = static(fmt.Sprintf("NULLIF(%s, '')::date", text))
	default:
		out.selectF = static(text)
	}
	return out
}

const accessionVersionExpr = "(v.accession || '.' || v.version)"

// versionStatusExpr relies on the window columns of the versioned CTE.
var versionStatusExpr = fmt.Sprintf(
	"(CASE WHEN v.version = v.%s THEN '%s' WHEN v.%s THEN '%s' ELSE '%s' END)",
	colMaxVersion, domain.VersionStatusLatest,
	colLaterRevoked, domain.VersionStatusRevoked,
	domain.VersionStatusRevised,
)

func dataUseTermsStatusExpr(b *builder) string {
	return fmt.Sprintf(
		"(CASE WHEN dut.restricted_until IS NOT NULL AND dut.restricted_until > %s::date THEN '%s' ELSE '%s' END)",
		b.bindOnce("now", b.now), domain.DataUseTermsRestricted, domain.DataUseTermsOpen,
	)
}

// computedFields returns the synthetic fields available for an organism.
func computedFields(o *schema.Organism) []Field {
	fields := []Field{
		{Name: FieldAccession, Type: schema.TypeString, selectF: static("v.accession")},
		{Name: FieldVersion, Type: schema.TypeInt, selectF: static("v.version")},
		{Name: FieldAccessionVersion, Type: schema.TypeString, selectF: static(accessionVersionExpr)},
		{Name: FieldDisplayName, Type: schema.TypeString, selectF: static(accessionVersionExpr)},
		{Name: FieldIsRevocation, Type: schema.TypeBoolean, selectF: static("v.is_revocation")},
		{
			Name:    FieldVersionStatus,
			Type:    schema.TypeString,
			Window:  true,
			selectF: static(versionStatusExpr),
			allowed: versionStatusLiterals(),
		},
		{
			Name:    FieldEarliestReleaseDate,
			Type:    schema.TypeDate,
			Window:  true,
			selectF: static(fmt.Sprintf("to_char(v.%s, 'YYYY-MM-DD')", colEarliestReleaseDate)),
			compare: static("v." + colEarliestReleaseDate),
		},
		{
			Name:    FieldSubmittedDate,
			Type:    schema.TypeDate,
			selectF: static("to_char(v.submitted_at, 'YYYY-MM-DD')"),
			compare: static("v.submitted_at::date"),
		},
		{
			Name:    FieldReleasedDate,
			Type:    schema.TypeDate,
			selectF: static("to_char(v.released_at, 'YYYY-MM-DD')"),
			compare: static("v.released_at::date"),
		},
		{Name: FieldSubmittedAtTimestamp, Type: schema.TypeInt, selectF: static("floor(extract(epoch from v.submitted_at))::bigint")},
		{Name: FieldReleasedAtTimestamp, Type: schema.TypeInt, selectF: static("floor(extract(epoch from v.released_at))::bigint")},
		{Name: FieldGroupID, Type: schema.TypeInt, selectF: static("v.group_id")},
		{Name: FieldGroupName, Type: schema.TypeString, join: joinGroups, selectF: static("g.group_name")},
	}
	if policy := o.DataUseTerms(); policy.Enabled {
		fields = append(fields,
			Field{
				Name:    FieldDataUseTerms,
				Type:    schema.TypeString,
				join:    joinDataUseTerms,
				selectF: dataUseTermsStatusExpr,
				allowed: []string{string(domain.DataUseTermsOpen), string(domain.DataUseTermsRestricted)},
			},
			Field{
				Name:    FieldDataUseTermsRestrictedUntil,
				Type:    schema.TypeDate,
				join:    joinDataUseTerms,
				selectF: static("to_char(dut.restricted_until, 'YYYY-MM-DD')"),
				compare: static("dut.restricted_until::date"),
			},
			Field{
				Name: FieldDataUseTermsURL,
				Type: schema.TypeString,
				join: joinDataUseTerms,
				selectF: func(b *builder) string {
					return fmt.Sprintf("(CASE WHEN %s = '%s' THEN %s ELSE %s END)",
						dataUseTermsStatusExpr(b), domain.DataUseTermsRestricted,
						b.bindOnce("restrictedUrl", policy.URL(domain.DataUseTermsRestricted)),
						b.bindOnce("openUrl", policy.URL(domain.DataUseTermsOpen)))
				},
			},
		)
	}
	for i := range fields {
		fields[i].Computed = true
	}
	return fields
}

func versionStatusLiterals() []string {
	statuses := domain.VersionStatuses()
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// windowColumns renders the per-accession window aggregates of the versioned
// CTE. Partitions span every released version of the accession.
func windowColumns(o *schema.Organism) string {
	dates := []string{"sev.released_at::date"}
	for _, ext := range o.ExternalFields() {
		dates = append(dates, fmt.Sprintf("NULLIF(%s, '')::date", metadataText("sev", ext)))
	}
	earliest := dates[0]
	if len(dates) > 1 {
		earliest = "LEAST(" + strings.Join(dates, ", ") + ")"
	}
	return strings.Join([]string{
		fmt.Sprintf("max(sev.version) OVER (PARTITION BY sev.accession) AS %s", colMaxVersion),
		fmt.Sprintf("COALESCE(bool_or(sev.is_revocation) OVER (PARTITION BY sev.accession ORDER BY sev.version "+
			"ROWS BETWEEN 1 FOLLOWING AND UNBOUNDED FOLLOWING), false) AS %s", colLaterRevoked),
		fmt.Sprintf("min(%s) OVER (PARTITION BY sev.accession) AS %s", earliest, colEarliestReleaseDate),
	}, ",\n    ")
}

// fieldTable is the resolved field namespace of one organism.
type fieldTable struct {
	organism *schema.Organism
	byName   map[string]Field
	// defaults is the column order of a details response without fields.
	defaults []string
}

func newFieldTable(o *schema.Organism) *fieldTable {
	t := &fieldTable{organism: o, byName: make(map[string]Field)}
	computed := computedFields(o)
	for _, f := range computed {
		t.byName[f.Name] = f
	}
	t.defaults = []string{FieldAccession, FieldVersion, FieldAccessionVersion}
	for _, f := range o.Fields() {
		if _, clash := t.byName[f.Name]; clash {
			continue
		}
		t.byName[f.Name] = metadataField(f)
		t.defaults = append(t.defaults, f.Name)
	}
	for _, f := range computed {
		switch f.Name {
		case FieldAccession, FieldVersion, FieldAccessionVersion:
			continue
		}
		t.defaults = append(t.defaults, f.Name)
	}
	return t
}

func (t *fieldTable) lookup(parameter, name string) (Field, error) {
	f, ok := t.byName[name]
	if !ok {
		return Field{}, domain.BadRequest(parameter, "unknown field %q for organism %s", name, t.organism.Name())
	}
	return f, nil
}

func (t *fieldTable) computedNames() []string {
	var out []string
	for name, f := range t.byName {
		if f.Computed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (t *fieldTable) names() []string {
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
