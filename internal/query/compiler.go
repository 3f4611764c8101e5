// Package query compiles LAPIS-style request parameters into parameterized
// PostgreSQL statements over sequence_entries_view.
//
// Every statement binds the organism as $1 and restricts rows to released
// records. Metadata fields live in the joint_metadata JSONB document and are
// cast to their declared types before any comparison. Computed fields that
// depend on per-accession window aggregates (versionStatus,
// earliestReleaseDate) force a two-level statement: a versioned CTE that
// materialises the window columns, and an outer query that filters, groups,
// orders and paginates.
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"lapisgate/internal/schema"
	"lapisgate/pkg/domain"
)

// Statement is a compiled query: SQL text, its bound arguments in
// placeholder order, and the output column names in select order.
type Statement struct {
	SQL     string
	Args    []any
	Columns []string
}

// SequenceStatement selects compressed payloads. The last column holds the
// base64 payload of Target; the columns before it are header fields.
type SequenceStatement struct {
	Statement
	Target domain.SequenceTarget
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock overrides the clock used for data use terms status.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		if now != nil {
			c.now = now
		}
	}
}

// Compiler is safe for concurrent use. Field tables are resolved once per
// organism at construction.
type Compiler struct {
	catalog *schema.Catalog
	tables  map[string]*fieldTable
	now     func() time.Time
}

// NewCompiler resolves the field namespace of every organism in catalog.
func NewCompiler(catalog *schema.Catalog, opts ...Option) *Compiler {
	c := &Compiler{catalog: catalog, tables: make(map[string]*fieldTable), now: time.Now}
	for _, name := range catalog.Names() {
		o, err := catalog.Organism(name)
		if err != nil {
			continue
		}
		c.tables[name] = newFieldTable(o)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) table(organism string) (*fieldTable, error) {
	t, ok := c.tables[organism]
	if !ok {
		return nil, domain.NotFoundError{Kind: "organism", Name: organism}
	}
	return t, nil
}

// ResolveComputedFieldNames returns the sorted names of the computed fields
// available for organism.
func (c *Compiler) ResolveComputedFieldNames(organism string) ([]string, error) {
	t, err := c.table(organism)
	if err != nil {
		return nil, err
	}
	return t.computedNames(), nil
}

// FieldNames returns every field name (metadata and computed) of organism.
func (c *Compiler) FieldNames(organism string) ([]string, error) {
	t, err := c.table(organism)
	if err != nil {
		return nil, err
	}
	return t.names(), nil
}

// CompileAggregation counts matching records, grouped by p.Fields when set.
func (c *Compiler) CompileAggregation(organism string, p Params) (Statement, error) {
	t, err := c.table(organism)
	if err != nil {
		return Statement{}, err
	}
	b := newBuilder(organism, c.now())
	conds, err := c.conditions(t, b, p.Filters)
	if err != nil {
		return Statement{}, err
	}
	groups, err := resolveFields(t, dedupe(p.Fields))
	if err != nil {
		return Statement{}, err
	}
	selects := make([]string, 0, len(groups)+1)
	columns := make([]string, 0, len(groups)+1)
	ordinals := make([]string, 0, len(groups))
	for i, f := range groups {
		selects = append(selects, f.selectExpr(b)+" AS "+quoteIdent(f.Name))
		columns = append(columns, f.Name)
		ordinals = append(ordinals, strconv.Itoa(i+1))
	}
	selects = append(selects, `count(*) AS "count"`)
	columns = append(columns, OrderCount)

	var groupBy, orderBy string
	if len(groups) > 0 {
		groupBy = "GROUP BY " + strings.Join(ordinals, ", ")
		orderBy, err = aggregationOrder(columns[:len(groups)], p.OrderBy)
		if err != nil {
			return Statement{}, err
		}
	} else if err := validateUngroupedOrder(p.OrderBy); err != nil {
		return Statement{}, err
	}
	sql := b.render(t, selects, conds, []string{groupBy, orderBy, pagination(b, p)})
	return Statement{SQL: sql, Args: b.args, Columns: columns}, nil
}

// CompileDetails returns one row per matching record with the requested
// fields, or every field when none are requested.
func (c *Compiler) CompileDetails(organism string, p Params) (Statement, error) {
	t, err := c.table(organism)
	if err != nil {
		return Statement{}, err
	}
	names := dedupe(p.Fields)
	if len(names) == 0 {
		names = t.defaults
	}
	fields, err := resolveFields(t, names)
	if err != nil {
		return Statement{}, err
	}
	b := newBuilder(organism, c.now())
	conds, err := c.conditions(t, b, p.Filters)
	if err != nil {
		return Statement{}, err
	}
	selects := make([]string, len(fields))
	columns := make([]string, len(fields))
	for i, f := range fields {
		selects[i] = f.selectExpr(b) + " AS " + quoteIdent(f.Name)
		columns[i] = f.Name
	}
	orderBy, err := recordOrder(t, b, p.OrderBy)
	if err != nil {
		return Statement{}, err
	}
	sql := b.render(t, selects, conds, []string{orderBy, pagination(b, p)})
	return Statement{SQL: sql, Args: b.args, Columns: columns}, nil
}

// CompileSequenceSelection selects the compressed payload of one segment or
// gene for every matching record, preceded by accessionVersion and any
// further fields in p.Fields (used for FASTA headers). An empty segment
// name resolves to the organism's only segment.
func (c *Compiler) CompileSequenceSelection(organism string, p Params, target domain.SequenceTarget) (SequenceStatement, error) {
	t, err := c.table(organism)
	if err != nil {
		return SequenceStatement{}, err
	}
	target, err = resolveTarget(t.organism, target)
	if err != nil {
		return SequenceStatement{}, err
	}
	names := append([]string{FieldAccessionVersion}, p.Fields...)
	fields, err := resolveFields(t, dedupe(names))
	if err != nil {
		return SequenceStatement{}, err
	}
	b := newBuilder(organism, c.now())
	conds, err := c.conditions(t, b, p.Filters)
	if err != nil {
		return SequenceStatement{}, err
	}
	selects := make([]string, 0, len(fields)+1)
	columns := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		selects = append(selects, f.selectExpr(b)+" AS "+quoteIdent(f.Name))
		columns = append(columns, f.Name)
	}
	payload := fmt.Sprintf("(v.joint_metadata -> %s -> %s ->> 'compressedSequence')",
		quoteLiteral(string(target.Kind)), quoteLiteral(target.Name))
	selects = append(selects, payload+` AS "payload"`)
	columns = append(columns, target.Name)
	conds = append(conds, payload+" IS NOT NULL")

	orderBy, err := recordOrder(t, b, p.OrderBy)
	if err != nil {
		return SequenceStatement{}, err
	}
	sql := b.render(t, selects, conds, []string{orderBy, pagination(b, p)})
	return SequenceStatement{
		Statement: Statement{SQL: sql, Args: b.args, Columns: columns},
		Target:    target,
	}, nil
}

// Insertion result columns.
const (
	ColInsertion       = "insertion"
	ColInsertedSymbols = "insertedSymbols"
	ColPosition        = "position"
	ColSequenceName    = "sequenceName"
)

// CompileInsertions counts distinct insertions across matching records.
// Stored entries look like "position:symbols" keyed by segment or gene.
func (c *Compiler) CompileInsertions(organism string, p Params, kind domain.InsertionKind) (Statement, error) {
	t, err := c.table(organism)
	if err != nil {
		return Statement{}, err
	}
	b := newBuilder(organism, c.now())
	conds, err := c.conditions(t, b, p.Filters)
	if err != nil {
		return Statement{}, err
	}
	label := "'ins_' || ins.key || ':' || e.value"
	if kind == domain.InsertionNucleotide && len(t.organism.Segments()) == 1 {
		label = "'ins_' || e.value"
	}
	selects := []string{
		label + ` AS "insertion"`,
		`count(*) AS "count"`,
		`split_part(e.value, ':', 2) AS "insertedSymbols"`,
		`NULLIF(split_part(e.value, ':', 1), '')::int AS "position"`,
		`ins.key AS "sequenceName"`,
	}
	columns := []string{ColInsertion, OrderCount, ColInsertedSymbols, ColPosition, ColSequenceName}
	// Records carrying null or malformed insertion documents contribute
	// nothing instead of failing the statement.
	doc := "v.joint_metadata -> " + quoteLiteral(string(kind))
	conds = append(conds, "jsonb_typeof("+doc+") = 'object'")
	b.from = append(b.from,
		fmt.Sprintf("CROSS JOIN LATERAL (\n  SELECT key, value FROM jsonb_each(%s) WHERE jsonb_typeof(%s) = 'object'\n) AS ins(key, value)", doc, doc),
		"CROSS JOIN LATERAL (\n  SELECT value FROM jsonb_array_elements_text(ins.value) WHERE jsonb_typeof(ins.value) = 'array'\n) AS e(value)",
	)
	orderBy, err := insertionOrder(columns, p.OrderBy)
	if err != nil {
		return Statement{}, err
	}
	sql := b.render(t, selects, conds, []string{"GROUP BY 1, 3, 4, 5", orderBy, pagination(b, p)})
	return Statement{SQL: sql, Args: b.args, Columns: columns}, nil
}

func resolveTarget(o *schema.Organism, target domain.SequenceTarget) (domain.SequenceTarget, error) {
	if target.Name == "" {
		if !target.Kind.IsNucleotide() {
			return target, domain.BadRequest("gene", "a gene name is required")
		}
		segments := o.Segments()
		if len(segments) != 1 {
			return target, domain.BadRequest("segment",
				"organism %s has %d segments, a segment name is required", o.Name(), len(segments))
		}
		target.Name = segments[0]
	}
	if _, err := o.Reference(target.Kind, target.Name); err != nil {
		return target, err
	}
	return target, nil
}

func resolveFields(t *fieldTable, names []string) ([]Field, error) {
	out := make([]Field, 0, len(names))
	for _, name := range names {
		f, err := t.lookup(ParamFields, name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

type operator int

const (
	opEqual operator = iota
	opFrom
	opTo
)

// resolveFilterKey maps a filter key to its field. An exact field name wins
// over a range suffix; catalog validation rejects schemas where both readings
// are possible.
func resolveFilterKey(t *fieldTable, key string) (Field, operator, error) {
	if f, ok := t.byName[key]; ok {
		return f, opEqual, nil
	}
	for _, r := range []struct {
		suffix string
		op     operator
	}{{RangeFromSuffix, opFrom}, {RangeToSuffix, opTo}} {
		base, found := strings.CutSuffix(key, r.suffix)
		if !found || base == "" {
			continue
		}
		f, ok := t.byName[base]
		if !ok {
			continue
		}
		if !f.Type.Ordered() {
			return Field{}, 0, domain.BadRequest(key, "range filters need a numeric or date field, %s is %s", base, f.Type)
		}
		return f, r.op, nil
	}
	_, err := t.lookup(key, key)
	return Field{}, 0, err
}

func (c *Compiler) conditions(t *fieldTable, b *builder, filters []Filter) ([]string, error) {
	conds := make([]string, 0, len(filters))
	for _, flt := range filters {
		f, op, err := resolveFilterKey(t, flt.Key)
		if err != nil {
			return nil, err
		}
		cond, err := condition(b, f, op, flt)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func condition(b *builder, f Field, op operator, flt Filter) (string, error) {
	if len(flt.Values) == 0 {
		return "", domain.BadRequest(flt.Key, "missing value")
	}
	expr := f.compareExpr(b)
	if op != opEqual {
		if len(flt.Values) != 1 || flt.Values[0] == nil {
			return "", domain.BadRequest(flt.Key, "range filters take exactly one non-null value")
		}
		p, err := bindLiteral(b, f, flt.Key, flt.Values[0])
		if err != nil {
			return "", err
		}
		if op == opFrom {
			return expr + " >= " + p, nil
		}
		return expr + " <= " + p, nil
	}

	var placeholders []string
	hasNull := false
	for _, raw := range flt.Values {
		if raw == nil {
			hasNull = true
			continue
		}
		p, err := bindLiteral(b, f, flt.Key, raw)
		if err != nil {
			return "", err
		}
		placeholders = append(placeholders, p)
	}
	var match string
	switch len(placeholders) {
	case 0:
	case 1:
		match = expr + " = " + placeholders[0]
	default:
		match = expr + " IN (" + strings.Join(placeholders, ", ") + ")"
	}
	switch {
	case match == "":
		return expr + " IS NULL", nil
	case hasNull:
		return "(" + match + " OR " + expr + " IS NULL)", nil
	default:
		return match, nil
	}
}

func bindLiteral(b *builder, f Field, key string, raw any) (string, error) {
	v, err := coerce(f, key, raw)
	if err != nil {
		return "", err
	}
	p := b.bind(v)
	switch f.Type {
	case schema.TypeInt:
		return p + "::bigint", nil
	case schema.TypeFloat:
		return p + "::double precision", nil
	case schema.TypeDate:
		return p + "::date", nil
	case schema.TypeBoolean:
		return p + "::boolean", nil
	default:
		return p, nil
	}
}

// coerce converts a raw query-string or JSON literal into the Go value bound
// for the field's declared type.
func coerce(f Field, key string, raw any) (any, error) {
	mismatch := func() error {
		return domain.BadRequest(key, "expected a %s value for %s, got %v", f.Type, f.Name, raw)
	}
	switch f.Type {
	case schema.TypeInt:
		switch v := raw.(type) {
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, mismatch()
			}
			return n, nil
		case float64:
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return nil, mismatch()
			}
			return int64(v), nil
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, mismatch()
			}
			return n, nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case schema.TypeFloat:
		switch v := raw.(type) {
		case string:
			x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, mismatch()
			}
			return x, nil
		case float64:
			return v, nil
		case json.Number:
			x, err := v.Float64()
			if err != nil {
				return nil, mismatch()
			}
			return x, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case schema.TypeDate:
		if s, ok := raw.(string); ok {
			d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
			if err != nil {
				return nil, mismatch()
			}
			return d, nil
		}
	case schema.TypeBoolean:
		switch v := raw.(type) {
		case string:
			x, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, mismatch()
			}
			return x, nil
		case bool:
			return v, nil
		}
	default:
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			s = v.String()
		case bool:
			s = strconv.FormatBool(v)
		case int:
			s = strconv.Itoa(v)
		case int64:
			s = strconv.FormatInt(v, 10)
		default:
			return nil, mismatch()
		}
		if len(f.allowed) > 0 && !contains(f.allowed, s) {
			return nil, domain.BadRequest(key, "%q is not one of %s", s, strings.Join(f.allowed, ", "))
		}
		return s, nil
	}
	return nil, mismatch()
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func direction(desc bool) string {
	if desc {
		return " DESC NULLS LAST"
	}
	return " ASC NULLS LAST"
}

// recordOrder orders per-record results. Accession and version always close
// the list so that pagination is stable.
func recordOrder(t *fieldTable, b *builder, order []OrderField) (string, error) {
	parts := make([]string, 0, len(order)+2)
	for _, o := range order {
		if o.Field == OrderRandom {
			parts = append(parts, "random()")
			continue
		}
		f, err := t.lookup(ParamOrderBy, o.Field)
		if err != nil {
			return "", err
		}
		parts = append(parts, f.compareExpr(b)+direction(o.Descending))
	}
	parts = append(parts, "v.accession", "v.version")
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

// aggregationOrder orders grouped rows by output aliases, defaulting to the
// group keys, which also close any explicit order.
func aggregationOrder(groups []string, order []OrderField) (string, error) {
	parts := make([]string, 0, len(order)+len(groups))
	used := make(map[string]bool)
	for _, o := range order {
		switch {
		case o.Field == OrderRandom:
			parts = append(parts, "random()")
		case o.Field == OrderCount || contains(groups, o.Field):
			parts = append(parts, quoteIdent(o.Field)+direction(o.Descending))
			used[o.Field] = true
		default:
			return "", domain.BadRequest(ParamOrderBy, "%q is neither a grouping field nor count", o.Field)
		}
	}
	for _, g := range groups {
		if !used[g] {
			parts = append(parts, quoteIdent(g)+direction(false))
		}
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

func validateUngroupedOrder(order []OrderField) error {
	for _, o := range order {
		if o.Field != OrderCount && o.Field != OrderRandom {
			return domain.BadRequest(ParamOrderBy, "%q is not a grouping field", o.Field)
		}
	}
	return nil
}

func insertionOrder(columns []string, order []OrderField) (string, error) {
	parts := make([]string, 0, len(order)+3)
	for _, o := range order {
		switch {
		case o.Field == OrderRandom:
			parts = append(parts, "random()")
		case contains(columns, o.Field):
			parts = append(parts, quoteIdent(o.Field)+direction(o.Descending))
		default:
			return "", domain.BadRequest(ParamOrderBy, "cannot order insertions by %q", o.Field)
		}
	}
	parts = append(parts, `"count" DESC`, `"sequenceName"`, `"position"`)
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

// pagination is rendered last, after grouping and ordering.
func pagination(b *builder, p Params) string {
	var parts []string
	if p.Limit != nil {
		parts = append(parts, "LIMIT "+b.bind(int64(*p.Limit)))
	}
	if p.Offset > 0 {
		parts = append(parts, "OFFSET "+b.bind(int64(p.Offset)))
	}
	return strings.Join(parts, " ")
}
