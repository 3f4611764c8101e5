package format

import (
	"strings"

	"lapisgate/pkg/domain"
)

// DefaultHeaderTemplate names a record by accession and version.
const DefaultHeaderTemplate = "{accessionVersion}"

const templateParam = "fastaHeaderTemplate"

type templatePart struct {
	literal string
	field   string
}

// HeaderTemplate is a parsed FASTA header template. Placeholders are field
// names in braces, e.g. "{accessionVersion}|{geoLocCountry}".
type HeaderTemplate struct {
	raw   string
	parts []templatePart
}

// ParseHeaderTemplate parses raw, falling back to DefaultHeaderTemplate when
// raw is empty.
func ParseHeaderTemplate(raw string) (*HeaderTemplate, error) {
	if raw == "" {
		raw = DefaultHeaderTemplate
	}
	t := &HeaderTemplate{raw: raw}
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.parts = append(t.parts, templatePart{literal: rest})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, templatePart{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, domain.BadRequest(templateParam, "unclosed placeholder in %q", raw)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		if name == "" || strings.ContainsAny(name, "{") {
			return nil, domain.BadRequest(templateParam, "invalid placeholder in %q", raw)
		}
		t.parts = append(t.parts, templatePart{field: name})
		rest = rest[open+end+1:]
	}
	if strings.ContainsAny(raw, "\n\r") {
		return nil, domain.BadRequest(templateParam, "header must be a single line")
	}
	return t, nil
}

// Fields returns the distinct placeholder names in order of appearance.
func (t *HeaderTemplate) Fields() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range t.parts {
		if p.field != "" && !seen[p.field] {
			seen[p.field] = true
			out = append(out, p.field)
		}
	}
	return out
}

func (t *HeaderTemplate) String() string { return t.raw }

// boundTemplate resolves placeholders to column positions.
type boundTemplate struct {
	parts   []templatePart
	indexes []int
}

func (t *HeaderTemplate) bind(columns []string) (*boundTemplate, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	b := &boundTemplate{parts: t.parts, indexes: make([]int, len(t.parts))}
	for i, p := range t.parts {
		b.indexes[i] = -1
		if p.field == "" {
			continue
		}
		idx, ok := pos[p.field]
		if !ok {
			return nil, domain.BadRequest(templateParam, "unknown field %q in header template", p.field)
		}
		b.indexes[i] = idx
	}
	return b, nil
}

func (b *boundTemplate) render(sb *strings.Builder, row []any) {
	for i, p := range b.parts {
		if p.field == "" {
			sb.WriteString(p.literal)
			continue
		}
		sb.WriteString(formatValue(row[b.indexes[i]]))
	}
}
