package query

import (
	"strconv"
	"strings"
	"time"
)

const baseView = "sequence_entries_view"

// builder accumulates bound arguments and the structural needs (window CTE,
// joins) discovered while rendering expressions for one statement.
type builder struct {
	now    time.Time
	args   []any
	named  map[string]string
	window bool
	joins  map[join]bool
	from   []string
}

func newBuilder(organism string, now time.Time) *builder {
	b := &builder{now: now, named: make(map[string]string), joins: make(map[join]bool)}
	b.bind(organism)
	return b
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// bindOnce reuses one placeholder for a value referenced several times.
func (b *builder) bindOnce(key string, v any) string {
	if p, ok := b.named[key]; ok {
		return p
	}
	p := b.bind(v)
	b.named[key] = p
	return p
}

func (b *builder) use(f Field) {
	if f.Window {
		b.window = true
	}
	if f.join != joinNone {
		b.joins[f.join] = true
	}
}

// render assembles the statement. Without window fields the query is a
// single level over the base view. With them, the versioned CTE computes
// window columns over every released record of the organism and all user
// predicates apply in the outer query, so partitions are never narrowed.
func (b *builder) render(t *fieldTable, selects, conds []string, tail []string) string {
	var sb strings.Builder
	if b.window {
		sb.WriteString("WITH versioned AS (\n  SELECT sev.*,\n    ")
		sb.WriteString(windowColumns(t.organism))
		sb.WriteString("\n  FROM " + baseView + " sev\n  WHERE sev.organism = $1 AND sev.released_at IS NOT NULL\n)\n")
	}
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	if b.window {
		sb.WriteString("\nFROM versioned v")
	} else {
		sb.WriteString("\nFROM " + baseView + " v")
		conds = append([]string{"v.organism = $1", "v.released_at IS NOT NULL"}, conds...)
	}
	if b.joins[joinDataUseTerms] {
		sb.WriteString("\nLEFT JOIN LATERAL (\n  SELECT d.restricted_until FROM data_use_terms_table d\n" +
			"  WHERE d.accession = v.accession ORDER BY d.change_date DESC LIMIT 1\n) dut ON true")
	}
	if b.joins[joinGroups] {
		sb.WriteString("\nLEFT JOIN groups_table g ON g.group_id = v.group_id")
	}
	for _, from := range b.from {
		sb.WriteString("\n" + from)
	}
	if len(conds) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(conds, "\n  AND "))
	}
	for _, clause := range tail {
		if clause != "" {
			sb.WriteString("\n" + clause)
		}
	}
	return sb.String()
}
