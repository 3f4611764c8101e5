package query

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"lapisgate/internal/schema"
)

// baseColumns are the raw view columns exposed only through computed fields.
var baseColumns = []string{
	"accession", "version", "organism", "submitted_at", "released_at",
	"is_revocation", "group_id", "joint_metadata",
}

// ValidateCatalog rejects schemas whose metadata field names would make the
// request boundary ambiguous: names that collide with reserved parameters,
// order markers, base columns or computed fields, and names that could also
// be read as a range bound of another ordered field.
func ValidateCatalog(c *schema.Catalog) error {
	var problems []string
	for _, name := range c.Names() {
		o, err := c.Organism(name)
		if err != nil {
			return err
		}
		taken := make(map[string]string)
		for _, r := range ReservedNames() {
			taken[r] = "a reserved parameter"
		}
		taken[OrderCount] = "the count column"
		taken[OrderRandom] = "the random order marker"
		for _, col := range baseColumns {
			taken[col] = "a base column"
		}
		ordered := make(map[string]bool)
		for _, f := range computedFields(o) {
			taken[f.Name] = "a computed field"
			if f.Type.Ordered() {
				ordered[f.Name] = true
			}
		}
		for _, f := range o.Fields() {
			if what, ok := taken[f.Name]; ok {
				problems = append(problems, name+": field "+f.Name+" collides with "+what)
			}
			if f.Type.Ordered() {
				ordered[f.Name] = true
			}
		}
		for _, f := range o.Fields() {
			for _, suffix := range []string{RangeFromSuffix, RangeToSuffix} {
				base, found := strings.CutSuffix(f.Name, suffix)
				if found && ordered[base] {
					problems = append(problems, name+": field "+f.Name+" is ambiguous with the range bound of "+base)
				}
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.Errorf("invalid schema:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
