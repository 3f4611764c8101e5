package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"lapisgate/pkg/domain"
)

// Reserved request parameter names. A metadata field may not use any of them.
const (
	ParamFields               = "fields"
	ParamOrderBy              = "orderBy"
	ParamLimit                = "limit"
	ParamOffset               = "offset"
	ParamDataFormat           = "dataFormat"
	ParamDownloadAsFile       = "downloadAsFile"
	ParamDownloadFileBasename = "downloadFileBasename"
	ParamFastaHeaderTemplate  = "fastaHeaderTemplate"
	ParamNucleotideMutations  = "nucleotideMutations"
	ParamAminoAcidMutations   = "aminoAcidMutations"
	ParamNucleotideInsertions = "nucleotideInsertions"
	ParamAminoAcidInsertions  = "aminoAcidInsertions"
)

// OrderRandom is the orderBy marker for an unseeded random order. Results
// ordered this way are not reproducible.
const OrderRandom = "random"

// OrderCount orders aggregation rows by their count column.
const OrderCount = "count"

// RangeFromSuffix and RangeToSuffix turn a field name into an inclusive
// range bound parameter.
const (
	RangeFromSuffix = "From"
	RangeToSuffix   = "To"
)

var unsupportedSearch = []string{
	ParamNucleotideMutations, ParamAminoAcidMutations,
	ParamNucleotideInsertions, ParamAminoAcidInsertions,
}

// ReservedNames lists every parameter name with a non-filter meaning.
func ReservedNames() []string {
	return []string{
		ParamFields, ParamOrderBy, ParamLimit, ParamOffset, ParamDataFormat,
		ParamDownloadAsFile, ParamDownloadFileBasename, ParamFastaHeaderTemplate,
		ParamNucleotideMutations, ParamAminoAcidMutations,
		ParamNucleotideInsertions, ParamAminoAcidInsertions,
	}
}

func isReserved(name string) bool {
	for _, r := range ReservedNames() {
		if r == name {
			return true
		}
	}
	return false
}

// Filter is one raw filter parameter. Key is either a field name or a field
// name with a range suffix; it is resolved against the organism at compile
// time. A nil entry in Values means SQL NULL.
type Filter struct {
	Key    string
	Values []any
}

// OrderField is one orderBy entry.
type OrderField struct {
	Field      string
	Descending bool
}

// Params is a parsed request, independent of organism.
type Params struct {
	Filters              []Filter
	Fields               []string
	OrderBy              []OrderField
	Limit                *int
	Offset               int
	DataFormat           string
	DownloadAsFile       bool
	DownloadFileBasename string
	FastaHeaderTemplate  string
}

// FromQuery parses URL query parameters. Repeated filter keys become
// multi-value equality filters; fields and orderBy accept repeated and
// comma separated values. A leading "-" on an orderBy entry sorts descending.
func FromQuery(values url.Values) (Params, error) {
	var p Params
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		vals := values[key]
		switch key {
		case ParamFields:
			p.Fields = splitList(vals)
		case ParamOrderBy:
			for _, item := range splitList(vals) {
				p.OrderBy = append(p.OrderBy, parseOrderToken(item))
			}
		case ParamLimit:
			n, err := parseCount(key, last(vals))
			if err != nil {
				return Params{}, err
			}
			if n != nil {
				p.Limit = n
			}
		case ParamOffset:
			n, err := parseCount(key, last(vals))
			if err != nil {
				return Params{}, err
			}
			if n != nil {
				p.Offset = *n
			}
		case ParamDataFormat:
			p.DataFormat = strings.TrimSpace(last(vals))
		case ParamDownloadAsFile:
			b, err := parseBool(key, last(vals))
			if err != nil {
				return Params{}, err
			}
			p.DownloadAsFile = b
		case ParamDownloadFileBasename:
			p.DownloadFileBasename = last(vals)
		case ParamFastaHeaderTemplate:
			p.FastaHeaderTemplate = last(vals)
		default:
			if isUnsupportedSearch(key) {
				if len(splitList(vals)) > 0 {
					return Params{}, unsupportedSearchError(key)
				}
				continue
			}
			f := Filter{Key: key}
			for _, v := range vals {
				f.Values = append(f.Values, v)
			}
			p.Filters = append(p.Filters, f)
		}
	}
	return p, nil
}

// FromJSON parses a decoded JSON request body.
func FromJSON(body map[string]any) (Params, error) {
	var p Params
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := body[key]
		switch key {
		case ParamFields:
			items, err := stringList(key, raw)
			if err != nil {
				return Params{}, err
			}
			p.Fields = items
		case ParamOrderBy:
			order, err := jsonOrder(raw)
			if err != nil {
				return Params{}, err
			}
			p.OrderBy = order
		case ParamLimit, ParamOffset:
			if raw == nil {
				continue
			}
			n, err := parseCount(key, scalarString(raw))
			if err != nil {
				return Params{}, err
			}
			if n == nil {
				continue
			}
			if key == ParamLimit {
				p.Limit = n
			} else {
				p.Offset = *n
			}
		case ParamDataFormat:
			p.DataFormat = strings.TrimSpace(scalarString(raw))
		case ParamDownloadAsFile:
			b, err := parseBool(key, scalarString(raw))
			if err != nil {
				return Params{}, err
			}
			p.DownloadAsFile = b
		case ParamDownloadFileBasename:
			p.DownloadFileBasename = scalarString(raw)
		case ParamFastaHeaderTemplate:
			p.FastaHeaderTemplate = scalarString(raw)
		default:
			if isUnsupportedSearch(key) {
				if !emptyJSON(raw) {
					return Params{}, unsupportedSearchError(key)
				}
				continue
			}
			f := Filter{Key: key}
			switch v := raw.(type) {
			case []any:
				if len(v) == 0 {
					return Params{}, domain.BadRequest(key, "empty value list")
				}
				f.Values = v
			case map[string]any:
				return Params{}, domain.BadRequest(key, "filter value must be a scalar or a list")
			default:
				f.Values = []any{v}
			}
			p.Filters = append(p.Filters, f)
		}
	}
	return p, nil
}

func isUnsupportedSearch(key string) bool {
	for _, k := range unsupportedSearch {
		if k == key {
			return true
		}
	}
	return false
}

func unsupportedSearchError(key string) error {
	return domain.BadRequest(key, "mutation and insertion search is not supported")
}

func emptyJSON(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func last(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func parseOrderToken(item string) OrderField {
	if strings.HasPrefix(item, "-") {
		return OrderField{Field: strings.TrimPrefix(item, "-"), Descending: true}
	}
	return OrderField{Field: item}
}

func parseCount(key, raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, domain.BadRequest(key, "must be a non-negative integer, got %q", raw)
	}
	return &n, nil
}

func parseBool(key, raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.BadRequest(key, "must be true or false, got %q", raw)
	}
	return b, nil
}

func scalarString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func stringList(key string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return splitList([]string{v}), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, domain.BadRequest(key, "entries must be strings")
			}
			out = append(out, splitList([]string{s})...)
		}
		return out, nil
	default:
		return nil, domain.BadRequest(key, "must be a string or a list of strings")
	}
}

// jsonOrder accepts "field", ["a", "-b"] or [{"field": "a", "type": "descending"}].
func jsonOrder(raw any) ([]OrderField, error) {
	items, ok := raw.([]any)
	if !ok {
		if s, isString := raw.(string); isString {
			items = []any{s}
		} else if raw == nil {
			return nil, nil
		} else {
			return nil, domain.BadRequest(ParamOrderBy, "must be a list")
		}
	}
	var out []OrderField
	for _, item := range items {
		switch v := item.(type) {
		case string:
			for _, tok := range splitList([]string{v}) {
				out = append(out, parseOrderToken(tok))
			}
		case map[string]any:
			field, _ := v["field"].(string)
			if field == "" {
				return nil, domain.BadRequest(ParamOrderBy, "entry without field")
			}
			of := OrderField{Field: field}
			switch dir, _ := v["type"].(string); strings.ToLower(dir) {
			case "", "ascending", "asc":
			case "descending", "desc":
				of.Descending = true
			default:
				return nil, domain.BadRequest(ParamOrderBy, "unknown order type %q", dir)
			}
			out = append(out, of)
		default:
			return nil, domain.BadRequest(ParamOrderBy, "entries must be strings or objects")
		}
	}
	return out, nil
}
