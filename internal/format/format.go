// Package format streams query results in the wire formats of the REST
// contract: delimited tables, a JSON envelope, bare JSON arrays, NDJSON and
// FASTA. Output is written row by row; nothing is buffered beyond a fixed
// size write buffer.
package format

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"lapisgate/pkg/domain"
)

// Kind is an output format selected by the dataFormat parameter.
type Kind string

// Output kinds.
const (
	KindJSON   Kind = "JSON"
	KindTSV    Kind = "TSV"
	KindCSV    Kind = "CSV"
	KindNDJSON Kind = "NDJSON"
	KindFASTA  Kind = "FASTA"
)

// ParseKind reads a dataFormat value case-insensitively. An empty value
// selects def.
func ParseKind(raw string, def Kind) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		return def, nil
	case KindJSON:
		return KindJSON, nil
	case KindTSV:
		return KindTSV, nil
	case KindCSV:
		return KindCSV, nil
	case KindNDJSON, "JSONL":
		return KindNDJSON, nil
	case KindFASTA:
		return KindFASTA, nil
	default:
		return "", domain.BadRequest("dataFormat", "unsupported format %q", raw)
	}
}

// ContentType returns the HTTP media type of the kind.
func (k Kind) ContentType() string {
	switch k {
	case KindTSV:
		return "text/tab-separated-values; charset=utf-8"
	case KindCSV:
		return "text/csv; charset=utf-8"
	case KindNDJSON:
		return "application/x-ndjson"
	case KindFASTA:
		return "text/x-fasta; charset=utf-8"
	default:
		return "application/json"
	}
}

// Extension returns the file extension used for downloads.
func (k Kind) Extension() string {
	switch k {
	case KindNDJSON:
		return "ndjson"
	case KindFASTA:
		return "fasta"
	default:
		return strings.ToLower(string(k))
	}
}

// RowSource yields rows lazily, in the style of database/sql.Rows. Err
// reports the failure that ended iteration, if any.
type RowSource interface {
	Next() bool
	Row() []any
	Err() error
}

// Info is the metadata object of the JSON envelope. All values are supplied
// by the caller.
type Info struct {
	DataVersion  string `json:"dataVersion"`
	RequestID    string `json:"requestId"`
	RequestInfo  string `json:"requestInfo,omitempty"`
	LapisVersion string `json:"lapisVersion"`
}

// Spec describes one response.
type Spec struct {
	Kind    Kind
	Columns []string
	// Envelope wraps JSON output in {"data": [...], "info": {...}}.
	Envelope bool
	Info     Info
	// Header and LineWidth apply to FASTA, where the last column holds the
	// sequence. LineWidth 0 writes each sequence on one line.
	Header    *HeaderTemplate
	LineWidth int
}

// Formatter writes rows according to a validated Spec.
type Formatter struct {
	spec   Spec
	header *boundTemplate
}

// New validates spec before any output exists, so template and column
// errors surface as BadRequest rather than as a truncated body.
func New(spec Spec) (*Formatter, error) {
	if len(spec.Columns) == 0 {
		return nil, errors.New("format: no columns")
	}
	f := &Formatter{spec: spec}
	switch spec.Kind {
	case KindJSON, KindTSV, KindCSV, KindNDJSON:
	case KindFASTA:
		tpl := spec.Header
		if tpl == nil {
			var err error
			if tpl, err = ParseHeaderTemplate(""); err != nil {
				return nil, err
			}
		}
		bound, err := tpl.bind(spec.Columns[:len(spec.Columns)-1])
		if err != nil {
			return nil, err
		}
		f.header = bound
		if spec.LineWidth < 0 {
			f.spec.LineWidth = 0
		}
	default:
		return nil, domain.BadRequest("dataFormat", "unsupported format %q", spec.Kind)
	}
	return f, nil
}

const bufferSize = 32 << 10

// Write streams rows to w and returns the number of rows written. It stops
// at the first row error, write error or context cancellation; bytes already
// written are not retracted.
func (f *Formatter) Write(ctx context.Context, w io.Writer, rows RowSource) (int, error) {
	bw := bufio.NewWriterSize(w, bufferSize)
	var (
		n   int
		err error
	)
	switch f.spec.Kind {
	case KindTSV:
		n, err = f.writeDelimited(ctx, bw, rows, '\t')
	case KindCSV:
		n, err = f.writeDelimited(ctx, bw, rows, ',')
	case KindNDJSON:
		n, err = f.writeNDJSON(ctx, bw, rows)
	case KindFASTA:
		n, err = f.writeFASTA(ctx, bw, rows)
	default:
		n, err = f.writeJSON(ctx, bw, rows)
	}
	if err != nil {
		return n, err
	}
	return n, errors.Wrap(bw.Flush(), "flush")
}

func iterate(ctx context.Context, rows RowSource, fn func(row []any) error) (int, error) {
	n := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := fn(rows.Row()); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	return n, ctx.Err()
}

func (f *Formatter) writeDelimited(ctx context.Context, w io.Writer, rows RowSource, comma rune) (int, error) {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	if err := cw.Write(f.spec.Columns); err != nil {
		return 0, errors.Wrap(err, "write header")
	}
	record := make([]string, len(f.spec.Columns))
	n, err := iterate(ctx, rows, func(row []any) error {
		for i := range record {
			record[i] = formatValue(row[i])
		}
		return cw.Write(record)
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	return n, err
}

// writeObject encodes row as a JSON object keeping column order.
func (f *Formatter) writeObject(w *bufio.Writer, row []any) error {
	_ = w.WriteByte('{')
	for i, col := range f.spec.Columns {
		if i > 0 {
			_ = w.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return err
		}
		_, _ = w.Write(key)
		_ = w.WriteByte(':')
		val, err := json.Marshal(jsonValue(row[i]))
		if err != nil {
			return errors.Wrapf(err, "encode %s", col)
		}
		if _, err := w.Write(val); err != nil {
			return err
		}
	}
	return w.WriteByte('}')
}

func (f *Formatter) writeJSON(ctx context.Context, w *bufio.Writer, rows RowSource) (int, error) {
	if f.spec.Envelope {
		_, _ = w.WriteString(`{"data":`)
	}
	_ = w.WriteByte('[')
	first := true
	n, err := iterate(ctx, rows, func(row []any) error {
		if !first {
			_ = w.WriteByte(',')
		}
		first = false
		return f.writeObject(w, row)
	})
	if err != nil {
		return n, err
	}
	_ = w.WriteByte(']')
	if f.spec.Envelope {
		info, err := json.Marshal(f.spec.Info)
		if err != nil {
			return n, err
		}
		_, _ = w.WriteString(`,"info":`)
		_, _ = w.Write(info)
		_ = w.WriteByte('}')
	}
	return n, nil
}

func (f *Formatter) writeNDJSON(ctx context.Context, w *bufio.Writer, rows RowSource) (int, error) {
	return iterate(ctx, rows, func(row []any) error {
		if err := f.writeObject(w, row); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
}

func (f *Formatter) writeFASTA(ctx context.Context, w *bufio.Writer, rows RowSource) (int, error) {
	var sb strings.Builder
	width := f.spec.LineWidth
	last := len(f.spec.Columns) - 1
	return iterate(ctx, rows, func(row []any) error {
		sb.Reset()
		sb.WriteByte('>')
		f.header.render(&sb, row)
		sb.WriteByte('\n')
		if _, err := w.WriteString(sb.String()); err != nil {
			return err
		}
		seq := formatValue(row[last])
		if width <= 0 {
			_, _ = w.WriteString(seq)
			return w.WriteByte('\n')
		}
		for len(seq) > width {
			_, _ = w.WriteString(seq[:width])
			_ = w.WriteByte('\n')
			seq = seq[width:]
		}
		_, _ = w.WriteString(seq)
		return w.WriteByte('\n')
	})
}
