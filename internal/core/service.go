package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lapisgate/internal/compression"
	"lapisgate/internal/format"
	"lapisgate/internal/infra/persistence/postgres"
	"lapisgate/internal/query"
	"lapisgate/internal/schema"
	"lapisgate/pkg/domain"
)

// Version identifies the serving component in response metadata.
const Version = "0.4.0"

// Endpoint names a query intent of the REST contract.
type Endpoint string

// Endpoints served under /{organism}/sample/.
const (
	EndpointAggregated           Endpoint = "aggregated"
	EndpointDetails              Endpoint = "details"
	EndpointUnalignedNucleotide  Endpoint = Endpoint(domain.SequenceUnalignedNucleotide)
	EndpointAlignedNucleotide    Endpoint = Endpoint(domain.SequenceAlignedNucleotide)
	EndpointAlignedAminoAcid     Endpoint = Endpoint(domain.SequenceAlignedAminoAcid)
	EndpointNucleotideInsertions Endpoint = Endpoint(domain.InsertionNucleotide)
	EndpointAminoAcidInsertions  Endpoint = Endpoint(domain.InsertionAminoAcid)
)

// ParseEndpoint validates an endpoint name.
func ParseEndpoint(raw string) (Endpoint, error) {
	switch e := Endpoint(raw); e {
	case EndpointAggregated, EndpointDetails,
		EndpointUnalignedNucleotide, EndpointAlignedNucleotide, EndpointAlignedAminoAcid,
		EndpointNucleotideInsertions, EndpointAminoAcidInsertions:
		return e, nil
	default:
		return "", domain.NotFoundError{Kind: "endpoint", Name: raw}
	}
}

// IsSequence reports whether the endpoint returns sequence payloads.
func (e Endpoint) IsSequence() bool {
	switch e {
	case EndpointUnalignedNucleotide, EndpointAlignedNucleotide, EndpointAlignedAminoAcid:
		return true
	}
	return false
}

// Request is one parsed query request.
type Request struct {
	Organism  string
	Endpoint  Endpoint
	Sequence  string
	Params    query.Params
	RequestID string
}

// Options tune a Service.
type Options struct {
	DataVersion    string
	FastaLineWidth int
	Logger         logrus.FieldLogger
	Metrics        MetricsRecorder
}

// Service orchestrates compile, execute, decompress and format. It holds
// only read-only state and is shared by all requests.
type Service struct {
	catalog      *schema.Catalog
	compiler     *query.Compiler
	decompressor *compression.Decompressor
	db           *postgres.Pool
	opts         Options
}

// NewService wires the collaborators. Zero-value options get defaults.
func NewService(catalog *schema.Catalog, compiler *query.Compiler, decompressor *compression.Decompressor, db *postgres.Pool, opts Options) *Service {
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.DataVersion == "" {
		opts.DataVersion = "0"
	}
	return &Service{catalog: catalog, compiler: compiler, decompressor: decompressor, db: db, opts: opts}
}

// Catalog returns the schema catalog the service was built with.
func (s *Service) Catalog() *schema.Catalog { return s.catalog }

// Ping reports whether the database is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Prepared is a compiled request whose output format is validated. Nothing
// has been executed or written yet.
type Prepared struct {
	Request   Request
	Kind      format.Kind
	Statement query.Statement
	// Filename is the download name when Params.DownloadAsFile is set.
	Filename string

	target    *domain.SequenceTarget
	formatter *format.Formatter
}

// ContentType returns the response media type.
func (p *Prepared) ContentType() string { return p.Kind.ContentType() }

// Prepare compiles the request and validates the output format, including
// any FASTA header template, so that all request errors surface before a
// response is started.
func (s *Service) Prepare(req Request) (*Prepared, error) {
	o, err := s.catalog.Organism(req.Organism)
	if err != nil {
		return nil, err
	}
	defKind := format.KindJSON
	if req.Endpoint.IsSequence() {
		defKind = format.KindFASTA
	}
	kind, err := format.ParseKind(req.Params.DataFormat, defKind)
	if err != nil {
		return nil, err
	}
	if kind == format.KindFASTA && !req.Endpoint.IsSequence() {
		return nil, domain.BadRequest(query.ParamDataFormat, "FASTA is only available for sequence endpoints")
	}
	if kind != format.KindFASTA && req.Params.FastaHeaderTemplate != "" {
		return nil, domain.BadRequest(query.ParamFastaHeaderTemplate, "only applies to FASTA output")
	}

	p := &Prepared{Request: req, Kind: kind}
	spec := format.Spec{
		Kind:      kind,
		LineWidth: s.opts.FastaLineWidth,
		Info: format.Info{
			DataVersion:  s.opts.DataVersion,
			RequestID:    req.RequestID,
			RequestInfo:  fmt.Sprintf("%s on lapisgate", o.DisplayName()),
			LapisVersion: Version,
		},
	}

	switch {
	case req.Endpoint == EndpointAggregated:
		p.Statement, err = s.compiler.CompileAggregation(req.Organism, req.Params)
		spec.Envelope = true
	case req.Endpoint == EndpointDetails:
		p.Statement, err = s.compiler.CompileDetails(req.Organism, req.Params)
		spec.Envelope = true
	case req.Endpoint == EndpointNucleotideInsertions || req.Endpoint == EndpointAminoAcidInsertions:
		p.Statement, err = s.compiler.CompileInsertions(req.Organism, req.Params, domain.InsertionKind(req.Endpoint))
		spec.Envelope = true
	case req.Endpoint.IsSequence():
		err = s.prepareSequences(req, p, &spec)
	default:
		err = domain.NotFoundError{Kind: "endpoint", Name: string(req.Endpoint)}
	}
	if err != nil {
		return nil, err
	}
	spec.Columns = p.Statement.Columns
	if p.formatter, err = format.New(spec); err != nil {
		return nil, err
	}
	p.Filename = downloadName(req, kind)
	s.opts.Logger.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"organism":   req.Organism,
		"endpoint":   string(req.Endpoint),
	}).WithField("args", len(p.Statement.Args)).Debugf("compiled statement:\n%s", p.Statement.SQL)
	return p, nil
}

func (s *Service) prepareSequences(req Request, p *Prepared, spec *format.Spec) error {
	params := req.Params
	if len(params.Fields) > 0 {
		return domain.BadRequest(query.ParamFields, "not supported for sequence endpoints")
	}
	if spec.Kind == format.KindFASTA {
		tpl, err := format.ParseHeaderTemplate(params.FastaHeaderTemplate)
		if err != nil {
			return err
		}
		known, err := s.compiler.FieldNames(req.Organism)
		if err != nil {
			return err
		}
		for _, f := range tpl.Fields() {
			if !contains(known, f) {
				return domain.BadRequest(query.ParamFastaHeaderTemplate, "unknown field %q in header template", f)
			}
		}
		params.Fields = tpl.Fields()
		spec.Header = tpl
	}
	st, err := s.compiler.CompileSequenceSelection(req.Organism, params,
		domain.SequenceTarget{Kind: domain.SequenceKind(req.Endpoint), Name: req.Sequence})
	if err != nil {
		return err
	}
	p.Statement = st.Statement
	p.target = &st.Target
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func downloadName(req Request, kind format.Kind) string {
	base := strings.TrimSpace(req.Params.DownloadFileBasename)
	if base == "" {
		base = req.Organism + "_" + string(req.Endpoint)
		if req.Sequence != "" {
			base += "_" + req.Sequence
		}
	}
	base = strings.Map(func(r rune) rune {
		if r == '"' || r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, base)
	return base + "." + kind.Extension()
}

// Result is an executing query whose rows have not been written yet.
type Result struct {
	prepared *Prepared
	rows     *postgres.Rows
	source   format.RowSource
	service  *Service
	started  time.Time
}

// Execute runs the prepared statement. The returned Result owns a pooled
// connection until Close.
func (s *Service) Execute(ctx context.Context, p *Prepared) (*Result, error) {
	started := time.Now()
	rows, err := s.db.Query(ctx, p.Statement.SQL, p.Statement.Args...)
	if err != nil {
		s.opts.Metrics.Observe(ctx, string(p.Request.Endpoint), false, time.Since(started))
		return nil, err
	}
	r := &Result{prepared: p, rows: rows, source: rows, service: s, started: started}
	if p.target != nil {
		r.source = &decompressingRows{
			rows:         rows,
			decompressor: s.decompressor,
			organism:     p.Request.Organism,
			target:       *p.target,
			metrics:      s.opts.Metrics,
		}
	}
	return r, nil
}

// WriteTo streams the result to w. A DecompressionError or cursor failure
// ends the stream; the caller decides how to abort the response.
func (r *Result) WriteTo(ctx context.Context, w io.Writer) (int, error) {
	s := r.service
	n, err := r.prepared.formatter.Write(ctx, w, r.source)
	s.opts.Metrics.RowsStreamed(string(r.prepared.Request.Endpoint), n)
	s.opts.Metrics.Observe(ctx, string(r.prepared.Request.Endpoint), err == nil, time.Since(r.started))
	return n, err
}

// Close releases the cursor and its connection.
func (r *Result) Close() error { return r.rows.Close() }

// Run prepares, executes and writes req in one call.
func (s *Service) Run(ctx context.Context, req Request, w io.Writer) (*Prepared, int, error) {
	p, err := s.Prepare(req)
	if err != nil {
		return nil, 0, err
	}
	res, err := s.Execute(ctx, p)
	if err != nil {
		return p, 0, err
	}
	defer func() { _ = res.Close() }()
	n, err := res.WriteTo(ctx, w)
	return p, n, err
}

// decompressingRows replaces the payload column of each row with the
// decompressed sequence. The first failure ends iteration.
type decompressingRows struct {
	rows         *postgres.Rows
	decompressor *compression.Decompressor
	organism     string
	target       domain.SequenceTarget
	metrics      MetricsRecorder
	row          []any
	err          error
}

func (d *decompressingRows) Next() bool {
	if d.err != nil || !d.rows.Next() {
		return false
	}
	d.row = d.rows.Row()
	last := len(d.row) - 1
	payload, _ := d.row[last].(string)
	if b, ok := d.row[last].([]byte); ok {
		payload = string(b)
	}
	seq, err := d.decompressor.Decompress(d.organism, d.target, payload)
	if err != nil {
		d.metrics.DecompressionFailed(d.organism)
		d.err = err
		return false
	}
	d.row[last] = seq
	return true
}

func (d *decompressingRows) Row() []any { return d.row }

func (d *decompressingRows) Err() error {
	if d.err != nil {
		return d.err
	}
	return d.rows.Err()
}
