package core

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapisgate/internal/compression"
	"lapisgate/internal/infra/persistence/postgres"
	pgtest "lapisgate/internal/infra/persistence/postgres/testutil"
	"lapisgate/internal/query"
	"lapisgate/pkg/domain"
	"lapisgate/testutil"
)

type recordingMetrics struct {
	mu            sync.Mutex
	observed      map[string]bool
	rows          map[string]int
	decompression int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{observed: map[string]bool{}, rows: map[string]int{}}
}

func (m *recordingMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[op] = success
}

func (m *recordingMetrics) RowsStreamed(endpoint string, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[endpoint] += rows
}

func (m *recordingMetrics) DecompressionFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decompression++
}

type fixture struct {
	service *Service
	conn    *pgtest.StubConn
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := testutil.Catalog(t)
	dec, err := compression.New(catalog)
	require.NoError(t, err)
	t.Cleanup(dec.Close)
	db, conn := pgtest.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	metrics := newRecordingMetrics()
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(catalog,
		query.NewCompiler(catalog, query.WithClock(func() time.Time { return fixed })),
		dec, postgres.New(db),
		Options{DataVersion: "1700000000", Metrics: metrics})
	return &fixture{service: svc, conn: conn, metrics: metrics}
}

func mustValues(t *testing.T, raw string) url.Values {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return values
}

func request(t *testing.T, organism string, endpoint Endpoint, raw string) Request {
	t.Helper()
	p := query.Params{}
	if raw != "" {
		var err error
		p, err = query.FromQuery(mustValues(t, raw))
		require.NoError(t, err)
	}
	return Request{Organism: organism, Endpoint: endpoint, Params: p, RequestID: "req-1"}
}

func TestAggregatedJSONEnvelope(t *testing.T) {
	f := newFixture(t)
	f.conn.Respond(`count(*) AS "count"`, pgtest.Result{
		Columns: []string{"count"},
		Rows:    [][]driver.Value{{int64(4)}},
	})

	var buf bytes.Buffer
	p, n, err := f.service.Run(context.Background(), request(t, "west-nile", EndpointAggregated, ""), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "application/json", strings.Split(p.ContentType(), ";")[0])

	var body struct {
		Data []map[string]any `json:"data"`
		Info map[string]any   `json:"info"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &body))
	assert.Equal(t, float64(4), body.Data[0]["count"])
	assert.Equal(t, "1700000000", body.Info["dataVersion"])
	assert.Equal(t, "req-1", body.Info["requestId"])
	assert.Equal(t, "West Nile Virus on lapisgate", body.Info["requestInfo"])

	recorded := f.conn.Recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, "west-nile", recorded[0].Args[0])
	assert.True(t, f.metrics.observed["aggregated"])
	assert.Equal(t, 1, f.metrics.rows["aggregated"])
}

func TestDetailsTSV(t *testing.T) {
	f := newFixture(t)
	f.conn.Default = pgtest.Result{
		Columns: []string{"accessionVersion", "geoLocCountry"},
		Rows: [][]driver.Value{
			{"LOC_1.1", "USA"},
			{"LOC_2.1", nil},
		},
	}
	var buf bytes.Buffer
	_, n, err := f.service.Run(context.Background(),
		request(t, "west-nile", EndpointDetails, "fields=accessionVersion,geoLocCountry&dataFormat=tsv"), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "accessionVersion\tgeoLocCountry\nLOC_1.1\tUSA\nLOC_2.1\t\n", buf.String())
}

func TestSequencesAreDecompressedIntoFASTA(t *testing.T) {
	f := newFixture(t)
	seq := testutil.WestNileMain[:300] + "NNNN" + testutil.WestNileMain[900:1200]
	f.conn.Respond("compressedSequence", pgtest.Result{
		Columns: []string{"accessionVersion", "geoLocCountry", "payload"},
		Rows: [][]driver.Value{
			{"LOC_1.1", "USA", testutil.Compress(t, seq, testutil.WestNileMain)},
		},
	})

	req := request(t, "west-nile", EndpointUnalignedNucleotide, "fastaHeaderTemplate={accessionVersion}|{geoLocCountry}")
	p, err := f.service.Prepare(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"accessionVersion", "geoLocCountry", "main"}, p.Statement.Columns)
	assert.Equal(t, "west-nile_unalignedNucleotideSequences.fasta", p.Filename)

	res, err := f.service.Execute(context.Background(), p)
	require.NoError(t, err)
	defer func() { _ = res.Close() }()
	var buf bytes.Buffer
	n, err := res.WriteTo(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ">LOC_1.1|USA\n"+seq+"\n", buf.String())
}

func TestSequencesAsJSONArray(t *testing.T) {
	f := newFixture(t)
	f.conn.Respond("compressedSequence", pgtest.Result{
		Columns: []string{"accessionVersion", "payload"},
		Rows: [][]driver.Value{
			{"LOC_1.1", testutil.Compress(t, testutil.WestNileE[:50], testutil.WestNileE)},
		},
	})
	req := request(t, "west-nile", EndpointAlignedAminoAcid, "dataFormat=json")
	req.Sequence = "E"
	var buf bytes.Buffer
	_, _, err := f.service.Run(context.Background(), req, &buf)
	require.NoError(t, err)

	var rows []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	assert.Equal(t, []map[string]string{{"accessionVersion": "LOC_1.1", "E": testutil.WestNileE[:50]}}, rows)
}

func TestDecompressionFailureFailsWholeResponse(t *testing.T) {
	f := newFixture(t)
	f.conn.Respond("compressedSequence", pgtest.Result{
		Columns: []string{"accessionVersion", "payload"},
		Rows: [][]driver.Value{
			{"LOC_1.1", testutil.Compress(t, "ACGT", testutil.WestNileMain)},
			{"LOC_2.1", "%%%not-base64"},
		},
	})
	var buf bytes.Buffer
	_, n, err := f.service.Run(context.Background(), request(t, "west-nile", EndpointUnalignedNucleotide, ""), &buf)
	var de domain.DecompressionError
	require.True(t, errors.As(err, &de), "expected DecompressionError, got %v", err)
	assert.Equal(t, 1, n)
	assert.Zero(t, buf.Len(), "nothing may be flushed before the failure")
	assert.Equal(t, 1, f.metrics.decompression)
	assert.False(t, f.metrics.observed["unalignedNucleotideSequences"])
}

func TestPrepareRejectsBeforeQuerying(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name      string
		req       Request
		parameter string
	}{
		{"fasta for details", request(t, "west-nile", EndpointDetails, "dataFormat=fasta"), query.ParamDataFormat},
		{"unknown format", request(t, "west-nile", EndpointDetails, "dataFormat=xml"), query.ParamDataFormat},
		{"template field", request(t, "west-nile", EndpointUnalignedNucleotide, "fastaHeaderTemplate={nope}"), query.ParamFastaHeaderTemplate},
		{"template without fasta", request(t, "west-nile", EndpointUnalignedNucleotide, "dataFormat=json&fastaHeaderTemplate={accession}"), query.ParamFastaHeaderTemplate},
		{"fields on sequences", request(t, "west-nile", EndpointUnalignedNucleotide, "fields=geoLocCountry"), query.ParamFields},
		{"missing segment", request(t, "flu", EndpointAlignedNucleotide, ""), "segment"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Prepare(tc.req)
			var br domain.BadRequestError
			require.True(t, errors.As(err, &br), "expected BadRequestError, got %v", err)
			assert.Equal(t, tc.parameter, br.Parameter)
		})
	}
	_, err := f.service.Prepare(request(t, "zika", EndpointDetails, ""))
	assert.Equal(t, 404, domain.StatusCode(err))
	assert.Empty(t, f.conn.Recorded())
}

func TestUpstreamFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.conn.Default = pgtest.Result{Err: errors.New("too many clients")}
	_, _, err := f.service.Run(context.Background(), request(t, "west-nile", EndpointDetails, ""), &bytes.Buffer{})
	assert.Equal(t, 503, domain.StatusCode(err))
	assert.False(t, f.metrics.observed["details"])
}

func TestDownloadName(t *testing.T) {
	req := request(t, "flu", EndpointAlignedNucleotide, "downloadFileBasename=my/\"file\"")
	assert.Equal(t, "my__file_.fasta", downloadName(req, "FASTA"))
	req = request(t, "flu", EndpointAlignedNucleotide, "")
	req.Sequence = "HA"
	assert.Equal(t, "flu_alignedNucleotideSequences_HA.tsv", downloadName(req, "TSV"))
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("nucleotideInsertions")
	require.NoError(t, err)
	assert.Equal(t, EndpointNucleotideInsertions, e)
	_, err = ParseEndpoint("mutations")
	assert.Equal(t, 404, domain.StatusCode(err))
}
