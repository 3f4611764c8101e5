package lapis

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lapisgate/internal/blob"
	"lapisgate/internal/core"
	"lapisgate/internal/query"
	"lapisgate/pkg/domain"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ErrQueueFull is returned by EnqueueExport when no slot is free.
var ErrQueueFull = errors.New("export queue full")

// DefaultQueueSize is used when WorkerOptions.QueueSize is not positive.
const DefaultQueueSize = 32

// downloadURLExpiry bounds presigned artifact URLs.
const downloadURLExpiry = time.Hour

// ExportInput is an enqueue request.
type ExportInput struct {
	Organism    string         `json:"-"`
	Endpoint    string         `json:"endpoint"`
	Sequence    string         `json:"sequenceName,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RequestedBy string         `json:"requestedBy,omitempty"`
}

// ExportArtifact is the stored rendering of an export.
type ExportArtifact struct {
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportRecord tracks one export request.
type ExportRecord struct {
	ID          string          `json:"id"`
	Organism    string          `json:"organism"`
	Endpoint    string          `json:"endpoint"`
	Sequence    string          `json:"sequenceName,omitempty"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Format      string          `json:"dataFormat"`
	Status      ExportStatus    `json:"status"`
	Error       string          `json:"error,omitempty"`
	Artifact    *ExportArtifact `json:"artifact,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (r *ExportRecord) copy() ExportRecord {
	out := *r
	out.Parameters = cloneMap(r.Parameters)
	if r.Artifact != nil {
		a := *r.Artifact
		out.Artifact = &a
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	QueueSize int
	Logger    logrus.FieldLogger
	// TempDir holds rendered bodies before upload; empty means os.TempDir.
	TempDir string
}

// Worker runs queued exports through the query pipeline and stores the
// rendered bodies in a blob store. Records live in memory only.
type Worker struct {
	service *core.Service
	store   blob.Store
	logger  logrus.FieldLogger
	tempDir string

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id       string
	prepared *core.Prepared
}

// NewWorker constructs an export worker. Call Start to begin processing.
func NewWorker(service *core.Service, store blob.Store, opts WorkerOptions) *Worker {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		service: service,
		store:   store,
		logger:  logger,
		tempDir: opts.TempDir,
		queue:   make(chan exportTask, size),
		jobs:    make(map[string]*ExportRecord),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// EnqueueExport validates the request the same way a direct query would be
// validated and queues it. Validation errors are returned synchronously.
func (w *Worker) EnqueueExport(_ context.Context, input ExportInput) (ExportRecord, error) {
	if strings.TrimSpace(input.Endpoint) == "" {
		return ExportRecord{}, domain.BadRequest("endpoint", "endpoint required")
	}
	endpoint, err := core.ParseEndpoint(input.Endpoint)
	if err != nil {
		return ExportRecord{}, err
	}
	if input.Sequence != "" && !endpoint.IsSequence() {
		return ExportRecord{}, domain.BadRequest("sequenceName", "endpoint %s takes no sequence name", endpoint)
	}
	params, err := query.FromJSON(input.Parameters)
	if err != nil {
		return ExportRecord{}, err
	}
	id := uuid.NewString()
	prepared, err := w.service.Prepare(core.Request{
		Organism:  input.Organism,
		Endpoint:  endpoint,
		Sequence:  input.Sequence,
		Params:    params,
		RequestID: id,
	})
	if err != nil {
		return ExportRecord{}, err
	}

	now := time.Now().UTC()
	record := ExportRecord{
		ID:          id,
		Organism:    input.Organism,
		Endpoint:    string(endpoint),
		Sequence:    input.Sequence,
		Parameters:  cloneMap(input.Parameters),
		Format:      string(prepared.Kind),
		Status:      ExportStatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queuedSnapshot := record.copy()
	w.mu.Unlock()

	select {
	case w.queue <- exportTask{id: id, prepared: prepared}:
	default:
		w.mu.Lock()
		delete(w.jobs, id)
		w.mu.Unlock()
		return ExportRecord{}, ErrQueueFull
	}
	w.entry(id).WithField("requested_by", input.RequestedBy).Info("export queued")
	return queuedSnapshot, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

// OpenArtifact returns the stored body of a succeeded export.
func (w *Worker) OpenArtifact(ctx context.Context, id string) (ExportArtifact, io.ReadCloser, error) {
	record, ok := w.GetExport(id)
	if !ok {
		return ExportArtifact{}, nil, domain.NotFoundError{Kind: "export", Name: id}
	}
	if record.Status != ExportStatusSucceeded || record.Artifact == nil {
		return ExportArtifact{}, nil, domain.BadRequest("id", "export %s is %s", id, record.Status)
	}
	_, body, err := w.store.Get(ctx, record.Artifact.Key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return ExportArtifact{}, nil, domain.NotFoundError{Kind: "export artifact", Name: id}
		}
		return ExportArtifact{}, nil, domain.UpstreamError{Op: "blob get", Err: err}
	}
	return *record.Artifact, body, nil
}

// DeleteExport removes a finished export and its stored artifact. Queued
// and running exports cannot be deleted.
func (w *Worker) DeleteExport(ctx context.Context, id string) error {
	record, ok := w.GetExport(id)
	if !ok {
		return domain.NotFoundError{Kind: "export", Name: id}
	}
	if record.Status == ExportStatusQueued || record.Status == ExportStatusRunning {
		return domain.BadRequest("id", "export %s is %s", id, record.Status)
	}
	if record.Artifact != nil {
		existed, err := w.store.Delete(ctx, record.Artifact.Key)
		if err != nil {
			return domain.UpstreamError{Op: "blob delete", Err: err}
		}
		if !existed {
			w.entry(id).WithField("key", record.Artifact.Key).Warn("export artifact already gone")
		}
	}
	w.mu.Lock()
	delete(w.jobs, id)
	w.mu.Unlock()
	w.entry(id).Info("export deleted")
	return nil
}

func (w *Worker) process(task exportTask) {
	log := w.entry(task.id)
	w.updateStatus(task.id, ExportStatusRunning, "")
	started := time.Now()

	artifact, err := w.render(task)
	if err != nil {
		log.WithError(err).Error("export failed")
		w.fail(task.id, err.Error())
		return
	}
	log.WithFields(logrus.Fields{
		"key":      artifact.Key,
		"size":     humanize.Bytes(uint64(artifact.SizeBytes)),
		"rows":     humanize.Comma(int64(artifact.Rows)),
		"duration": time.Since(started).String(),
	}).Info("export stored")
	w.complete(task.id, artifact)
}

// render streams the query result into a temporary file and uploads it.
// The blob stores need a complete, seekable body; S3 uploads in particular
// must know the content length.
func (w *Worker) render(task exportTask) (ExportArtifact, error) {
	tmp, err := os.CreateTemp(w.tempDir, "lapisgate-export-*")
	if err != nil {
		return ExportArtifact{}, errors.Wrap(err, "create temp file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	result, err := w.service.Execute(w.ctx, task.prepared)
	if err != nil {
		return ExportArtifact{}, err
	}
	rows, err := result.WriteTo(w.ctx, tmp)
	if cerr := result.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ExportArtifact{}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return ExportArtifact{}, errors.Wrap(err, "rewind temp file")
	}

	key := "exports/" + task.id + "/" + task.prepared.Filename
	info, err := w.store.Put(w.ctx, key, tmp, blob.PutOptions{
		ContentType: task.prepared.ContentType(),
		Metadata: map[string]string{
			"organism": task.prepared.Request.Organism,
			"endpoint": string(task.prepared.Request.Endpoint),
		},
	})
	if err != nil {
		return ExportArtifact{}, errors.Wrap(err, "store artifact")
	}
	artifact := ExportArtifact{
		Key:         key,
		Filename:    task.prepared.Filename,
		ContentType: task.prepared.ContentType(),
		SizeBytes:   info.Size,
		Rows:        rows,
		URL:         "/exports/" + task.id + "/download",
		CreatedAt:   time.Now().UTC(),
	}
	url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{Expiry: downloadURLExpiry})
	switch {
	case err == nil:
		artifact.URL = url
	case !errors.Is(err, blob.ErrUnsupported):
		w.entry(task.id).WithError(err).Warn("presign failed; serving through the download route")
	}
	return artifact, nil
}

func (w *Worker) entry(id string) *logrus.Entry {
	return w.logger.WithFields(logrus.Fields{"export_id": id, "blob_driver": string(w.store.Driver())})
}

func (w *Worker) updateStatus(id string, status ExportStatus, message string) {
	now := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = message
		record.UpdatedAt = now
	}
}

func (w *Worker) complete(id string, artifact ExportArtifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifact = &artifact
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
