package lapis

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"lapisgate/pkg/domain"
)

func (h *Handler) handlePostExport(w http.ResponseWriter, r *http.Request) {
	var input ExportInput
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		writeError(w, domain.BadRequest("", "invalid JSON body: %v", err))
		return
	}
	input.Organism = mux.Vars(r)["organism"]
	record, err := h.exports.EnqueueExport(r.Context(), input)
	if errors.Is(err, ErrQueueFull) {
		writeErrorStatus(w, http.StatusServiceUnavailable, "QueueFull", err.Error())
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/exports/"+record.ID)
	writeJSON(w, http.StatusAccepted, record)
}

func (h *Handler) handleGetExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	record, ok := h.exports.GetExport(id)
	if !ok {
		writeError(w, domain.NotFoundError{Kind: "export", Name: id})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	if err := h.exports.DeleteExport(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifact, body, err := h.exports.OpenArtifact(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = body.Close() }()
	hdr := w.Header()
	hdr.Set("Content-Type", artifact.ContentType)
	hdr.Set("Content-Disposition", attachment(artifact.Filename))
	if artifact.SizeBytes > 0 {
		hdr.Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WithError(err).WithField("export_id", id).Warn("artifact download interrupted")
	}
}
