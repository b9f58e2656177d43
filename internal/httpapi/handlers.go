package httpapi

import (
	"encoding/csv"
	"log/slog"
	"net/http"

	"github.com/qualys/certview-mirror/internal/certview/control"
	"github.com/qualys/certview-mirror/internal/certview/model"
)

type handlers struct {
	surface *control.Surface
	logger  *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (h *handlers) startFullSync(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.StartFullSync(r.Context(), intervalParam(r)))
}

func (h *handlers) resumeSync(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.ResumeSync(r.Context(), intervalParam(r)))
}

func (h *handlers) stopSync(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.StopSync())
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.Reset(r.Context()))
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	state, err := h.surface.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handlers) forceRefreshToken(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.ForceRefreshToken(r.Context()))
}

func (h *handlers) importInventory(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.ImportInventory(r.Context(), r.Body))
}

func (h *handlers) applyAnnotations(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.ApplyAnnotations(r.Context()))
}

func (h *handlers) annotationStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.surface.AnnotationStatus())
}

// export streams getAllCertificates projected onto model.ExportColumns as a
// CSV document; string fields absent from a record are written as empty
// cells, numeric and boolean fields as their zero values.
func (h *handlers) export(w http.ResponseWriter, r *http.Request) {
	records, err := h.surface.ExportSnapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=certificates.csv")
	w.WriteHeader(http.StatusOK)

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	_ = csvWriter.Write(model.ExportColumns)
	for _, rec := range records {
		_ = csvWriter.Write(model.ExportRow(rec))
	}
}

func intervalParam(r *http.Request) string {
	if v := r.URL.Query().Get("interval"); v != "" {
		return v
	}
	return "yearly"
}
