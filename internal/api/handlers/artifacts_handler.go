package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/plotviz/engine/internal/api/middleware"
	"github.com/plotviz/engine/internal/api/types"
	"github.com/plotviz/engine/internal/api/validators"
	"github.com/plotviz/engine/internal/models"
	"github.com/plotviz/engine/internal/services"
)

const formMemory = 32 << 20

type ArtifactsHandler struct {
	ingest    services.IngestService
	query     services.QueryService
	artifacts services.ArtifactService
	maxUpload int64
}

func NewArtifactsHandler(ingest services.IngestService, query services.QueryService, artifacts services.ArtifactService, maxUpload int64) *ArtifactsHandler {
	return &ArtifactsHandler{ingest: ingest, query: query, artifacts: artifacts, maxUpload: maxUpload}
}

// Upload accepts a multipart upload. Zip archives, or any file sent with
// kind=bundle, go through the bundle path and answer 202.
func (h *ArtifactsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorStr(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeErrorStr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := types.UploadRequest{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: r.FormValue("description"),
		Group:       strings.TrimSpace(r.FormValue("group")),
		Kind:        r.FormValue("kind"),
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "read upload failed")
		return
	}

	in := services.UploadInput{
		Name:        req.Name,
		Description: req.Description,
		UploaderID:  middleware.GetUploaderID(r.Context()),
		Group:       req.Group,
		FileName:    path.Base(header.Filename),
		Data:        data,
	}
	if isBundle(header.Filename, req.Kind) {
		id, err := h.ingest.IngestBundle(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, r, http.StatusAccepted, types.UploadResponse{ID: id, Status: string(models.StatusPending)})
		return
	}
	id, err := h.ingest.IngestSingle(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusCreated, types.UploadResponse{ID: id, Status: string(models.StatusActive)})
}

func isBundle(fileName, kind string) bool {
	switch kind {
	case "bundle":
		return true
	case "single":
		return false
	}
	return strings.EqualFold(path.Ext(fileName), ".zip")
}

func (h *ArtifactsHandler) List(w http.ResponseWriter, r *http.Request) {
	var group *string
	if q := r.URL.Query(); q.Has("group") {
		g := strings.TrimSpace(q.Get("group"))
		group = &g
	}
	items, err := h.query.ListArtifacts(r.Context(), group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context()), Total: int64(len(items))},
	})
}

func (h *ArtifactsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := h.query.GetArtifact(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

func (h *ArtifactsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req types.UpdateArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.artifacts.UpdateArtifact(r.Context(), id, services.UpdateArtifactInput{Description: req.Description, Group: req.Group})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

func (h *ArtifactsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.artifacts.DeleteArtifact(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ArtifactsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	members, err := h.query.ListMembers(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, members)
}

func (h *ArtifactsHandler) FirstMember(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.query.GetFirstMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, m)
}

func (h *ArtifactsHandler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, mid, err := memberParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.query.GetMember(r.Context(), id, mid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, m)
}

func (h *ArtifactsHandler) Clusters(w http.ResponseWriter, r *http.Request) {
	id, mid, err := memberParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	clusters, err := h.query.GetClusters(r.Context(), id, mid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, clusters)
}

// Document streams the stored member document unchanged.
func (h *ArtifactsHandler) Document(w http.ResponseWriter, r *http.Request) {
	id, mid, err := memberParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := h.query.GetRawDocument(r.Context(), id, mid)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func memberParams(r *http.Request) (int64, int, error) {
	id, err := int64Param(r, "id")
	if err != nil {
		return 0, 0, err
	}
	mid, err := intParam(r, "mid")
	if err != nil {
		return 0, 0, err
	}
	return id, mid, nil
}
