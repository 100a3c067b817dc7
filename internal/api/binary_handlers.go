package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/ledger/internal/binary"
)

// maxBinaryBytes bounds one uploaded blob.
const maxBinaryBytes = 256 << 20

// SaveBinary handles POST /saveBinary: multipart fields "record" (metadata
// JSON) and "contents" (the blob).
func (h *Handler) SaveBinary(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxBinaryBytes); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Malformed multipart body: %s", err))
		return
	}

	var meta binary.Meta
	if raw := r.FormValue("record"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid record field: %s", err))
			return
		}
	}

	file, header, err := r.FormFile("contents")
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Missing contents field")
		return
	}
	defer file.Close()
	if meta.Filename == "" && header != nil {
		meta.Filename = path.Base(header.Filename)
	}

	stored, err := h.binaries.Save(r.Context(), meta, file)
	if err != nil {
		slog.Error("binary save failed", "uid", meta.UID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, stored)
}

// ReadBinary handles GET /readBinary/{action}/{uid} and
// /readBinary/{action}/{uid}/{filename}. The action chooses the
// Content-Disposition: download forces an attachment, inline renders in
// place.
func (h *Handler) ReadBinary(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if action != "download" && action != "inline" {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", action))
		return
	}
	uid := chi.URLParam(r, "uid")

	meta, reader, err := h.binaries.Open(r.Context(), uid)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	defer reader.Close()

	filename := chi.URLParam(r, "filename")
	if filename == "" {
		filename = meta.Filename
	}
	if filename == "" {
		filename = uid
	}

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))

	disposition := "inline"
	if action == "download" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, filename))

	if _, err := io.Copy(w, reader); err != nil {
		slog.Warn("binary stream interrupted", "uid", uid, "error", err)
	}
}
