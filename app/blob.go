package aeko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

// FSBlobStore implements the attachment blob port on the local filesystem.
// Deployments backed by an object store swap this behind the port.
type FSBlobStore struct {
	dir     string
	baseURL string
}

func NewFSBlobStore(dir, baseURL string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("MkdirAll: %w", err)
	}
	return &FSBlobStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *FSBlobStore) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	name := uuid.New().String()
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		name += exts[0]
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("WriteFile: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

func (s *FSBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	name := filepath.Base(url)
	// Base strips any traversal; the name is always a flat file in dir.
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError(core.KindNotFound, "blob not found")
		}
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	return data, nil
}

type BlobHandler struct {
	store    core.BlobPort
	maxBytes int64
}

func NewBlobHandler(store core.BlobPort, maxBytes int64) *BlobHandler {
	return &BlobHandler{store: store, maxBytes: maxBytes}
}

type UploadResponse struct {
	URL string `json:"url"`
}

func (h *BlobHandler) UploadHandler(w http.ResponseWriter, r *http.Request) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes+1))
	if err != nil {
		return fmt.Errorf("ReadAll: %w", err)
	}
	r.Body.Close()
	if int64(len(data)) > h.maxBytes {
		return router.NewJsonError(http.StatusRequestEntityTooLarge, "blob exceeds size limit")
	}

	url, err := h.store.Put(r.Context(), data, r.Header.Get("Content-Type"))
	if err != nil {
		return core.WrapError(core.KindUnavailable, "blob store unavailable", err)
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(UploadResponse{URL: url})
	return nil
}

func (h *BlobHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) error {
	data, err := h.store.Get(r.Context(), r.PathValue("blobID"))
	if err != nil {
		return err
	}
	if ext := filepath.Ext(r.PathValue("blobID")); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			w.Header().Set("Content-Type", t)
		}
	}
	w.Write(data)
	return nil
}
