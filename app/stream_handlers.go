package aeko

import (
	"encoding/json"
	"net/http"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

type StreamHandler struct {
	hub *core.Hub
}

func NewStreamHandler(hub *core.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

type StreamResponse struct {
	ID          string                `json:"id"`
	Host        string                `json:"host"`
	Title       string                `json:"title"`
	Visibility  core.StreamVisibility `json:"visibility"`
	State       core.StreamState      `json:"state"`
	ViewerCount int                   `json:"viewer_count"`
	PeakViewers int                   `json:"peak_viewers"`
	TotalViews  int                   `json:"total_views"`
}

type CreateStreamRequest struct {
	Title      string                `json:"title" validate:"required"`
	Visibility core.StreamVisibility `json:"visibility" validate:"required,oneof=public followers-only paid private"`
	Flags      core.StreamFlags      `json:"flags"`
}

// CreateHandler mirrors the create-stream control frame for non-ws clients.
func (h *StreamHandler) CreateHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	var payload CreateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed payload")
	}
	r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	s := h.hub.CreateStream(me.ID, payload.Title, payload.Visibility, payload.Flags)
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(StreamResponse{
		ID:         s.ID,
		Host:       s.Host,
		Title:      s.Title,
		Visibility: s.Visibility,
		State:      s.State(),
	})
}

// StartHandler and EndHandler mirror the lifecycle control frames.
func (h *StreamHandler) StartHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	s := h.hub.StreamByID(r.PathValue("streamID"))
	if s == nil {
		return core.NewError(core.KindNotFound, "stream not found")
	}
	if err := s.GoLive(me.ID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *StreamHandler) EndHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	s := h.hub.StreamByID(r.PathValue("streamID"))
	if s == nil {
		return core.NewError(core.KindNotFound, "stream not found")
	}
	if err := s.End(r.Context(), me.ID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *StreamHandler) GetHandler(w http.ResponseWriter, r *http.Request) error {
	s := h.hub.StreamByID(r.PathValue("streamID"))
	if s == nil {
		return core.NewError(core.KindNotFound, "stream not found")
	}
	viewers, peak, total := s.Counters()
	return json.NewEncoder(w).Encode(StreamResponse{
		ID:          s.ID,
		Host:        s.Host,
		Title:       s.Title,
		Visibility:  s.Visibility,
		State:       s.State(),
		ViewerCount: viewers,
		PeakViewers: peak,
		TotalViews:  total,
	})
}

func (h *StreamHandler) BansHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	s := h.hub.StreamByID(r.PathValue("streamID"))
	if s == nil {
		return core.NewError(core.KindNotFound, "stream not found")
	}
	if !s.IsModerator(me.ID) {
		return core.ErrNotModerator
	}
	bans, err := h.hub.Store().ListBans(r.Context(), s.ID)
	if err != nil {
		return core.WrapError(core.KindUnavailable, "ban list unavailable", err)
	}
	return json.NewEncoder(w).Encode(bans)
}
