package aeko

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

type RoomHandler struct {
	hub *core.Hub
}

func NewRoomHandler(hub *core.Hub) *RoomHandler {
	return &RoomHandler{hub: hub}
}

type CreateGroupPayload struct {
	Name    string   `json:"name" validate:"required"`
	Members []string `json:"members"`
}

type CreateRoomResponse struct {
	ID string `json:"id"`
}

func (h *RoomHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	var payload CreateGroupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed payload")
	}
	r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	members := append([]string{me.ID}, payload.Members...)
	room := h.hub.CreateGroupRoom(payload.Name, members)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateRoomResponse{ID: room.ID})
	return nil
}

type EnsureDirectPayload struct {
	Peer string `json:"peer" validate:"required"`
}

func (h *RoomHandler) EnsureDirectHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	var payload EnsureDirectPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed payload")
	}
	r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	room, err := h.hub.EnsureDirectRoom(r.Context(), me.ID, payload.Peer)
	if err != nil {
		return err
	}
	json.NewEncoder(w).Encode(CreateRoomResponse{ID: room.ID})
	return nil
}

// HistoryHandler pages a room's history with a seq cursor, oldest first.
func (h *RoomHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	roomID := r.PathValue("roomID")

	room := h.hub.ChatRoomByID(roomID)
	if room == nil {
		return core.ErrRoomNotFound
	}
	if !room.IsMember(me.ID) {
		return core.ErrNotMember
	}

	cursor, _ := strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > h.hub.HistoryLimit() {
		limit = h.hub.HistoryLimit()
	}

	page, err := h.hub.Store().LoadHistory(r.Context(), roomID, cursor, limit)
	if err != nil {
		return core.WrapError(core.KindUnavailable, "history unavailable", err)
	}
	return json.NewEncoder(w).Encode(page)
}
