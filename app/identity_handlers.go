package aeko

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
	"github.com/MilliHub-dev/Aeko-backend-sub001/pkg/router"
)

type IdentityHandler struct {
	store *core.SQLiteIdentityStore
}

func NewIdentityHandler(store *core.SQLiteIdentityStore) *IdentityHandler {
	return &IdentityHandler{store: store}
}

type SignupPayload struct {
	Handle      string        `json:"handle" validate:"required"`
	Password    string        `json:"password" validate:"required,min=8"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	IsPrivate   bool          `json:"is_private,omitempty"`
	DMPolicy    core.DMPolicy `json:"dm_policy,omitempty"`
	BotEnabled  bool          `json:"bot_enabled,omitempty"`
	Personality string        `json:"personality,omitempty"`
}

func (h *IdentityHandler) SignupHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SignupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed payload")
	}
	defer r.Body.Close()
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, FormatValidationErrors(err))
	}

	if payload.DMPolicy == "" {
		payload.DMPolicy = core.DMEveryone
	}
	identity := &core.Identity{
		ID:          uuid.New().String(),
		Handle:      payload.Handle,
		AvatarURL:   payload.AvatarURL,
		IsPrivate:   payload.IsPrivate,
		DMPolicy:    payload.DMPolicy,
		BotEnabled:  payload.BotEnabled,
		Personality: payload.Personality,
	}
	if err := h.store.CreateIdentity(r.Context(), identity, payload.Password); err != nil {
		if errors.Is(err, core.ErrConflictedIdentity) {
			return router.NewJsonError(http.StatusConflict, err.Error())
		}
		return err
	}

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(identity); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

type SigninPayload struct {
	ID       string `json:"id" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *IdentityHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "malformed payload")
	}
	defer r.Body.Close()

	session, err := h.store.NewSession(r.Context(), payload.ID, payload.Password)
	if err != nil {
		if errors.Is(err, core.ErrBadCredentials) {
			return router.NewJsonError(http.StatusUnauthorized, err.Error())
		}
		return err
	}

	if err := json.NewEncoder(w).Encode(session); err != nil {
		return fmt.Errorf("Encode: %w", err)
	}
	return nil
}

func (h *IdentityHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	identity := IdentityFromRequest(r)
	if identity == nil {
		return router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	}
	return json.NewEncoder(w).Encode(identity)
}

func (h *IdentityHandler) GetHandler(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.store.Get(r.Context(), r.PathValue("identityID"))
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(identity)
}

func (h *IdentityHandler) FollowHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	target := r.PathValue("identityID")
	if _, err := h.store.Get(r.Context(), target); err != nil {
		return err
	}
	if err := h.store.Follow(r.Context(), me.ID, target); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *IdentityHandler) BlockHandler(w http.ResponseWriter, r *http.Request) error {
	me := IdentityFromRequest(r)
	target := r.PathValue("identityID")
	if _, err := h.store.Get(r.Context(), target); err != nil {
		return err
	}
	if err := h.store.Block(r.Context(), me.ID, target); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
