package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/internal/service"
	"github.com/akii1234/yogya-sub001/internal/storage"
	httpmw "github.com/akii1234/yogya-sub001/internal/transport/http/middleware"
	"github.com/akii1234/yogya-sub001/pkg/logger"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/samber/lo"
)

type Handler struct {
	rooms *service.Registry
}

func NewHandler(rooms *service.Registry) *Handler {
	return &Handler{rooms: rooms}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errStatus переводит доменные ошибки в HTTP-коды.
func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidMessage), errors.Is(err, storage.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrFeatureDisabled):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := errStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.From(r.Context()).Error("handler."+op, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	room, created, err := h.rooms.Ensure(r.Context(), req.InterviewSessionID, req.Config.toDomain())
	if err != nil {
		h.fail(w, r, "CreateRoom", err)
		return
	}
	if created {
		logger.From(r.Context()).Info("room created", "room", room.ID, "user", httpmw.IdentityFromCtx(r.Context()).UserID)
	}
	// повторный вызов для той же сессии отдаёт существующую комнату
	writeJSON(w, lo.Ternary(created, http.StatusCreated, http.StatusOK), toRoomItem(*room))
}

// GET /rooms?limit=&cursor=
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", storage.DefaultPageSize)
	rooms, next, err := h.rooms.ListRooms(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.fail(w, r, "ListRooms", err)
		return
	}
	writeJSON(w, http.StatusOK, RoomsListResponse{
		Items:      lo.Map(rooms, func(rm domain.Room, _ int) RoomItem { return toRoomItem(rm) }),
		NextCursor: next,
	})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "GetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomItem(*room))
}

// POST /rooms/{id}/close
func (h *Handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if err := h.rooms.Close(r.Context(), roomID); err != nil {
		h.fail(w, r, "CloseRoom", err)
		return
	}
	logger.From(r.Context()).Info("room closed", "room", roomID, "user", httpmw.IdentityFromCtx(r.Context()).UserID)
	writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID, "status": "closed"})
}

// GET /rooms/{id}/participants
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	items, err := h.rooms.Participants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "GetParticipants", err)
		return
	}
	writeJSON(w, http.StatusOK, ParticipantsResponse{Items: lo.Map(items, toParticipantItem)})
}

// GET /rooms/{id}/participants/history
func (h *Handler) GetParticipantHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.rooms.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "GetParticipantHistory", err)
		return
	}
	writeJSON(w, http.StatusOK, ParticipantsResponse{Items: lo.Map(items, toHistoryItem)})
}

// GET /rooms/{id}/chat?after=&limit=
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	var after int64
	if s := strings.TrimSpace(r.URL.Query().Get("after")); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid after"})
			return
		}
		after = n
	}
	limit := storage.ClampLimit(queryInt(r, "limit", storage.DefaultPageSize))

	items, err := h.rooms.ChatHistory(r.Context(), chi.URLParam(r, "id"), after, limit)
	if err != nil {
		h.fail(w, r, "GetChatHistory", err)
		return
	}
	resp := ChatHistoryResponse{Items: lo.Map(items, toChatItem)}
	if len(items) == limit {
		resp.NextAfter = items[len(items)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}
