package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"convobot/internal/convo"
	"convobot/internal/storage"
)

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if body.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	requester, err := parseRequester(body.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	answer, err := s.orchestrator.Converse(r.Context(), convo.Request{
		Requester: requester,
		Text:      body.Message,
		ChatID:    chatID,
		Controls:  convo.DefaultControls(),
		ReplyTo:   body.ReplyTo,
		Consumer:  storage.ConsumerFastChat,
	}, s.hub)
	if err != nil {
		s.writeConvoError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Answer: answer})
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil || s.media == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "image generation is not enabled"})
		return
	}
	var body imageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if body.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	raw, err := s.images.GenerateImage(r.Context(), body.Prompt, body.Size)
	if err != nil {
		s.metrics.ImagesGenerated.WithLabelValues("web", "error").Inc()
		s.writeConvoError(w, r, err)
		return
	}
	s.metrics.ImagesGenerated.WithLabelValues("web", "ok").Inc()

	key := fmt.Sprintf("images/%s.png", uuid.New())
	url, err := s.media.Put(r.Context(), key, raw, "image/png")
	if err != nil {
		s.logger.Error().Err(err).Msg("image upload failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store image"})
		return
	}

	img := storage.Image{ObjectKey: key, URL: url}
	if requester, err := parseRequester(body.UserID); err == nil {
		img.UserID = requester.UserID
	}
	if _, err := s.store.InsertImage(r.Context(), img); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to record image")
	}

	writeJSON(w, http.StatusOK, imageResponse{URL: url})
}

func parseRequester(userID string) (convo.Requester, error) {
	if userID == "" {
		return convo.Requester{}, nil
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return convo.Requester{}, fmt.Errorf("user_id is not a valid uuid")
	}
	return convo.Requester{UserID: &id}, nil
}

func (s *Server) writeConvoError(w http.ResponseWriter, r *http.Request, err error) {
	if convo.WantsLogDetail(err) {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, statusForKind(convo.KindOf(err)), errorResponse{Error: convo.UserMessage(err)})
}

func statusForKind(kind convo.Kind) int {
	switch kind {
	case convo.KindDuplicate:
		return http.StatusTooManyRequests
	case convo.KindQueryTooLarge:
		return http.StatusRequestEntityTooLarge
	case convo.KindProviderConnection, convo.KindProviderResponse, convo.KindProviderMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
