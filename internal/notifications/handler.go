package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/proxyshop/notifycore/internal/domain"
	"github.com/proxyshop/notifycore/internal/pkg/ctxlog"
	"github.com/proxyshop/notifycore/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidEvent, Status: http.StatusBadRequest},
	{Error: ErrInvalidInput, Status: http.StatusBadRequest},
	{Error: ErrTokenNotFound, Status: http.StatusNotFound},
}

// AsyncNotifier admits events in the background.
type AsyncNotifier interface {
	Notify(ctx context.Context, event Event) bool
}

// BacklogRecorder maintains digest backlogs.
type BacklogRecorder interface {
	RecordUnread(ctx context.Context, recipientID, conversationID, senderName string) error
	ClearBacklog(ctx context.Context, recipientID, conversationID string) error
}

// SweepTrigger runs a digest sweep on demand.
type SweepTrigger interface {
	TriggerSweep(ctx context.Context) (SweepResult, bool, error)
}

// DirectoryManager maintains recipient tokens, preferences and contacts.
type DirectoryManager interface {
	RegisterToken(ctx context.Context, recipientID, token string) error
	UnregisterToken(ctx context.Context, recipientID, token string) error
	GetPreferences(ctx context.Context, recipientID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, recipientID string, prefs domain.Preferences) error
	SaveContact(ctx context.Context, recipientID, email string, verified bool) error
	SaveConversationLabel(ctx context.Context, conversationID, label string) error
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	admitter  Admitter
	notifier  AsyncNotifier
	backlog   BacklogRecorder
	sweeper   SweepTrigger
	directory DirectoryManager
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(
	admitter Admitter,
	notifier AsyncNotifier,
	backlog BacklogRecorder,
	sweeper SweepTrigger,
	directory DirectoryManager,
) *Handler {
	return &Handler{
		admitter:  admitter,
		notifier:  notifier,
		backlog:   backlog,
		sweeper:   sweeper,
		directory: directory,
		validator: newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterRoutes registers notification routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Admit)
		r.Post("/async", h.AdmitAsync)
	})

	r.Route("/digest", func(r chi.Router) {
		r.Put("/backlog", h.RecordUnread)
		r.Delete("/backlog/{recipient_id}/{conversation_id}", h.ClearBacklog)
		r.Post("/sweep", h.Sweep)
	})

	r.Route("/recipients/{recipient_id}", func(r chi.Router) {
		r.Put("/tokens", h.RegisterToken)
		r.Delete("/tokens", h.UnregisterToken)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.SavePreferences)
		r.Put("/contact", h.SaveContact)
	})

	r.Put("/conversations/{conversation_id}/label", h.SaveConversationLabel)
}

// AdmitRequest represents request body for submitting an event.
type AdmitRequest struct {
	RecipientID           string          `json:"recipient_id" validate:"required,max=128"`
	Topic                 string          `json:"topic" validate:"required,max=64"`
	SubjectEntityID       string          `json:"subject_entity_id" validate:"max=128"`
	Title                 string          `json:"title" validate:"required,max=256"`
	Body                  string          `json:"body" validate:"max=4096"`
	Payload               json.RawMessage `json:"payload"`
	DedupeKey             string          `json:"dedupe_key" validate:"required,max=256"`
	ThrottleKey           string          `json:"throttle_key" validate:"max=256"`
	ThrottleWindowSeconds int             `json:"throttle_window_seconds" validate:"gte=0,lte=86400"`
}

func (req AdmitRequest) event() Event {
	return Event{
		RecipientID:           req.RecipientID,
		Topic:                 domain.Topic(req.Topic),
		SubjectEntityID:       req.SubjectEntityID,
		Title:                 req.Title,
		Body:                  req.Body,
		Payload:               req.Payload,
		DedupeKey:             req.DedupeKey,
		ThrottleKey:           req.ThrottleKey,
		ThrottleWindowSeconds: req.ThrottleWindowSeconds,
	}
}

// RecordUnreadRequest represents request body for recording an unread message.
type RecordUnreadRequest struct {
	RecipientID    string `json:"recipient_id" validate:"required,max=128"`
	ConversationID string `json:"conversation_id" validate:"required,max=128"`
	SenderName     string `json:"sender_name" validate:"max=256"`
}

// RegisterTokenRequest represents request body for registering a push token.
type RegisterTokenRequest struct {
	Token string `json:"token" validate:"required,max=512"`
}

// PreferencesRequest represents request body for replacing preferences.
// Every switch must be present.
type PreferencesRequest struct {
	ChatPushEnabled    *bool `json:"chat_push_enabled" validate:"required"`
	WishPushEnabled    *bool `json:"wish_push_enabled" validate:"required"`
	EmailRecoEnabled   *bool `json:"email_reco_enabled" validate:"required"`
	EmailDigestEnabled *bool `json:"email_digest_enabled" validate:"required"`
}

// ContactRequest represents request body for storing an email address.
type ContactRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Verified bool   `json:"verified"`
}

// LabelRequest represents request body for a conversation label.
type LabelRequest struct {
	Label string `json:"label" validate:"required,max=256"`
}

// Admit handles POST /notifications.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmitRequest(w, r)
	if !ok {
		return
	}

	ctx := admissionContext(r, req)
	result, err := h.admitter.Admit(ctx, req.event())
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// AdmitAsync handles POST /notifications/async.
func (h *Handler) AdmitAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmitRequest(w, r)
	if !ok {
		return
	}

	if !h.notifier.Notify(admissionContext(r, req), req.event()) {
		httputil.Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	httputil.Success(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) decodeAdmitRequest(w http.ResponseWriter, r *http.Request) (AdmitRequest, bool) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return req, false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return req, false
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		httputil.Error(w, http.StatusBadRequest, "payload must be valid json")
		return req, false
	}

	return req, true
}

// admissionContext tags the request logger with the producing service.
func admissionContext(r *http.Request, req AdmitRequest) context.Context {
	ctx := r.Context()
	if producer := httputil.GetSubject(ctx); producer != "" {
		ctx = ctxlog.With(ctx, "producer", producer)
	}
	ctxlog.FromContext(ctx).Debug("event submitted", "topic", req.Topic, "recipient_id", req.RecipientID)
	return ctx
}

// RecordUnread handles PUT /digest/backlog.
func (h *Handler) RecordUnread(w http.ResponseWriter, r *http.Request) {
	var req RecordUnreadRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.backlog.RecordUnread(r.Context(), req.RecipientID, req.ConversationID, req.SenderName); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearBacklog handles DELETE /digest/backlog/{recipient_id}/{conversation_id}.
func (h *Handler) ClearBacklog(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipient_id")
	conversationID := chi.URLParam(r, "conversation_id")

	if err := h.backlog.ClearBacklog(r.Context(), recipientID, conversationID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /digest/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, ran, err := h.sweeper.TriggerSweep(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if !ran {
		httputil.Error(w, http.StatusConflict, "digest sweep already running")
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// RegisterToken handles PUT /recipients/{recipient_id}/tokens.
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterTokenRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.directory.RegisterToken(r.Context(), chi.URLParam(r, "recipient_id"), req.Token); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnregisterToken handles DELETE /recipients/{recipient_id}/tokens?token=...
func (h *Handler) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httputil.Error(w, http.StatusBadRequest, "token query parameter is required")
		return
	}

	if err := h.directory.UnregisterToken(r.Context(), chi.URLParam(r, "recipient_id"), token); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /recipients/{recipient_id}/preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.directory.GetPreferences(r.Context(), chi.URLParam(r, "recipient_id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, prefs)
}

// SavePreferences handles PUT /recipients/{recipient_id}/preferences.
func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	prefs := domain.Preferences{
		ChatPushEnabled:    *req.ChatPushEnabled,
		WishPushEnabled:    *req.WishPushEnabled,
		EmailRecoEnabled:   *req.EmailRecoEnabled,
		EmailDigestEnabled: *req.EmailDigestEnabled,
	}
	if err := h.directory.SavePreferences(r.Context(), chi.URLParam(r, "recipient_id"), prefs); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, prefs)
}

// SaveContact handles PUT /recipients/{recipient_id}/contact.
func (h *Handler) SaveContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.directory.SaveContact(r.Context(), chi.URLParam(r, "recipient_id"), req.Email, req.Verified); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SaveConversationLabel handles PUT /conversations/{conversation_id}/label.
func (h *Handler) SaveConversationLabel(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.directory.SaveConversationLabel(r.Context(), chi.URLParam(r, "conversation_id"), req.Label); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}
