// Package api exposes the dispatch engine over HTTP: dispatch requests,
// inbound reply webhooks, device registration, push acknowledgements and
// campaign status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/core/logger"
	"github.com/crewcall/crewcall/core/model"
)

// Directory is the persistence surface the API needs beyond the dispatch
// engine itself.
type Directory interface {
	SaveContact(ctx context.Context, c model.Contact) error
	GetContact(ctx context.Context, id string) (model.Contact, error)
	SaveJob(ctx context.Context, j model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	SaveTemplate(ctx context.Context, t model.Template) error
	SaveDeviceToken(ctx context.Context, t model.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, contactID, token string) error
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	CampaignSummary(ctx context.Context, campaignID string) (dispatch.Summary, error)
}

// Server wires the HTTP handlers.
type Server struct {
	dir       Directory
	scheduler *dispatch.Scheduler
	router    *dispatch.Router
	replies   *dispatch.ReplyHandler
	ledger    ledger.Ledger
	log       logger.Logger

	// VAPIDPublicKey, when set, is served to clients registering browser
	// subscriptions.
	VAPIDPublicKey string
}

// NewServer creates the API server.
func NewServer(dir Directory, scheduler *dispatch.Scheduler, router *dispatch.Router, replies *dispatch.ReplyHandler, led ledger.Ledger, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Server{
		dir:       dir,
		scheduler: scheduler,
		router:    router,
		replies:   replies,
		ledger:    led,
		log:       log,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/replies", s.handleReply)
		r.Post("/push/ack", s.handlePushAck)
		r.Get("/push/vapid", s.handleVAPIDKey)

		r.Post("/contacts", s.handleSaveContact)
		r.Get("/contacts/{id}", s.handleGetContact)
		r.Post("/contacts/{id}/devices", s.handleRegisterDevice)
		r.Delete("/contacts/{id}/devices/{token}", s.handleRemoveDevice)

		r.Post("/jobs", s.handleSaveJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/templates", s.handleSaveTemplate)

		r.Get("/campaigns/{id}", s.handleCampaignStatus)
		r.Post("/campaigns/{id}/cancel", s.handleCancelCampaign)

		r.Post("/credits/grant", s.handleGrantCredits)
		r.Get("/credits/{owner}", s.handleCreditBalance)
	})
	return r
}

type dispatchRequest struct {
	JobID      string   `json:"job_id"`
	TemplateID string   `json:"template_id"`
	ContactIDs []string `json:"contact_ids"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.JobID == "" || req.TemplateID == "" || len(req.ContactIDs) == 0 {
		http.Error(w, "job_id, template_id and contact_ids are required", http.StatusBadRequest)
		return
	}
	sum, err := s.scheduler.Dispatch(r.Context(), req.JobID, req.TemplateID, req.ContactIDs)
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, dispatch.ErrTemplateNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.log.Errorf("dispatch: %v", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

// handleReply accepts the inbound SMS webhook. The provider posts
// form-encoded From and Body fields.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" {
		http.Error(w, "From is required", http.StatusBadRequest)
		return
	}
	if err := s.replies.HandleInbound(r.Context(), from, body); err != nil {
		s.log.Errorf("inbound reply: %v", err)
		http.Error(w, "reply processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotificationID string `json:"notification_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NotificationID == "" {
		http.Error(w, "notification_id is required", http.StatusBadRequest)
		return
	}
	if err := s.router.HandleAck(r.Context(), req.NotificationID); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			http.Error(w, "unknown notification", http.StatusNotFound)
			return
		}
		s.log.Errorf("push ack: %v", err)
		http.Error(w, "ack processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	if s.VAPIDPublicKey == "" {
		http.Error(w, "web push not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.VAPIDPublicKey})
}

func (s *Server) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	var c model.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.ID == "" {
		http.Error(w, "contact with id is required", http.StatusBadRequest)
		return
	}
	if err := s.dir.SaveContact(r.Context(), c); err != nil {
		s.log.Errorf("save contact: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.dir.GetContact(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, dispatch.ErrNotFound) {
		http.Error(w, "contact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "id")
	var req struct {
		Platform string `json:"platform"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Platform == "" || req.Token == "" {
		http.Error(w, "platform and token are required", http.StatusBadRequest)
		return
	}
	if _, err := s.dir.GetContact(r.Context(), contactID); err != nil {
		http.Error(w, "contact not found", http.StatusNotFound)
		return
	}
	t := model.DeviceToken{ContactID: contactID, Platform: req.Platform, Token: req.Token, CreatedAt: time.Now()}
	if err := s.dir.SaveDeviceToken(r.Context(), t); err != nil {
		s.log.Errorf("save device token: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.dir.DeleteDeviceToken(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "token")); err != nil {
		s.log.Errorf("delete device token: %v", err)
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveJob(w http.ResponseWriter, r *http.Request) {
	var j model.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil || j.ID == "" || j.OwnerID == "" {
		http.Error(w, "job with id and owner_id is required", http.StatusBadRequest)
		return
	}
	if err := s.dir.SaveJob(r.Context(), j); err != nil {
		s.log.Errorf("save job: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.dir.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, dispatch.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t model.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil || t.ID == "" || t.Body == "" {
		http.Error(w, "template with id and body is required", http.StatusBadRequest)
		return
	}
	if err := s.dir.SaveTemplate(r.Context(), t); err != nil {
		s.log.Errorf("save template: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.dir.GetCampaign(r.Context(), id); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			http.Error(w, "campaign not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	sum, err := s.dir.CampaignSummary(r.Context(), id)
	if err != nil {
		s.log.Errorf("campaign summary: %v", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := s.scheduler.CancelCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Errorf("cancel campaign: %v", err)
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_tasks": n})
}

type grantRequest struct {
	OwnerID   string     `json:"owner_id"`
	Source    string     `json:"source"`
	Amount    int        `json:"amount"`
	SourceRef string     `json:"source_ref"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	grant, err := s.ledger.Grant(r.Context(), req.OwnerID, ledger.SourceType(req.Source), req.Amount, req.SourceRef, req.ExpiresAt)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Errorf("grant credits: %v", err)
		http.Error(w, "grant failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	avail, err := s.ledger.Available(r.Context(), owner)
	if err != nil {
		s.log.Errorf("credit balance: %v", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "available": avail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already sent; an encode failure cannot be reported to the client
	_ = json.NewEncoder(w).Encode(v)
}
