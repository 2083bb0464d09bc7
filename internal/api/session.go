package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/identity"
	"github.com/ashureev/allocation-study/internal/session"
)

// Sessions is the session lifecycle the handlers drive.
type Sessions interface {
	Resolve(ctx context.Context, sessionID string) (*session.State, error)
	SubmitConsent(ctx context.Context, st *session.State, consent bool) (*session.State, error)
	AdvancePage(ctx context.Context, st *session.State, target domain.Page) (*session.State, error)
	SubmitAllocation(ctx context.Context, st *session.State, fundA *int) (*session.State, error)
	SubmitDebrief(ctx context.Context, st *session.State, d session.Debrief) (*session.State, error)
}

// SessionHandler exposes the participant session over HTTP.
type SessionHandler struct {
	sessions Sessions
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions Sessions) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/consent", h.Consent)
		r.Post("/advance", h.Advance)
		r.Post("/allocation", h.Allocation)
		r.Post("/debrief", h.Debrief)
	})
}

type consentRequest struct {
	Consent bool `json:"consent"`
}

type advanceRequest struct {
	Target domain.Page `json:"target"`
}

type allocationRequest struct {
	FundA *int `json:"fund_a_pct"`
}

type debriefRequest struct {
	domain.Demographics
	DataQuality        *bool  `json:"data_quality"`
	DataQualityComment string `json:"data_quality_comment"`
	Consent            bool   `json:"consent"`
}

// mutate resolves the caller's session, applies fn and writes the new state.
func (h *SessionHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(*session.State) (*session.State, error)) {
	ctx := r.Context()
	st, err := h.sessions.Resolve(ctx, identity.SessionIDFromContext(ctx))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if identity.IssuedFromContext(ctx) {
		slog.Info("Session token issued",
			"session_id", st.Session.SessionID,
			"scenario_id", st.Session.ScenarioID,
			"sequence_id", st.Session.SequenceID,
			"ip", identity.IPFromRequest(r),
		)
	}
	next, err := fn(st)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, NewStateView(next))
}

// Get resolves (or creates) the caller's session and returns its state.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(st *session.State) (*session.State, error) { return st, nil })
}

// Consent accepts or declines participation.
func (h *SessionHandler) Consent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(st *session.State) (*session.State, error) {
		return h.sessions.SubmitConsent(r.Context(), st, req.Consent)
	})
}

// Advance moves past a page that takes no input.
func (h *SessionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(st *session.State) (*session.State, error) {
		return h.sessions.AdvancePage(r.Context(), st, req.Target)
	})
}

// Allocation submits the fund A percentage for the current step.
func (h *SessionHandler) Allocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(st *session.State) (*session.State, error) {
		return h.sessions.SubmitAllocation(r.Context(), st, req.FundA)
	})
}

// Debrief submits the closing questionnaire.
func (h *SessionHandler) Debrief(w http.ResponseWriter, r *http.Request) {
	var req debriefRequest
	if !decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(st *session.State) (*session.State, error) {
		return h.sessions.SubmitDebrief(r.Context(), st, session.Debrief{
			Demographics: req.Demographics,
			DataQuality:  req.DataQuality,
			Comment:      req.DataQualityComment,
			Consent:      req.Consent,
		})
	})
}
