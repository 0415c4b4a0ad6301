// Package seller implements the seller side of the 402 payment protocol:
// an HTTP handler that demands payment before dispensing, and a client
// that drives it as a types.ServiceGateway.
package seller

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/user/paywire/internal/textgen"
	"github.com/user/paywire/internal/types"
)

// HeaderPaymentProof carries the proof reference on a paid request.
const HeaderPaymentProof = "x-payment-proof"

// Config describes the seller agent and what it charges.
type Config struct {
	AgentID      types.AgentID
	Name         string
	Description  string
	Capabilities []string
	Service      string
	Price        float64
	Currency     string
	Recipient    string
}

// challengeBody is the 402 response body.
type challengeBody struct {
	Message   string  `json:"message"`
	Price     float64 `json:"price"`
	Recipient string  `json:"recipient"`
}

type deliveryBody struct {
	Status string `json:"status"`
}

type statusBody struct {
	AgentID      types.AgentID `json:"agent_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Capabilities []string      `json:"capabilities"`
	Status       string        `json:"status"`
}

// Handler serves the seller's dispense and status endpoints.
type Handler struct {
	cfg      Config
	verifier types.PaymentVerifier
	text     types.TextGenerator
	mux      *http.ServeMux
}

// NewHandler creates a seller handler that checks proofs with verifier and
// phrases replies with text. A nil text uses canned wording.
func NewHandler(cfg Config, verifier types.PaymentVerifier, text types.TextGenerator) *Handler {
	if text == nil {
		text = textgen.NewCanned()
	}
	h := &Handler{
		cfg:      cfg,
		verifier: verifier,
		text:     text,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /api/status", h.handleStatus)
	h.mux.HandleFunc("GET /api/dispense/{service}", h.handleDispense)
	return h
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	caps := h.cfg.Capabilities
	if caps == nil {
		caps = []string{}
	}
	writeJSON(w, http.StatusOK, statusBody{
		AgentID:      h.cfg.AgentID,
		Name:         h.cfg.Name,
		Description:  h.cfg.Description,
		Capabilities: caps,
		Status:       "active",
	})
}

func (h *Handler) handleDispense(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("service") != h.cfg.Service {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}

	proof := types.ProofReference(r.Header.Get(HeaderPaymentProof))
	if proof == "" {
		challenge := types.PaymentChallenge{Amount: h.cfg.Price, Currency: h.cfg.Currency, PayTo: h.cfg.Recipient}
		msg := h.phrase(r, types.Phrase{Purpose: types.PurposePaymentRequest, Challenge: &challenge})
		slog.Info("payment required", "service", h.cfg.Service, "price", h.cfg.Price, "recipient", h.cfg.Recipient)
		writeJSON(w, http.StatusPaymentRequired, challengeBody{
			Message:   msg,
			Price:     h.cfg.Price,
			Recipient: h.cfg.Recipient,
		})
		return
	}

	verdict, err := h.verifier.Verify(r.Context(), proof)
	if err != nil || verdict != types.VerificationValid {
		slog.Warn("payment proof not accepted", "proof", proof, "verdict", verdict, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Payment verification failed"})
		return
	}

	slog.Info("service dispensed", "service", h.cfg.Service, "proof", proof)
	writeJSON(w, http.StatusOK, deliveryBody{
		Status: h.phrase(r, types.Phrase{Purpose: types.PurposeDelivered, Proof: proof}),
	})
}

func (h *Handler) phrase(r *http.Request, p types.Phrase) string {
	p.Speaker = h.cfg.Name
	p.Service = h.cfg.Service
	text, err := h.text.Phrase(r.Context(), p)
	if err != nil || text == "" {
		return textgen.Fallback(p)
	}
	return text
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}
