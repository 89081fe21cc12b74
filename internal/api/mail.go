package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/email"
	"github.com/orbitview/feedback360/internal/render"
)

// ─── POST /api/mail/send ──────────────────────────────────────────────────────
//
// The mail-dispatch endpoint. The dispatch coordinator posts one request per
// participant; this handler loads the template, mints the deep-link token,
// renders the design, and relays the message. The token is returned so the
// coordinator can persist it on the assessment link.

// Placeholder names available to template authors. LINK_AVALIACAO is the
// historical name for the assessment deep link and is kept for the existing
// template corpus.
const (
	placeholderLink            = "LINK_AVALIACAO"
	placeholderParticipantName = "NOME_PARTICIPANTE"
)

type sendMailResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

func (s *Server) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var req email.SendParams
	if !decode(w, r, &req) {
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid templateId")
		return
	}
	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid participantId")
		return
	}
	assessmentID, err := uuid.Parse(req.AssessmentID)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid assessmentId")
		return
	}
	if req.Email == "" {
		respondErr(w, http.StatusBadRequest, "email must not be empty")
		return
	}

	// ── Load collaborators ────────────────────────────────────────────────────
	template, err := s.q.GetMailTemplateByID(r.Context(), templateID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "mail template not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get template: %w", err))
		return
	}

	if _, err := s.q.GetAssessmentByID(r.Context(), assessmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondErr(w, http.StatusNotFound, "assessment not found")
			return
		}
		s.respondInternalErr(w, r, fmt.Errorf("get assessment: %w", err))
		return
	}

	participant, err := s.q.GetParticipantByID(r.Context(), participantID)
	if errors.Is(err, sql.ErrNoRows) {
		respondErr(w, http.StatusNotFound, "participant not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get participant: %w", err))
		return
	}

	// ── Parse the stored design ───────────────────────────────────────────────
	// Template content is a JSON-serialized string; a parse failure is the
	// template author's problem, not ours — surface it clearly, don't retry.
	design, err := render.Parse(template.Content)
	if err != nil {
		respondErr(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("template %q content could not be parsed: %v", template.Name, err))
		return
	}

	// ── Mint the bearer token and deep link ───────────────────────────────────
	token, err := newLinkToken()
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("generate link token: %w", err))
		return
	}

	deepLink := fmt.Sprintf("%s/assessment?token=%s&participant=%s&assessment=%s",
		s.cfg.BaseURL, url.QueryEscape(token), participantID, assessmentID)

	placeholders := map[string]string{
		placeholderLink:            deepLink,
		placeholderParticipantName: participant.Name,
	}

	// ── Render and relay ──────────────────────────────────────────────────────
	html, err := render.Render(design, placeholders)
	if err != nil {
		respondErr(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("template %q has an invalid design format: %v", template.Name, err))
		return
	}

	subject := render.Substitute(template.Subject, placeholders)

	if err := s.provider.Deliver(r.Context(), email.DeliverParams{
		To:      req.Email,
		Subject: subject,
		HTML:    html,
	}); err != nil {
		s.logger.Error("mail: provider delivery failed",
			"participant_id", participantID,
			"assessment_id", assessmentID,
			"error", err,
			logField(r),
		)
		respondErr(w, http.StatusBadGateway, "mail provider rejected the message")
		return
	}

	respond(w, http.StatusOK, sendMailResponse{Success: true, Token: token})
}

// newLinkToken generates the bearer secret embedded in a participant's deep
// link. 32 random bytes → 256 bits of entropy, URL-safe without padding. The
// token doubles as the only credential for the unauthenticated survey page,
// so nothing weaker is acceptable.
func newLinkToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
