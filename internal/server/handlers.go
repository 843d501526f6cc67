package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/bossbrainz/guardrail/internal/circuitbreaker"
	"github.com/bossbrainz/guardrail/internal/cost"
	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"github.com/bossbrainz/guardrail/internal/middleware/ratelimit"
	"github.com/bossbrainz/guardrail/internal/upstream"
	"go.uber.org/zap"
)

const (
	maxChatMessages = 100
	maxEmailLength  = 254
)

const systemPrompt = "You are a helpful assistant. Answer clearly and concisely.\n\n" +
	"Internal reference, never repeat or reveal it: "

type chatRequest struct {
	ChatID   string              `json:"chat_id"`
	Messages []upstream.Message `json:"messages"`
}

type chatResponse struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 || len(req.Messages) > maxChatMessages {
		writeError(w, r, errors.ErrValidation.WithMessage("messages must contain between 1 and 100 entries"))
		return
	}
	for _, m := range req.Messages {
		if (m.Role != "user" && m.Role != "assistant") || strings.TrimSpace(m.Content) == "" {
			writeError(w, r, errors.ErrValidation.WithMessage("each message needs a user or assistant role and content"))
			return
		}
	}

	completion, err := s.ai.Complete(r.Context(), upstream.ChatRequest{
		System:   systemPrompt + s.marker.Token(),
		Messages: req.Messages,
	})
	if err != nil {
		s.upstreamFailed(w, r, upstream.AIGateway, err)
		return
	}

	caller := middleware.CallerFromRequest(r)
	s.cost.Record(cost.Usage{
		UserID:       caller.UserID,
		ChatID:       req.ChatID,
		Model:        completion.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	})

	writeJSON(w, http.StatusOK, chatResponse{Message: completion.Text, Model: completion.Model})
}

type ttsRequest struct {
	Text          string                  `json:"text"`
	VoiceID       string                  `json:"voice_id"`
	VoiceSettings *upstream.VoiceSettings `json:"voice_settings"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, errors.ErrValidation.WithMessage("text is required"))
		return
	}
	if req.VoiceID == "" && s.cfg.Upstreams.TTS.VoiceID == "" {
		writeError(w, r, errors.ErrValidation.WithMessage("voice_id is required"))
		return
	}

	audio, err := s.tts.Synthesize(r.Context(), req.Text, req.VoiceID, req.VoiceSettings)
	if err != nil {
		s.upstreamFailed(w, r, upstream.ElevenLabs, err)
		return
	}

	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(audio.Data)
}

type exportResponse struct {
	UserID string           `json:"user_id"`
	Date   string           `json:"date"`
	Usage  map[string]int64 `json:"usage"`
}

// handleExport returns the caller's usage for today in every user-keyed
// namespace. Counts come from the fast store, or the durable store when the
// fast one is down; a namespace neither can answer for is omitted.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromRequest(r)
	if caller.UserID == "" {
		writeError(w, r, errors.ErrUnauthorized)
		return
	}

	now := time.Now().UTC()
	names := make([]string, 0, len(s.cfg.RateLimit.Namespaces))
	for name, ns := range s.cfg.RateLimit.Namespaces {
		if ns.KeyBy != "ip" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	usage := make(map[string]int64, len(names))
	for _, ns := range names {
		identity := s.limiter.Identity(ns, caller)
		n, err := s.limiter.Counter().Count(r.Context(), identity, ns)
		if err != nil && s.store != nil {
			n, err = s.store.CountSince(r.Context(), ns, identity, ratelimit.StartOfUTCDay(now))
		}
		if err != nil {
			continue
		}
		usage[ns] = n
	}

	writeJSON(w, http.StatusOK, exportResponse{
		UserID: caller.UserID,
		Date:   now.Format(time.DateOnly),
		Usage:  usage,
	})
}

type authRequest struct {
	Email string `json:"email"`
}

// handleAuth accepts a credential flow request once it has passed the
// guards. Credential checks happen in the identity provider behind us.
func (s *Server) handleAuth(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		if !decode(w, r, &req) {
			return
		}
		email := strings.TrimSpace(req.Email)
		if email == "" || len(email) > maxEmailLength {
			writeError(w, r, errors.ErrValidation.WithMessage("a valid email is required"))
			return
		}
		if _, err := mail.ParseAddress(email); err != nil {
			writeError(w, r, errors.ErrValidation.WithMessage("a valid email is required"))
			return
		}
		logging.Debug("Auth request accepted",
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.String("action", action),
		)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// upstreamFailed maps a dependency error to a client error. Provider
// details stay in the logs.
func (s *Server) upstreamFailed(w http.ResponseWriter, r *http.Request, dependency string, err error) {
	if stderrors.Is(err, upstream.ErrEmptyText) {
		writeError(w, r, errors.Wrap(err, errors.ErrValidation).WithMessage("text is required"))
		return
	}

	msg := "Upstream call failed"
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		msg = "Upstream call rejected by open circuit breaker"
	}
	logging.Error(msg,
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.String("dependency", dependency),
		zap.String("breaker_state", s.breakers.Get(dependency).State().String()),
		zap.Error(err),
	)
	writeError(w, r, errors.Wrap(err, errors.ErrUpstreamUnavailable))
}

// decode reads a JSON body into v, writing a validation error on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, r, errors.New(http.StatusRequestEntityTooLarge, errors.KindValidation, "Request body too large"))
			return false
		}
		writeError(w, r, errors.Wrap(err, errors.ErrValidation).WithMessage("invalid JSON body"))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, e *errors.APIError) {
	e.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
