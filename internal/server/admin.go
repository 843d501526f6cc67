package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/errors"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/middleware"
	"github.com/bossbrainz/guardrail/internal/store"
	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	defaultTopUsers = 10
	maxTopUsers     = 100
)

type rateLimitCount struct {
	Namespace string `json:"namespace"`
	Identity  string `json:"identity"`
	Count     int64  `json:"count"`
}

// rateLimitTarget resolves the :namespace and :identity parameters,
// writing 404 for an unknown namespace.
func (s *Server) rateLimitTarget(w http.ResponseWriter, r *http.Request) (ns, identity string, ok bool) {
	params := httprouter.ParamsFromContext(r.Context())
	ns, identity = params.ByName("namespace"), params.ByName("identity")
	if _, known := s.cfg.RateLimit.Namespaces[ns]; !known || identity == "" {
		writeError(w, r, errors.ErrNotFound)
		return "", "", false
	}
	return ns, identity, true
}

func (s *Server) handleRateLimitCount(w http.ResponseWriter, r *http.Request) {
	ns, identity, ok := s.rateLimitTarget(w, r)
	if !ok {
		return
	}
	n, err := s.limiter.Counter().Count(r.Context(), identity, ns)
	if err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrUpstreamUnavailable).WithMessage("Rate limit store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, rateLimitCount{Namespace: ns, Identity: identity, Count: n})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	ns, identity, ok := s.rateLimitTarget(w, r)
	if !ok {
		return
	}
	if err := s.limiter.Counter().Reset(r.Context(), identity, ns); err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrUpstreamUnavailable).WithMessage("Rate limit store unavailable"))
		return
	}
	logging.Info("Rate limit counter reset",
		zap.String("request_id", middleware.GetRequestID(r)),
		zap.String("namespace", ns),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

type costReport struct {
	Date     string           `json:"date"`
	Total    store.DailyCost  `json:"total"`
	TopUsers []store.UserCost `json:"top_users"`
}

// handleCosts reports spend for ?date=YYYY-MM-DD (default today, UTC) with
// the top ?limit= users.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, errors.ErrUpstreamUnavailable.WithMessage("Cost ledger unavailable"))
		return
	}

	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, r, errors.ErrValidation.WithMessage("date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}
	limit := uint(defaultTopUsers)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 || n > maxTopUsers {
			writeError(w, r, errors.ErrValidation.WithMessage("limit must be between 1 and 100"))
			return
		}
		limit = uint(n)
	}

	total, err := s.store.DailyAICostTotal(r.Context(), day)
	if err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrInfrastructure))
		return
	}
	top, err := s.store.TopUserCosts(r.Context(), day, limit)
	if err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrInfrastructure))
		return
	}
	if top == nil {
		top = []store.UserCost{}
	}

	writeJSON(w, http.StatusOK, costReport{
		Date:     day.Format(time.DateOnly),
		Total:    total,
		TopUsers: top,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Stats())
}

// handleConfig serves the effective configuration as YAML with secrets
// redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	red, err := config.RedactConfig(s.cfg)
	if err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrInfrastructure))
		return
	}
	data, err := yaml.Marshal(red)
	if err != nil {
		writeError(w, r, errors.Wrap(err, errors.ErrInfrastructure))
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

func (s *Server) handleCSRFStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.guard.Status())
}
