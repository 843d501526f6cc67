// Package health reports readiness from breaker state and dependency probes.
package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is a dependency's state in a report.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Overall report states.
const (
	Healthy  = "healthy"
	Degraded = "degraded"
)

// Probe returns nil when the dependency is reachable.
type Probe func(ctx context.Context) error

// BreakerView exposes breaker state by dependency name.
type BreakerView interface {
	IsOpen(name string) bool
}

type check struct {
	name     string
	critical bool
	probe    Probe
	breaker  bool
}

// Service is one dependency's entry in a detailed report.
type Service struct {
	Status    Status `json:"status"`
	LatencyMs *int64 `json:"latencyMs,omitempty"`
	// Informational services never degrade the overall status.
	Informational bool `json:"informational,omitempty"`
}

// Report is the detailed readiness view.
type Report struct {
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Services  map[string]Service `json:"services"`
}

// Reporter builds readiness reports. Configure it before serving.
type Reporter struct {
	checks     []check
	breakers   BreakerView
	timeout    time.Duration
	adminToken string
	now        func() time.Time
}

// NewReporter creates a reporter. adminToken unlocks the detailed report;
// when empty only the minimal status is ever served.
func NewReporter(breakers BreakerView, adminToken string) *Reporter {
	return &Reporter{
		breakers:   breakers,
		timeout:    5 * time.Second,
		adminToken: adminToken,
		now:        time.Now,
	}
}

// AddProbe registers a probe. A failing critical probe degrades the report.
func (r *Reporter) AddProbe(name string, critical bool, p Probe) {
	r.checks = append(r.checks, check{name: name, critical: critical, probe: p})
}

// AddBreaker reports name as down while its breaker is open.
func (r *Reporter) AddBreaker(name string, critical bool) {
	r.checks = append(r.checks, check{name: name, critical: critical, breaker: true})
}

// Report runs all probes concurrently, each bounded by the reporter timeout.
func (r *Reporter) Report(ctx context.Context) Report {
	var (
		mu       sync.Mutex
		services = make(map[string]Service, len(r.checks))
		degraded bool
	)

	set := func(c check, svc Service) {
		svc.Informational = !c.critical
		mu.Lock()
		services[c.name] = svc
		if c.critical && svc.Status == StatusDown {
			degraded = true
		}
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.checks {
		if c.breaker {
			status := StatusUp
			if r.breakers != nil && r.breakers.IsOpen(c.name) {
				status = StatusDown
			}
			set(c, Service{Status: status})
			continue
		}

		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := c.probe(pctx)
			latency := time.Since(start).Milliseconds()

			svc := Service{Status: StatusUp, LatencyMs: &latency}
			if err != nil {
				svc = Service{Status: StatusDown}
			}
			set(c, svc)
			return nil
		})
	}
	g.Wait()

	status := Healthy
	if degraded {
		status = Degraded
	}
	return Report{Status: status, Timestamp: r.now().UTC(), Services: services}
}

// Handler serves the report: 200 when healthy, 503 when degraded. Callers
// presenting the admin token get the detailed view; everyone else gets
// {"status":"ok"|"degraded"}.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rep := r.Report(req.Context())

		code := http.StatusOK
		if rep.Status != Healthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)

		if r.authorized(req) {
			json.NewEncoder(w).Encode(rep)
			return
		}
		minimal := "ok"
		if rep.Status != Healthy {
			minimal = Degraded
		}
		json.NewEncoder(w).Encode(map[string]string{"status": minimal})
	})
}

func (r *Reporter) authorized(req *http.Request) bool {
	if r.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.adminToken)) == 1
}

// HTTPProbe checks that url answers 2xx. header is added to the request.
func HTTPProbe(client *http.Client, url string, header http.Header) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
}

// StatusError is a probe that got a non-2xx answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "health probe: unexpected status " + http.StatusText(e.Code)
}
