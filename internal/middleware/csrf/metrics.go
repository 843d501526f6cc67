package csrf

import "sync/atomic"

// CSRFMetrics tracks CSRF check outcomes using atomic counters.
type CSRFMetrics struct {
	TotalChecks      atomic.Int64
	TokenGenerated   atomic.Int64
	Accepted         atomic.Int64
	Rejected         atomic.Int64
	MissingToken     atomic.Int64
	Mismatch         atomic.Int64
	InvalidSignature atomic.Int64
}

func (m *CSRFMetrics) record(reason string) {
	m.Rejected.Add(1)
	switch reason {
	case ReasonCookieMissing, ReasonHeaderMissing:
		m.MissingToken.Add(1)
	case ReasonLengthMismatch, ReasonTokenMismatch:
		m.Mismatch.Add(1)
	case ReasonInvalidSignature:
		m.InvalidSignature.Add(1)
	}
}

// CSRFStatus is the admin representation of the guard's state.
type CSRFStatus struct {
	CookieName       string `json:"cookie_name"`
	HeaderName       string `json:"header_name"`
	ShadowMode       bool   `json:"shadow_mode"`
	TotalChecks      int64  `json:"total_checks"`
	TokenGenerated   int64  `json:"token_generated"`
	Accepted         int64  `json:"accepted"`
	Rejected         int64  `json:"rejected"`
	MissingToken     int64  `json:"missing_token"`
	Mismatch         int64  `json:"mismatch"`
	InvalidSignature int64  `json:"invalid_signature"`
}
