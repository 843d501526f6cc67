package webhook

import "time"

// Stats is the admin view of the dispatcher.
type Stats struct {
	QueueSize int             `json:"queue_size"`
	QueueUsed int             `json:"queue_used"`
	Emitted   int64           `json:"emitted"`
	Dropped   int64           `json:"dropped"`
	Endpoints []EndpointStats `json:"endpoints"`
	Recent    []Event         `json:"recent_events"`
}

// EndpointStats counts deliveries to one receiver.
type EndpointStats struct {
	ID           string    `json:"id"`
	Delivered    int64     `json:"delivered"`
	Failed       int64     `json:"failed"`
	Retries      int64     `json:"retries"`
	LastError    string    `json:"last_error,omitempty"`
	LastDelivery time.Time `json:"last_delivery,omitzero"`
}

// Endpoint returns the stats for the receiver with the given ID.
func (s Stats) Endpoint(id string) (EndpointStats, bool) {
	for _, ep := range s.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return EndpointStats{}, false
}
