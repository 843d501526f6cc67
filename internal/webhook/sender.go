package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/cenkalti/backoff/v4"
)

// Delivery headers. The signature covers "<timestamp>.<body>" so a
// receiver can reject replays by checking the timestamp.
const (
	HeaderEvent     = "X-Guardrail-Event"
	HeaderTimestamp = "X-Guardrail-Timestamp"
	HeaderSignature = "X-Guardrail-Signature"
)

// post makes one delivery attempt. 4xx other than 429 is permanent.
func (d *Dispatcher) post(ep config.AlertEndpoint, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode event: %w", err))
	}
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, ts)
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(ep.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("receiver returned %d", resp.StatusCode)
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature, with or without its "sha256=" prefix,
// matches body.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}
