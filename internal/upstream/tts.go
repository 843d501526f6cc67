package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/circuitbreaker"
	"github.com/tidwall/sjson"
)

// MaxSpeechChars caps the text sent for synthesis.
const MaxSpeechChars = 5000

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("upstream: no text to synthesize")

// VoiceSettings tunes the synthesized voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings are used when a request does not set its own.
var DefaultVoiceSettings = VoiceSettings{
	Stability:       0.5,
	SimilarityBoost: 0.75,
	UseSpeakerBoost: true,
}

// Audio is a synthesized clip.
type Audio struct {
	ContentType string
	Data        []byte
}

// TTSClient calls the ElevenLabs text-to-speech API.
type TTSClient struct {
	cfg     config.UpstreamConfig
	breaker *circuitbreaker.Breaker
	client  *http.Client
}

// NewTTSClient creates a client. A nil client uses http.DefaultClient.
func NewTTSClient(cfg config.UpstreamConfig, breaker *circuitbreaker.Breaker, client *http.Client) *TTSClient {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &TTSClient{cfg: cfg, breaker: breaker, client: client}
}

// Synthesize converts text to speech with voiceID, or the configured voice
// when voiceID is empty.
func (c *TTSClient) Synthesize(ctx context.Context, text, voiceID string, settings *VoiceSettings) (*Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if r := []rune(text); len(r) > MaxSpeechChars {
		text = string(r[:MaxSpeechChars])
	}
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}
	if settings == nil {
		settings = &DefaultVoiceSettings
	}

	body, err := sjson.SetBytes([]byte(`{}`), "text", text)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "model_id", c.cfg.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "voice_settings", settings); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.URL, "/") + "/" + voiceID + "/stream"
	resp, err := circuitbreaker.DoHTTP(ctx, c.breaker, c.client, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "audio/mpeg")
		r.Header.Set("xi-api-key", c.cfg.APIKey)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return &Audio{ContentType: ct, Data: resp.Body}, nil
}
