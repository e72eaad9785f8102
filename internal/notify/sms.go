// Package notify sends SMS through an external provider and folds provider
// status webhooks back into delivery records.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"time"
)

// e164 is the accepted recipient format.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether phone is a plausible E.164 number.
func ValidE164(phone string) bool { return e164.MatchString(phone) }

// SendResult is the provider's accept response.
type SendResult struct {
	ProviderMessageID string
	Status            string
}

// ProviderClient submits one SMS. Implementations must not retry; the queue
// owns retry policy.
type ProviderClient interface {
	Send(ctx context.Context, to, message string) (*SendResult, error)
}

// sendTimeout bounds a single provider round trip.
const sendTimeout = 30 * time.Second

// HTTPProvider is a ProviderClient over the provider's REST API.
type HTTPProvider struct {
	baseURL            string
	apiKey             string
	messagingProfileID string
	fromNumber         string
	client             *http.Client
	logger             *log.Logger
}

func NewHTTPProvider(baseURL, apiKey, messagingProfileID, fromNumber string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:            baseURL,
		apiKey:             apiKey,
		messagingProfileID: messagingProfileID,
		fromNumber:         fromNumber,
		client:             &http.Client{Timeout: sendTimeout},
		logger:             log.New(log.Writer(), "[SMS] ", log.LstdFlags),
	}
}

type smsRequest struct {
	From               string `json:"from"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

type smsResponse struct {
	Data struct {
		ID string `json:"id"`
		To []struct {
			Status string `json:"status"`
		} `json:"to"`
	} `json:"data"`
}

// Send performs exactly one attempt against the provider.
func (p *HTTPProvider) Send(ctx context.Context, to, message string) (*SendResult, error) {
	if !ValidE164(to) {
		return nil, fmt.Errorf("invalid E.164 recipient %q", to)
	}
	body, err := json.Marshal(smsRequest{
		From:               p.fromNumber,
		To:                 to,
		Text:               message,
		MessagingProfileID: p.messagingProfileID,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, raw)
	}

	var out smsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode sms response: %w", err)
	}
	status := "queued"
	if len(out.Data.To) > 0 && out.Data.To[0].Status != "" {
		status = out.Data.To[0].Status
	}
	return &SendResult{ProviderMessageID: out.Data.ID, Status: status}, nil
}
