package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is the external email provider: a fire-and-forget trigger RPC.
// The dispatcher treats it as a black box and only keeps the transaction id.
type Provider interface {
	Trigger(ctx context.Context, workflowID, recipient string, payload map[string]any) (transactionID string, err error)
}

// workflow ids known to the provider
const (
	WorkflowConditionMet = "task-condition-met"
	WorkflowWelcome      = "welcome"
	WorkflowVerifyEmail  = "verify-email"
)

// HTTPProvider implements Provider over the provider's JSON trigger endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type triggerRequest struct {
	Name    string         `json:"name"`
	To      triggerTarget  `json:"to"`
	Payload map[string]any `json:"payload"`
}

type triggerTarget struct {
	SubscriberID string `json:"subscriberId"`
	Email        string `json:"email"`
}

type triggerResponse struct {
	Data struct {
		TransactionID string `json:"transactionId"`
	} `json:"data"`
}

func (p *HTTPProvider) Trigger(ctx context.Context, workflowID, recipient string, payload map[string]any) (string, error) {
	body, err := json.Marshal(triggerRequest{
		Name:    workflowID,
		To:      triggerTarget{SubscriberID: recipient, Email: recipient},
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/events/trigger", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "ApiKey "+p.apiKey)

	resp, err := p.http.Do(req)

	if err != nil {
		return "", fmt.Errorf("email provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("email provider returned %s: %s", resp.Status, string(raw))
	}

	var tr triggerResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		// provider answered 2xx; a missing transaction id is not worth failing over
		return "", nil
	}

	return tr.Data.TransactionID, nil
}
