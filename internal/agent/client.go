package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to the external monitoring agent: submit a prompt, poll the
// returned task until terminal, parse the payload. One call = one agent run;
// the orchestrator never retries the agent within an execution.
type Client struct {
	freeURL string
	paidURL string
	http    *http.Client
	log     *slog.Logger

	deadline     time.Duration
	pollInterval time.Duration
}

type Config struct {
	FreeURL      string
	PaidURL      string
	Deadline     time.Duration // default 5m
	PollInterval time.Duration // default 1s
}

// transient poll failures tolerated before the call is abandoned
const maxPollFailures = 3

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Client{
		freeURL:      cfg.FreeURL,
		paidURL:      cfg.PaidURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		log:          log,
		deadline:     cfg.Deadline,
		pollInterval: cfg.PollInterval,
	}
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type pollResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Run submits the prompt and polls until the agent finishes or the deadline
// passes. A 429 on submit triggers a single failover to the paid tier.
func (c *Client) Run(ctx context.Context, prompt string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	base := c.freeURL

	taskID, err := c.submit(ctx, base, prompt)

	if err != nil {
		var aerr *Error
		if errors.As(err, &aerr) && aerr.Kind == KindRateLimited && c.paidURL != "" {
			c.log.WarnContext(ctx, "agent free tier rate limited, retrying on paid tier")
			base = c.paidURL
			taskID, err = c.submit(ctx, base, prompt)
		}
	}

	if err != nil {
		return Response{}, err
	}

	return c.poll(ctx, base, taskID)
}

func (c *Client) submit(ctx context.Context, base, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", newError(KindProtocol, 0, "encode submit body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/monitor", bytes.NewReader(body))
	if err != nil {
		return "", newError(KindUnavailable, 0, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)

	if err != nil {
		if ctx.Err() != nil {
			return "", newError(KindTimeout, 0, "agent deadline exceeded during submit", ctx.Err())
		}
		return "", newError(KindUnavailable, 0, "agent unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", newError(KindRateLimited, resp.StatusCode, "agent rate limited", nil)
	case resp.StatusCode >= 500:
		return "", newError(KindUnavailable, resp.StatusCode, "agent submit failed", nil)
	case resp.StatusCode >= 400:
		return "", newError(KindProtocol, resp.StatusCode, "agent rejected submit: "+string(raw), nil)
	}

	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil || sr.TaskID == "" {
		return "", newError(KindProtocol, resp.StatusCode, "agent submit response missing task_id", err)
	}

	return sr.TaskID, nil
}

func (c *Client) poll(ctx context.Context, base, taskID string) (Response, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return Response{}, newError(KindTimeout, 0, "agent deadline exceeded while polling", ctx.Err())
		case <-ticker.C:
		}

		pr, status, err := c.pollOnce(ctx, base, taskID)

		if err != nil {
			if ctx.Err() != nil {
				return Response{}, newError(KindTimeout, 0, "agent deadline exceeded while polling", ctx.Err())
			}
			// 429 during polling propagates without tier failover
			if status == http.StatusTooManyRequests {
				return Response{}, newError(KindRateLimited, status, "agent rate limited while polling", nil)
			}
			if status != 0 && status < 500 {
				return Response{}, err
			}

			failures++
			if failures >= maxPollFailures {
				return Response{}, newError(KindUnavailable, status, fmt.Sprintf("agent poll failed %d times", failures), err)
			}
			continue
		}

		failures = 0

		switch pr.Status {
		case "completed":
			return ParseResponse(pr.Result)
		case "failed":
			return Response{}, newError(KindUnavailable, 0, "agent task failed: "+pr.Error, nil)
		default:
			// pending / running: keep polling
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, base, taskID string) (pollResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/monitor/"+taskID, nil)
	if err != nil {
		return pollResponse{}, 0, newError(KindUnavailable, 0, "build poll request", err)
	}

	resp, err := c.http.Do(req)

	if err != nil {
		return pollResponse{}, 0, newError(KindUnavailable, 0, "agent poll request failed", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode != http.StatusOK {
		return pollResponse{}, resp.StatusCode, newError(KindProtocol, resp.StatusCode, "agent poll returned "+resp.Status, nil)
	}

	var pr pollResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return pollResponse{}, resp.StatusCode, newError(KindProtocol, resp.StatusCode, "malformed poll response", err)
	}

	return pr, resp.StatusCode, nil
}
