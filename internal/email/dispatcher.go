package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeliveryError is a non-2xx answer from the mail-dispatch endpoint for one
// participant. The coordinator records it per-participant and continues the
// batch — it is never systemic.
type DeliveryError struct {
	StatusCode int
	Reason     string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email: mail endpoint returned %d: %s", e.StatusCode, e.Reason)
}

// httpDispatcher posts to the mail-dispatch endpoint. The endpoint loads the
// template, mints the deep-link token, renders, and relays the message; the
// token comes back in the success body.
type httpDispatcher struct {
	endpointURL string // e.g. "https://api.orbitview.io/api/mail/send"
	httpClient  *http.Client
}

// NewHTTPDispatcher returns a Dispatcher bound to the mail-dispatch endpoint.
func NewHTTPDispatcher(endpointURL string) Dispatcher {
	return &httpDispatcher{
		endpointURL: endpointURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // render + relay can be slow on cold templates
		},
	}
}

func (c *httpDispatcher) Send(ctx context.Context, p SendParams) (SendResult, error) {
	bodyBytes, err := json.Marshal(p)
	if err != nil {
		return SendResult{}, fmt.Errorf("email: marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return SendResult{}, fmt.Errorf("email: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("email: send request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return SendResult{}, fmt.Errorf("email: read send response: %w", err)
	}

	// Failure body is an error description string (possibly a JSON error
	// envelope) — surface it verbatim as the per-participant reason.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, &DeliveryError{
			StatusCode: resp.StatusCode,
			Reason:     string(bytes.TrimSpace(respBytes)),
		}
	}

	var result SendResult
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return SendResult{}, fmt.Errorf("email: unmarshal send response: %w", err)
	}
	if !result.Success {
		return SendResult{}, &DeliveryError{StatusCode: resp.StatusCode, Reason: "endpoint reported success=false"}
	}

	return result, nil
}
