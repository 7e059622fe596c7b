package ads

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
)

// UserDataOperation is one upload operation: the hashed identifiers of a
// single customer record.
type UserDataOperation struct {
	HashedEmail string `json:"hashed_email,omitempty"`
	HashedPhone string `json:"hashed_phone,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// MutateRequest carries one batch of operations. PartialFailure asks the
// provider to report per-operation errors instead of refusing the batch.
type MutateRequest struct {
	CustomerID     string              `json:"customer_id"`
	Operations     []UserDataOperation `json:"operations"`
	PartialFailure bool                `json:"partial_failure"`
	ValidateOnly   bool                `json:"validate_only,omitempty"`
}

// MutateResponse is the provider's answer: how many operations it took in,
// plus the partial-failure status when any of them failed.
type MutateResponse struct {
	Received       int
	PartialFailure *statuspb.Status
}

// MutateTransport submits user-data batches. The live implementation talks
// to the upload gateway; tests substitute their own.
type MutateTransport interface {
	Mutate(ctx context.Context, req *MutateRequest) (*MutateResponse, error)
}

// GatewayError is a non-200 answer from the upload gateway.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Body)
}

// ErrMalformedResponse wraps gateway answers that passed at the HTTP level
// but not at the payload level.
var ErrMalformedResponse = errors.New("malformed gateway response")

// HTTPTransport posts batches to the upload gateway as JSON. The gateway
// hands the partial-failure status back as a base64 google.rpc.Status
// proto so none of its detail payloads are lost to JSON re-encoding.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Mutate(ctx context.Context, mreq *MutateRequest) (*MutateResponse, error) {
	data, err := json.Marshal(mreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutate call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var wire struct {
		Received       int    `json:"received"`
		PartialFailure string `json:"partial_failure,omitempty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := &MutateResponse{Received: wire.Received}
	if wire.PartialFailure != "" {
		raw, err := base64.StdEncoding.DecodeString(wire.PartialFailure)
		if err != nil {
			return nil, fmt.Errorf("%w: partial failure is not base64: %v", ErrMalformedResponse, err)
		}
		st := &statuspb.Status{}
		if err := proto.Unmarshal(raw, st); err != nil {
			return nil, fmt.Errorf("%w: partial failure is not a status proto: %v", ErrMalformedResponse, err)
		}
		out.PartialFailure = st
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
