package ads

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
)

// =============================================================================
// Mock Transport
// =============================================================================

type fakeTransport struct {
	resp *MutateResponse
	err  error
	got  *MutateRequest
}

func (f *fakeTransport) Mutate(ctx context.Context, req *MutateRequest) (*MutateResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testDestination(tr MutateTransport) *Destination {
	cfg := Config{
		Endpoint:        "http://gateway.local",
		ClientID:        "id",
		ClientSecret:    "secret",
		DeveloperToken:  "token",
		LoginCustomerID: "123",
		RefreshToken:    "refresh",
	}
	raw, _ := json.Marshal(cfg)
	return &Destination{cfg: cfg, raw: raw, transport: tr, decoder: StructDecoder{}, log: slog.Default()}
}

func adsEvents(n int) []domain.Event {
	fields := []string{"email", "phone_number", "user_id"}
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = domain.NewEvent(fields, []any{fmt.Sprintf("user%d@example.com", i), "", fmt.Sprintf("u%d", i)})
	}
	return events
}

// =============================================================================
// Destination Tests
// =============================================================================

func TestSendEvents_AllDelivered(t *testing.T) {
	tr := &fakeTransport{resp: &MutateResponse{Received: 3}}
	d := testDestination(tr)

	outcomes, err := d.SendEvents(context.Background(), adsEvents(3), destination.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if !o.OK() {
			t.Errorf("outcome %d should be valid, got %v", i, o.Err)
		}
	}

	op := tr.got.Operations[0]
	if op.HashedEmail != NormalizeAndHashEmail("user0@example.com") {
		t.Error("emails must be normalized and hashed before upload")
	}
	if strings.Contains(op.HashedEmail, "@") {
		t.Error("raw identifiers must never leave the process")
	}
	if !tr.got.PartialFailure {
		t.Error("uploads must always request partial-failure reporting")
	}
}

func TestSendEvents_PartialFailuresMapped(t *testing.T) {
	st := &statuspb.Status{
		Code:    int32(codes.InvalidArgument),
		Details: []*anypb.Any{failureDetail(t, adsError("UPLOAD_A", "bad record", 1))},
	}
	tr := &fakeTransport{resp: &MutateResponse{Received: 3, PartialFailure: st}}
	d := testDestination(tr)

	outcomes, err := d.SendEvents(context.Background(), adsEvents(3), destination.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].OK() || !outcomes[2].OK() {
		t.Error("untouched operations must stay valid")
	}
	e := outcomes[1].Err
	if e == nil || e.Kind != domain.KindSendRejected {
		t.Fatalf("expected a send rejection at index 1, got %v", e)
	}
	if !strings.Contains(e.Detail, "bad record") {
		t.Errorf("rejection should carry the provider message, got %q", e.Detail)
	}
}

func TestSendEvents_GatewayRefusalClassifies(t *testing.T) {
	cases := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusServiceUnavailable, domain.KindServerError},
		{http.StatusBadRequest, domain.KindSendRejected},
	}
	for _, c := range cases {
		tr := &fakeTransport{err: &GatewayError{Status: c.status, Body: "no"}}
		d := testDestination(tr)

		outcomes, err := d.SendEvents(context.Background(), adsEvents(2), destination.SendOptions{})
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", c.status, err)
		}
		for _, o := range outcomes {
			if o.Err == nil || o.Err.Kind != c.want {
				t.Errorf("status %d: expected %s on every event, got %v", c.status, c.want, o.Err)
			}
		}
	}
}

func TestSendEvents_TransportErrorFailsAllRetriable(t *testing.T) {
	tr := &fakeTransport{err: errors.New("dial tcp: connection refused")}
	d := testDestination(tr)

	outcomes, err := d.SendEvents(context.Background(), adsEvents(2), destination.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, o := range outcomes {
		if o.Err == nil || o.Err.Kind != domain.KindTransportError {
			t.Errorf("expected transport errors, got %v", o.Err)
		}
		if !o.Err.Retriable() {
			t.Error("transport failures must be retriable")
		}
	}
}

func TestSendEvents_MalformedStatusIsFatal(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("%w: junk bytes", ErrMalformedResponse)}
	d := testDestination(tr)

	outcomes, err := d.SendEvents(context.Background(), adsEvents(2), destination.SendOptions{})
	if outcomes != nil {
		t.Error("a malformed status yields no per-event outcomes")
	}
	wantDecodeFault(t, err)
}

func TestSendEvents_DryRunValidatesOnly(t *testing.T) {
	tr := &fakeTransport{resp: &MutateResponse{Received: 2}}
	d := testDestination(tr)

	if _, err := d.SendEvents(context.Background(), adsEvents(2), destination.SendOptions{DryRun: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.got.ValidateOnly {
		t.Error("dry runs must flag validate_only on the request")
	}
}

func TestConfig_ValidateListsEveryMissingField(t *testing.T) {
	cfg := Config{Endpoint: "http://gateway.local", ClientID: "present"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	for _, want := range []string{"client_secret", "developer_token", "login_customer_id", "refresh_token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should name %s, got %q", want, err.Error())
		}
	}
	if strings.Contains(err.Error(), "client_id") {
		t.Error("present fields must not be reported missing")
	}
}

// =============================================================================
// HTTP Transport Tests
// =============================================================================

func TestHTTPTransport_RoundTrip(t *testing.T) {
	st := &statuspb.Status{
		Code:    int32(codes.InvalidArgument),
		Details: []*anypb.Any{failureDetail(t, adsError("UPLOAD_A", "msgA", 0))},
	}
	encoded, err := proto.Marshal(st)
	if err != nil {
		t.Fatalf("failed to marshal status: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req MutateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("unreadable request: %v", err)
		}
		if len(req.Operations) != 2 {
			t.Errorf("expected 2 operations, got %d", len(req.Operations))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"received":        2,
			"partial_failure": base64.StdEncoding.EncodeToString(encoded),
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, defaultTimeout)
	resp, err := tr.Mutate(context.Background(), &MutateRequest{
		CustomerID:     "123",
		Operations:     []UserDataOperation{{UserID: "a"}, {UserID: "b"}},
		PartialFailure: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Received != 2 {
		t.Errorf("expected 2 received, got %d", resp.Received)
	}
	if resp.PartialFailure == nil || resp.PartialFailure.GetCode() != int32(codes.InvalidArgument) {
		t.Fatalf("partial failure did not survive the wire: %v", resp.PartialFailure)
	}

	failures, err := ResolvePartialFailure(resp.PartialFailure, StructDecoder{}, 2)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if !strings.Contains(failures[0], "msgA") {
		t.Errorf("expected msgA at index 0, got %v", failures)
	}
}

func TestHTTPTransport_NonOKIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, defaultTimeout)
	_, err := tr.Mutate(context.Background(), &MutateRequest{})
	var gw *GatewayError
	if !errors.As(err, &gw) || gw.Status != http.StatusTooManyRequests {
		t.Fatalf("expected a gateway error, got %v", err)
	}
}

func TestHTTPTransport_BadPayloadIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"received": 1, "partial_failure": "not-base64!"}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, defaultTimeout)
	_, err := tr.Mutate(context.Background(), &MutateRequest{})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected a malformed-response error, got %v", err)
	}
}
