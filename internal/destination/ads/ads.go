// Package ads delivers customer records to the ads user-data upload
// gateway in batches and reconciles partial failures back to the
// operations that caused them.
package ads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
)

// Type is the registry name for user-data upload destinations.
const Type = "ads_user_data"

// Destination uploads one batch of user-data operations per send.
type Destination struct {
	cfg       Config
	raw       json.RawMessage
	transport MutateTransport
	decoder   FailureDecoder
	log       *slog.Logger
}

// New builds a Destination from raw config with the HTTP gateway transport
// and the struct decoder.
func New(raw json.RawMessage) (destination.Destination, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ads config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ads config: %w", err)
	}
	return &Destination{
		cfg:       cfg,
		raw:       raw,
		transport: NewHTTPTransport(cfg.Endpoint, cfg.timeout()),
		decoder:   StructDecoder{},
		log:       slog.Default(),
	}, nil
}

func (d *Destination) Type() string { return Type }

func (d *Destination) Config() json.RawMessage { return d.raw }

func (d *Destination) Fields() []string {
	return []string{"email", "phone_number", "user_id"}
}

// SendEvents submits the whole batch in one mutate call and maps the
// partial-failure status back onto event indices. A batch-level refusal
// fails every event with the same classification; a structurally
// malformed status fails the call itself.
func (d *Destination) SendEvents(ctx context.Context, events []domain.Event, opts destination.SendOptions) ([]domain.ValidationOutcome, error) {
	req := &MutateRequest{
		CustomerID:     d.cfg.LoginCustomerID,
		Operations:     make([]UserDataOperation, 0, len(events)),
		PartialFailure: true,
		ValidateOnly:   opts.DryRun,
	}
	for _, e := range events {
		req.Operations = append(req.Operations, operationFor(e))
	}

	resp, err := d.transport.Mutate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var gw *GatewayError
		switch {
		case errors.Is(err, ErrMalformedResponse):
			return nil, decodeFault(err.Error())
		case errors.As(err, &gw):
			kind := domain.KindSendRejected
			if gw.Status >= http.StatusInternalServerError {
				kind = domain.KindServerError
			}
			return failAll(events, kind, err.Error()), nil
		default:
			return failAll(events, domain.KindTransportError, err.Error()), nil
		}
	}

	failures, ferr := ResolvePartialFailure(resp.PartialFailure, d.decoder, len(events))
	if ferr != nil {
		return nil, ferr
	}
	if st := resp.PartialFailure; st != nil && st.GetCode() != 0 {
		d.log.Warn("Batch returned partial failures",
			"code", codes.Code(st.GetCode()).String(),
			"failed", len(failures),
			"batch", len(events))
	}

	outcomes := make([]domain.ValidationOutcome, 0, len(events))
	for i, e := range events {
		if msg, failed := failures[i]; failed {
			outcomes = append(outcomes, domain.Invalid(i, e, &domain.EventError{Kind: domain.KindSendRejected, Detail: msg}))
		} else {
			outcomes = append(outcomes, domain.Valid(i, e))
		}
	}
	return outcomes, nil
}

func operationFor(e domain.Event) UserDataOperation {
	op := UserDataOperation{UserID: e.GetString("user_id")}
	if email := e.GetString("email"); email != "" {
		op.HashedEmail = NormalizeAndHashEmail(email)
	}
	if phone := e.GetString("phone_number"); phone != "" {
		op.HashedPhone = NormalizeAndHash(phone)
	}
	return op
}

func failAll(events []domain.Event, kind domain.ErrorKind, detail string) []domain.ValidationOutcome {
	outcomes := make([]domain.ValidationOutcome, 0, len(events))
	for i, e := range events {
		outcomes = append(outcomes, domain.Invalid(i, e, &domain.EventError{Kind: kind, Detail: detail}))
	}
	return outcomes
}
