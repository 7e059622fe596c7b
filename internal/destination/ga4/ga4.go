// Package ga4 delivers marketing events to the Google Analytics 4
// Measurement Protocol. Every event is validated individually against the
// debug endpoint before anything reaches the live collect endpoint, because
// the live endpoint accepts malformed payloads silently.
package ga4

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
)

// Type is the registry name for measurement-protocol destinations.
const Type = "ga4mp"

const enforceRecommendations = "ENFORCE_RECOMMENDATIONS"

// Destination sends events to one GA4 stream.
type Destination struct {
	cfg         Config
	raw         json.RawMessage
	stream      *stream
	validateURL string
	postURL     string
	client      *http.Client
	log         *slog.Logger
}

// New builds a Destination from raw config. Variant resolution and
// credential checks happen here, so send paths never revisit them.
func New(raw json.RawMessage) (destination.Destination, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ga4 config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid ga4 config: %w", err)
	}
	s, err := cfg.resolveStream()
	if err != nil {
		return nil, err
	}
	return &Destination{
		cfg:         cfg,
		raw:         raw,
		stream:      s,
		validateURL: cfg.apiURL(s, true),
		postURL:     cfg.apiURL(s, false),
		client: &http.Client{
			Timeout: cfg.timeout(),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: slog.Default(),
	}, nil
}

func (d *Destination) Type() string { return Type }

func (d *Destination) Config() json.RawMessage { return d.raw }

// Fields returns the source columns a stream of this variant consumes.
func (d *Destination) Fields() []string {
	return []string{d.stream.identityField, "user_id", "event_name", "engagement_time_msec", "session_id"}
}

// SendEvents validates every event against the debug endpoint and posts
// the valid ones to the live endpoint. Dry runs stop after validation.
func (d *Destination) SendEvents(ctx context.Context, events []domain.Event, opts destination.SendOptions) ([]domain.ValidationOutcome, error) {
	outcomes, err := d.validateEvents(ctx, events)
	if err != nil {
		return outcomes, err
	}
	if opts.DryRun {
		return outcomes, nil
	}
	if err := d.postValid(ctx, outcomes); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// validateEvents runs per-event validation calls on a bounded pool. Each
// call writes into the slot of its event's index, so the reported sequence
// matches the input order no matter how calls interleave. On cancellation
// the completed slots come back with ctx's error.
func (d *Destination) validateEvents(ctx context.Context, events []domain.Event) ([]domain.ValidationOutcome, error) {
	slots := make([]*domain.ValidationOutcome, len(events))
	runPool(ctx, d.cfg.concurrency(), len(events), func(i int) {
		o := d.validateOne(ctx, i, events[i])
		slots[i] = &o
	})

	outcomes := make([]domain.ValidationOutcome, 0, len(events))
	for _, s := range slots {
		if s != nil {
			outcomes = append(outcomes, *s)
		}
	}
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (d *Destination) validateOne(ctx context.Context, i int, e domain.Event) domain.ValidationOutcome {
	payload := d.buildPayload(e)
	payload["validationBehavior"] = enforceRecommendations

	status, body, err := d.post(ctx, d.validateURL, payload)
	if err != nil {
		return domain.Invalid(i, e, &domain.EventError{Kind: domain.KindTransportError, Detail: err.Error()})
	}
	if verr := d.classifyValidation(status, body); verr != nil {
		return domain.Invalid(i, e, verr)
	}
	return domain.Valid(i, e)
}

// postValid posts accepted events to the live endpoint on the same pool.
// Slots only ever move from valid to invalid, never the other way, so
// indices stay put.
func (d *Destination) postValid(ctx context.Context, outcomes []domain.ValidationOutcome) error {
	var targets []int
	for i, o := range outcomes {
		if o.OK() {
			targets = append(targets, i)
		}
	}
	runPool(ctx, d.cfg.concurrency(), len(targets), func(k int) {
		o := &outcomes[targets[k]]
		status, _, err := d.post(ctx, d.postURL, d.buildPayload(o.Event))
		if err != nil {
			o.Err = &domain.EventError{Kind: domain.KindTransportError, Detail: err.Error()}
			return
		}
		if serr := classifySendStatus(status); serr != nil {
			o.Err = serr
		}
	})
	return ctx.Err()
}

// buildPayload assembles the measurement payload for one event. The caller
// adds the validation behavior flag for debug requests; the live payload
// must not carry it.
func (d *Destination) buildPayload(e domain.Event) map[string]any {
	payload := map[string]any{
		d.stream.identityField: e.GetString(d.stream.identityField),
		"user_id":              e.GetString("user_id"),
		"non_personalized_ads": d.cfg.NonPersonalizedAds,
	}
	if len(d.cfg.UserProperties) > 0 {
		payload["user_properties"] = d.cfg.UserProperties
	}
	engagement, _ := e.Get("engagement_time_msec")
	session, _ := e.Get("session_id")
	payload["events"] = []map[string]any{{
		"name": e.GetString("event_name"),
		"params": map[string]any{
			"engagement_time_msec": engagement,
			"session_id":           session,
		},
	}}
	return payload
}

func (d *Destination) post(ctx context.Context, url string, payload map[string]any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

type validationMessage struct {
	FieldPath      string `json:"fieldPath"`
	Description    string `json:"description"`
	ValidationCode string `json:"validationCode"`
}

type validationResponse struct {
	ValidationMessages []validationMessage `json:"validationMessages"`
}

// classifyValidation interprets a validation response. A nil return means
// the payload was accepted.
func (d *Destination) classifyValidation(status int, body []byte) *domain.EventError {
	if status >= http.StatusInternalServerError {
		return &domain.EventError{Kind: domain.KindServerError, Detail: fmt.Sprintf("validation endpoint returned %d", status)}
	}
	if status != http.StatusOK {
		return &domain.EventError{Kind: domain.KindSendRejected, Detail: fmt.Sprintf("validation endpoint returned %d", status)}
	}

	var result validationResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return &domain.EventError{Kind: domain.KindServerError, Detail: "unreadable validation response"}
	}

	// Messages only appear when something is wrong with the payload, and
	// the endpoint returns at most one meaningful message per payload.
	if len(result.ValidationMessages) == 0 {
		return nil
	}
	m := result.ValidationMessages[0]
	if verr := classifyMessage(m.FieldPath, m.Description); verr != nil {
		return verr
	}
	d.log.Error("Unrecognized validation message", "field_path", m.FieldPath, "description", m.Description)
	return &domain.EventError{
		Kind:   domain.KindUnclassified,
		Detail: fmt.Sprintf("fieldPath: %s, description: %s", m.FieldPath, m.Description),
	}
}

func classifySendStatus(status int) *domain.EventError {
	switch {
	case status >= http.StatusInternalServerError:
		return &domain.EventError{Kind: domain.KindServerError, Detail: fmt.Sprintf("collect endpoint returned %d", status)}
	case status >= http.StatusMultipleChoices:
		return &domain.EventError{Kind: domain.KindSendRejected, Detail: fmt.Sprintf("collect endpoint returned %d", status)}
	default:
		return nil
	}
}

// runPool invokes fn for indices [0, n) on at most limit goroutines.
// Dispatch stops once ctx is cancelled; already started calls finish.
func runPool(ctx context.Context, limit, n int, fn func(i int)) {
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
