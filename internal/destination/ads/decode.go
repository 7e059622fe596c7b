package ads

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// FailureError is one reconciled error out of a partial-failure detail:
// the provider's code for it, its message, and which operation of the
// batch it belongs to. LocationIndex is -1 when the provider did not say.
type FailureError struct {
	Code          string
	Message       string
	LocationIndex int
}

// FailureDecoder turns one opaque partial-failure detail blob into the
// errors it carries. The decoder is the only place that knows the blob
// format; swapping provider failure shapes means swapping the decoder,
// nothing upstream.
type FailureDecoder interface {
	Decode(detail *anypb.Any) ([]FailureError, error)
}

// StructDecoder reads details re-encoded as google.protobuf.Struct, the
// upload gateway's provider-neutral failure shape:
//
//	{"errors": [{"errorCode": {...}, "message": "...",
//	             "location": {"fieldPathElements": [{"index": 0}]}}]}
//
// Decoding this way needs no provider descriptors.
type StructDecoder struct{}

func (StructDecoder) Decode(detail *anypb.Any) ([]FailureError, error) {
	s := &structpb.Struct{}
	if err := detail.UnmarshalTo(s); err != nil {
		return nil, fmt.Errorf("detail is not a struct payload: %w", err)
	}
	rawErrors, ok := s.AsMap()["errors"].([]any)
	if !ok {
		return nil, fmt.Errorf("detail carries no errors list")
	}

	out := make([]FailureError, 0, len(rawErrors))
	for _, raw := range rawErrors {
		em, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed error entry of type %T", raw)
		}
		msg, _ := em["message"].(string)
		out = append(out, FailureError{
			Code:          renderCode(em["errorCode"]),
			Message:       msg,
			LocationIndex: locationIndex(em["location"]),
		})
	}
	return out, nil
}

// renderCode flattens the provider's error code object, which arrives as a
// single-entry object naming the error enum, e.g.
// {"conversionUploadError": "INVALID_CONVERSION_ACTION"}.
func renderCode(v any) string {
	switch code := v.(type) {
	case nil:
		return "UNKNOWN"
	case string:
		return code
	case map[string]any:
		keys := make([]string, 0, len(code))
		for k := range code {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, code[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(code)
	}
}

// locationIndex digs the first field path element's index out of a
// location object. -1 means the location or its index is absent.
func locationIndex(v any) int {
	loc, ok := v.(map[string]any)
	if !ok {
		return -1
	}
	elems, ok := loc["fieldPathElements"].([]any)
	if !ok || len(elems) == 0 {
		return -1
	}
	first, ok := elems[0].(map[string]any)
	if !ok {
		return -1
	}
	idx, ok := first["index"].(float64)
	if !ok {
		return -1
	}
	return int(idx)
}
