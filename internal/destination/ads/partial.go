package ads

import (
	"fmt"
	"strings"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// PartialFailureMap maps the index of each failed operation in a submitted
// batch to its accumulated error text. Indices absent from the map
// succeeded. The map is read-only once resolved.
type PartialFailureMap map[int]string

// ResolvePartialFailure reconciles a batch response's status into
// per-operation failures.
//
// A nil status or code zero means every operation succeeded. Each detail
// blob decodes into errors that are pinned to an operation index; several
// errors for the same operation accumulate rather than overwrite. An error
// the resolver cannot pin to an index inside the submitted range makes the
// whole batch unresolvable: guessing an index would reconcile some other
// operation's failure against the wrong event.
func ResolvePartialFailure(st *statuspb.Status, dec FailureDecoder, batchSize int) (PartialFailureMap, error) {
	if st == nil || st.GetCode() == 0 {
		return PartialFailureMap{}, nil
	}

	acc := make(map[int][]string)
	for i, detail := range st.GetDetails() {
		failures, err := dec.Decode(detail)
		if err != nil {
			return nil, decodeFault(fmt.Sprintf("detail %d: %v", i, err))
		}
		for _, fe := range failures {
			if fe.LocationIndex < 0 {
				return nil, decodeFault(fmt.Sprintf("detail %d: error %q has no operation index", i, fe.Message))
			}
			if fe.LocationIndex >= batchSize {
				return nil, decodeFault(fmt.Sprintf("detail %d: operation index %d outside batch of %d", i, fe.LocationIndex, batchSize))
			}
			acc[fe.LocationIndex] = append(acc[fe.LocationIndex],
				fmt.Sprintf("Code: %s, Error: %s", fe.Code, fe.Message))
		}
	}

	out := make(PartialFailureMap, len(acc))
	for idx, msgs := range acc {
		out[idx] = strings.Join(msgs, "; ")
	}
	return out, nil
}

func decodeFault(detail string) *domain.EventError {
	return &domain.EventError{Kind: domain.KindDecodeFault, Detail: detail}
}
