package ga4

import (
	"strings"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// knownFields lists the payload fields the validation endpoint is known to
// reject, in match priority order. Growing the taxonomy means adding a
// name here, nowhere else.
var knownFields = []string{
	"app_instance_id",
	"client_id",
	"user_id",
	"event_name",
	"engagement_time_msec",
	"session_id",
	"timestamp_micros",
	"non_personalized_ads",
}

// classifyMessage matches one validation message against the known field
// set: exact match on the fieldPath leaf first, then substring match on
// the full path and the description. The fieldPath arrives either bare
// ("timestamp_micros") or as a full path ("events[0].params.session_id");
// when it is absent the field name usually appears in the description
// instead. A nil return means the message is not recognized.
func classifyMessage(fieldPath, description string) *domain.EventError {
	leaf := pathLeaf(fieldPath)
	for _, name := range knownFields {
		if leaf == name || strings.Contains(fieldPath, name) || strings.Contains(description, name) {
			detail := description
			if detail == "" {
				detail = fieldPath
			}
			return &domain.EventError{Kind: domain.KindFieldRejected, Field: name, Detail: detail}
		}
	}
	return nil
}

// pathLeaf returns the last dot segment of a field path with any list
// index stripped.
func pathLeaf(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "["); i >= 0 {
		path = path[:i]
	}
	return path
}
