package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind tags every frame exchanged with clients.
type Kind string

const (
	KindPing            Kind = "ping"
	KindPong            Kind = "pong"
	KindSubscribe       Kind = "subscribe"
	KindSubscribed      Kind = "subscribed"
	KindConnected       Kind = "connected"
	KindNotification    Kind = "notification"
	KindSessionComplete Kind = "session_complete"
	KindDiscrepancies   Kind = "discrepancies"
	KindError           Kind = "error"
)

// ErrValidation marks an inbound frame the hub refused. The connection stays
// open; the client gets an error frame.
var ErrValidation = errors.New("invalid message")

// Event is one outbound frame. JobID scopes delivery; nil goes to everyone.
type Event struct {
	Type  Kind   `json:"type"`
	JobID *int64 `json:"job_id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Type   Kind            `json:"type"`
	JobIDs json.RawMessage `json:"job_ids,omitempty"`
}

type connectedData struct {
	ConnectionID string `json:"connection_id"`
}

type subscribedData struct {
	JobIDs []int64 `json:"job_ids"`
}

type errorData struct {
	Message string `json:"message"`
}

func decodeInbound(msg string) (inbound, error) {
	var in inbound
	if err := json.Unmarshal([]byte(msg), &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch in.Type {
	case KindPing, KindPong, KindSubscribe:
		return in, nil
	case "":
		return in, fmt.Errorf("%w: missing type", ErrValidation)
	default:
		return in, fmt.Errorf("%w: unknown type %q", ErrValidation, in.Type)
	}
}

// parseJobIDs keeps the positive integer entries of raw, deduplicated in
// order and truncated to max. A non-array payload, or a non-empty array with
// no valid entry, is rejected. An empty array clears the filter.
func parseJobIDs(raw json.RawMessage, max int) ([]int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var vals []any
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, fmt.Errorf("%w: job_ids must be an array", ErrValidation)
	}
	seen := make(map[int64]bool, len(vals))
	ids := make([]int64, 0, min(len(vals), max))
	for _, v := range vals {
		f, ok := v.(float64)
		if !ok || f <= 0 || f != math.Trunc(f) || f > math.MaxInt64/2 {
			continue
		}
		id := int64(f)
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if len(ids) == max {
			break
		}
	}
	if len(vals) > 0 && len(ids) == 0 {
		return nil, fmt.Errorf("%w: job_ids must be positive integers", ErrValidation)
	}
	return ids, nil
}
