package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-healer/internal/models"
	"github.com/miradorstack/mirador-healer/internal/utils"
)

// failureEventWire is the inbound shape of a failure event; the timestamp is
// optional RFC3339 text.
type failureEventWire struct {
	Source     string `json:"source"`
	JobName    string `json:"job_name"`
	Stage      string `json:"stage"`
	BuildID    string `json:"build_id"`
	ErrorText  string `json:"error_text"`
	TargetHost string `json:"target_host"`
	Timestamp  string `json:"timestamp"`
}

// DecodeFailureEvent maps a HandleFailure payload into a domain event.
func DecodeFailureEvent(req *structpb.Struct) (models.FailureEvent, error) {
	var wire failureEventWire
	if err := decode(req, &wire); err != nil {
		return models.FailureEvent{}, err
	}
	ts, err := utils.ParseOptionalRFC3339(wire.Timestamp)
	if err != nil {
		return models.FailureEvent{}, fmt.Errorf("timestamp: %w", err)
	}
	return models.FailureEvent{
		Source:     wire.Source,
		JobName:    wire.JobName,
		Stage:      wire.Stage,
		BuildID:    wire.BuildID,
		ErrorText:  wire.ErrorText,
		TargetHost: wire.TargetHost,
		Timestamp:  ts,
	}, nil
}

// DecodeSessionQuery requires a fingerprint or a session id.
func DecodeSessionQuery(req *structpb.Struct) (models.SessionQuery, error) {
	var q models.SessionQuery
	if err := decode(req, &q); err != nil {
		return q, err
	}
	q.SessionID = strings.TrimSpace(q.SessionID)
	q.Fingerprint = models.Fingerprint(strings.TrimSpace(string(q.Fingerprint)))
	if q.SessionID == "" && q.Fingerprint == "" {
		return q, fmt.Errorf("fingerprint or session_id is required")
	}
	return q, nil
}

// DecodeStatsQuery maps a GetStats payload into a ledger filter. A nil
// payload means no filter.
func DecodeStatsQuery(req *structpb.Struct) (models.StatsFilter, error) {
	var q models.StatsQuery
	if req != nil {
		if err := decode(req, &q); err != nil {
			return models.StatsFilter{}, err
		}
	}
	since, err := utils.ParseOptionalRFC3339(q.Since)
	if err != nil {
		return models.StatsFilter{}, fmt.Errorf("since: %w", err)
	}
	until, err := utils.ParseOptionalRFC3339(q.Until)
	if err != nil {
		return models.StatsFilter{}, fmt.Errorf("until: %w", err)
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return models.StatsFilter{}, fmt.Errorf("until must not precede since")
	}
	if q.Category != "" && !q.Category.Valid() {
		return models.StatsFilter{}, fmt.Errorf("unknown category %q", q.Category)
	}
	return models.StatsFilter{
		Source:   q.Source,
		Category: q.Category,
		Target:   q.Target,
		Since:    since,
		Until:    until,
	}, nil
}

// DecodeApproval maps an Approve or Deny payload.
func DecodeApproval(req *structpb.Struct) (models.ApprovalDecision, error) {
	var d models.ApprovalDecision
	if err := decode(req, &d); err != nil {
		return d, err
	}
	if strings.TrimSpace(d.SessionID) == "" {
		return d, fmt.Errorf("session_id is required")
	}
	return d, nil
}

// DecodeCancel maps a Cancel payload.
func DecodeCancel(req *structpb.Struct) (models.CancelRequest, error) {
	var c models.CancelRequest
	if err := decode(req, &c); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return c, fmt.Errorf("session_id is required")
	}
	return c, nil
}

// EncodeSnapshot converts a session snapshot into its wire form.
func EncodeSnapshot(s models.SessionSnapshot) (*structpb.Struct, error) {
	return encode(s)
}

// EncodeStats converts aggregated statistics into their wire form.
func EncodeStats(s models.Stats) (*structpb.Struct, error) {
	return encode(s)
}

// EncodeHandleFailure converts a HandleFailure acknowledgement.
func EncodeHandleFailure(r models.HandleFailureResponse) (*structpb.Struct, error) {
	return encode(r)
}

// EncodeAck converts a command acknowledgement.
func EncodeAck(a models.SessionAck) (*structpb.Struct, error) {
	return encode(a)
}

func decode(req *structpb.Struct, out any) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return structpb.NewStruct(fields)
}
