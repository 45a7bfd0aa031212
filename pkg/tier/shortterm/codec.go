package shortterm

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
)

func encode(m *model.ShortTermMemory) (map[string]string, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal metadata", goerr.V("memory_id", m.ID))
	}
	analysts, err := json.Marshal(m.DistinctAnalysts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal analysts", goerr.V("memory_id", m.ID))
	}
	actions, err := json.Marshal(m.Actions)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal actions", goerr.V("memory_id", m.ID))
	}

	return map[string]string{
		"threat_id":         string(m.ThreatID),
		"confidence":        strconv.FormatFloat(m.Confidence, 'f', -1, 64),
		"validated":         strconv.FormatBool(m.Validated),
		"score":             strconv.FormatFloat(m.Score, 'f', -1, 64),
		"industry":          m.Industry,
		"metadata":          string(metadata),
		"content":           m.Content,
		"severity":          string(m.Severity),
		"interaction_count": strconv.Itoa(m.InteractionCount),
		"escalation_count":  strconv.Itoa(m.EscalationCount),
		"distinct_analysts": string(analysts),
		"actions":           string(actions),
		"promoted_at":       m.PromotedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decode(id model.MemoryID, fields map[string]string) (*model.ShortTermMemory, error) {
	m := &model.ShortTermMemory{
		ID:       id,
		ThreatID: model.ThreatID(fields["threat_id"]),
		Industry: fields["industry"],
		Content:  fields["content"],
		Severity: model.Severity(fields["severity"]),
	}

	bad := func(field string, err error) error {
		return goerr.Wrap(model.ErrInvariantViolation, "malformed short-term memory field",
			goerr.V("memory_id", id),
			goerr.V("field", field),
			goerr.V("cause", err.Error()))
	}

	var err error
	if m.Confidence, err = strconv.ParseFloat(fields["confidence"], 64); err != nil {
		return nil, bad("confidence", err)
	}
	if m.Validated, err = strconv.ParseBool(fields["validated"]); err != nil {
		return nil, bad("validated", err)
	}
	if m.Score, err = strconv.ParseFloat(fields["score"], 64); err != nil {
		return nil, bad("score", err)
	}
	if m.InteractionCount, err = strconv.Atoi(fields["interaction_count"]); err != nil {
		return nil, bad("interaction_count", err)
	}
	if m.EscalationCount, err = strconv.Atoi(fields["escalation_count"]); err != nil {
		return nil, bad("escalation_count", err)
	}
	if m.PromotedAt, err = time.Parse(time.RFC3339Nano, fields["promoted_at"]); err != nil {
		return nil, bad("promoted_at", err)
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &m.Metadata); err != nil {
			return nil, bad("metadata", err)
		}
	}
	if v := fields["distinct_analysts"]; v != "" {
		if err := json.Unmarshal([]byte(v), &m.DistinctAnalysts); err != nil {
			return nil, bad("distinct_analysts", err)
		}
	}
	if v := fields["actions"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &m.Actions); err != nil {
			return nil, bad("actions", err)
		}
	}
	return m, nil
}
