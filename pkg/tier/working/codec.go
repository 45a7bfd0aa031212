package working

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
)

// hash field names of an L1 record
const (
	fieldContent           = "content"
	fieldSeverity          = "severity"
	fieldMetadata          = "metadata"
	fieldInteractionCount  = "interaction_count"
	fieldEscalationCount   = "escalation_count"
	fieldDistinctAnalysts  = "distinct_analysts"
	fieldThreatScore       = "threat_score"
	fieldActions           = "actions"
	fieldCreatedAt         = "created_at"
	fieldLastInteractionAt = "last_interaction_at"
)

func encode(t *model.Threat) (map[string]string, error) {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal metadata", goerr.V("threat_id", t.ID))
	}
	analysts, err := json.Marshal(t.DistinctAnalysts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal analysts", goerr.V("threat_id", t.ID))
	}
	actions, err := json.Marshal(t.Actions)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal actions", goerr.V("threat_id", t.ID))
	}

	return map[string]string{
		fieldContent:           t.Content,
		fieldSeverity:          string(t.Severity),
		fieldMetadata:          string(metadata),
		fieldInteractionCount:  strconv.Itoa(t.InteractionCount),
		fieldEscalationCount:   strconv.Itoa(t.EscalationCount),
		fieldDistinctAnalysts:  string(analysts),
		fieldThreatScore:       strconv.FormatFloat(t.ThreatScore, 'f', -1, 64),
		fieldActions:           string(actions),
		fieldCreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldLastInteractionAt: t.LastInteractionAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// decode rebuilds a threat from its hash. A malformed field is reported as an invariant
// violation since only this package writes the hash.
func decode(id model.ThreatID, fields map[string]string) (*model.Threat, error) {
	t := &model.Threat{
		ID:       id,
		Content:  fields[fieldContent],
		Severity: model.Severity(fields[fieldSeverity]),
	}

	var err error
	if t.InteractionCount, err = strconv.Atoi(fields[fieldInteractionCount]); err != nil {
		return nil, corrupt(id, fieldInteractionCount, err)
	}
	if t.EscalationCount, err = strconv.Atoi(fields[fieldEscalationCount]); err != nil {
		return nil, corrupt(id, fieldEscalationCount, err)
	}
	if t.ThreatScore, err = strconv.ParseFloat(fields[fieldThreatScore], 64); err != nil {
		return nil, corrupt(id, fieldThreatScore, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err != nil {
		return nil, corrupt(id, fieldCreatedAt, err)
	}
	if t.LastInteractionAt, err = time.Parse(time.RFC3339Nano, fields[fieldLastInteractionAt]); err != nil {
		return nil, corrupt(id, fieldLastInteractionAt, err)
	}
	if v := fields[fieldMetadata]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Metadata); err != nil {
			return nil, corrupt(id, fieldMetadata, err)
		}
	}
	if v := fields[fieldDistinctAnalysts]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.DistinctAnalysts); err != nil {
			return nil, corrupt(id, fieldDistinctAnalysts, err)
		}
	}
	if v := fields[fieldActions]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Actions); err != nil {
			return nil, corrupt(id, fieldActions, err)
		}
	}

	return t, nil
}

func corrupt(id model.ThreatID, field string, cause error) error {
	return goerr.Wrap(model.ErrInvariantViolation, "malformed threat field",
		goerr.V("threat_id", id),
		goerr.V("field", field),
		goerr.V("cause", cause.Error()))
}
