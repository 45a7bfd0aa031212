package export

import (
	"time"

	"github.com/m-mizutani/threatmem/pkg/model"
)

// Record kinds
const (
	KindShortTerm = "short_term"
	KindLongTerm  = "long_term"
)

// Record is the flat shape in which memories leave the cache. One struct serves every sink, so
// it carries tags for each of them.
type Record struct {
	Kind                string    `json:"kind" bigquery:"kind" firestore:"kind"`
	ID                  string    `json:"id" bigquery:"id" firestore:"id"`
	ThreatID            string    `json:"threat_id,omitempty" bigquery:"threat_id" firestore:"threat_id,omitempty"`
	MemoryType          string    `json:"memory_type,omitempty" bigquery:"memory_type" firestore:"memory_type,omitempty"`
	Severity            string    `json:"severity,omitempty" bigquery:"severity" firestore:"severity,omitempty"`
	Industry            string    `json:"industry,omitempty" bigquery:"industry" firestore:"industry,omitempty"`
	Confidence          float64   `json:"confidence" bigquery:"confidence" firestore:"confidence"`
	Score               float64   `json:"score" bigquery:"score" firestore:"score"`
	Validated           bool      `json:"validated" bigquery:"validated" firestore:"validated"`
	SupportingThreatIDs []string  `json:"supporting_threat_ids,omitempty" bigquery:"supporting_threat_ids" firestore:"supporting_threat_ids,omitempty"`
	Reason              string    `json:"reason,omitempty" bigquery:"reason" firestore:"reason,omitempty"`
	RecordedAt          time.Time `json:"recorded_at" bigquery:"recorded_at" firestore:"recorded_at"`
	ExportedAt          time.Time `json:"exported_at" bigquery:"exported_at" firestore:"exported_at"`
}

// Key identifies a record across exports, so sinks can write idempotently
func (r *Record) Key() string {
	return r.Kind + "-" + r.ID
}

func fromShortTerm(m *model.ShortTermMemory, now time.Time) *Record {
	return &Record{
		Kind:       KindShortTerm,
		ID:         string(m.ID),
		ThreatID:   string(m.ThreatID),
		Severity:   string(m.Severity),
		Industry:   m.Industry,
		Confidence: m.Confidence,
		Score:      m.Score,
		Validated:  m.Validated,
		RecordedAt: m.PromotedAt,
		ExportedAt: now,
	}
}

func fromLongTerm(m *model.LongTermMemory, now time.Time) *Record {
	ids := make([]string, len(m.SupportingThreatIDs))
	for i, id := range m.SupportingThreatIDs {
		ids[i] = string(id)
	}
	var threatID string
	if len(ids) > 0 {
		threatID = ids[0]
	}

	return &Record{
		Kind:                KindLongTerm,
		ID:                  string(m.ID),
		ThreatID:            threatID,
		MemoryType:          string(m.MemoryType),
		Industry:            m.Industry,
		Confidence:          m.Confidence,
		Validated:           true,
		SupportingThreatIDs: ids,
		Reason:              m.Reason,
		RecordedAt:          m.FormedAt,
		ExportedAt:          now,
	}
}
