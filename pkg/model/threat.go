package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type ThreatID string

// DeriveThreatID computes a stable id from the producer tag and the content so that ingesting
// the same item twice addresses the same record.
func DeriveThreatID(source, content string) ThreatID {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(source)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(content)))
	return ThreatID("thr-" + hex.EncodeToString(h.Sum(nil))[:32])
}

// ThreatInput is what producers hand to the ingestion boundary
type ThreatInput struct {
	ThreatID ThreatID          `json:"threat_id,omitempty"`
	Content  string            `json:"content"`
	Severity Severity          `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Normalize validates the input and fills in the derived threat id.
func (x *ThreatInput) Normalize() error {
	if strings.TrimSpace(x.Content) == "" {
		return goerr.Wrap(ErrInvalidInput, "content is empty")
	}
	sev, err := ParseSeverity(string(x.Severity))
	if err != nil {
		return err
	}
	x.Severity = sev
	if x.ThreatID == "" {
		x.ThreatID = DeriveThreatID(x.Metadata["source"], x.Content)
	}
	return nil
}

// Threat is the working memory (L1) record
type Threat struct {
	ID                ThreatID        `json:"threat_id"`
	Content           string          `json:"content"`
	Severity          Severity        `json:"severity"`
	Metadata          Metadata        `json:"metadata"`
	InteractionCount  int             `json:"interaction_count"`
	EscalationCount   int             `json:"escalation_count"`
	DistinctAnalysts  []string        `json:"distinct_analysts"`
	ThreatScore       float64         `json:"threat_score"`
	Actions           []AnalystAction `json:"actions,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastInteractionAt time.Time       `json:"last_interaction_at"`
}

// Score weights
const (
	severityScoreWeight  = 0.6
	escalationScoreStep  = 0.08
	escalationScoreCap   = 5
	interactionScoreStep = 0.02
	interactionScoreCap  = 10
)

// ComputeThreatScore derives the relevance score of a threat. Severity dominates; escalations
// and raw attention add capped increments. The result is always within [0, 1].
func ComputeThreatScore(sev Severity, escalations, interactions int) float64 {
	score := sev.Weight()*severityScoreWeight +
		float64(min(max(escalations, 0), escalationScoreCap))*escalationScoreStep +
		float64(min(max(interactions, 0), interactionScoreCap))*interactionScoreStep
	return clamp01(score)
}

// Rescore recomputes ThreatScore from the current counters
func (t *Threat) Rescore() {
	t.ThreatScore = ComputeThreatScore(t.Severity, t.EscalationCount, t.InteractionCount)
}

// AddAnalyst inserts id into DistinctAnalysts keeping the slice sorted and unique
func (t *Threat) AddAnalyst(id string) {
	idx, found := slices.BinarySearch(t.DistinctAnalysts, id)
	if found {
		return
	}
	t.DistinctAnalysts = slices.Insert(t.DistinctAnalysts, idx, id)
}

// Validate checks the counter invariants of the record. It never corrects them.
func (t *Threat) Validate() error {
	if t.ID == "" {
		return goerr.Wrap(ErrInvariantViolation, "threat id is empty")
	}
	if t.InteractionCount < 0 || t.EscalationCount < 0 {
		return goerr.Wrap(ErrInvariantViolation, "negative counter",
			goerr.V("threat_id", t.ID),
			goerr.V("interaction_count", t.InteractionCount),
			goerr.V("escalation_count", t.EscalationCount))
	}
	if t.EscalationCount > t.InteractionCount {
		return goerr.Wrap(ErrInvariantViolation, "escalation count exceeds interaction count",
			goerr.V("threat_id", t.ID),
			goerr.V("interaction_count", t.InteractionCount),
			goerr.V("escalation_count", t.EscalationCount))
	}
	return nil
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
