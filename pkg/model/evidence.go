package model

import "time"

// Evidence is the raw bundle a long-term memory formation decision is made from. It can be
// built from a cached threat or handed in directly by a caller.
type Evidence struct {
	ThreatID ThreatID `json:"threat_id"`
	Severity Severity `json:"severity"`
	Industry string   `json:"industry,omitempty"`

	// EvidenceConfidence is the caller's corroboration score. It is unrelated to the
	// confidence the cache computes for short-term memories.
	EvidenceConfidence float64 `json:"evidence_confidence"`

	// Sources are the distinct feeds or systems that observed the alert
	Sources []string `json:"sources"`

	// RelatedThreats are other threat ids attributed to the same activity
	RelatedThreats []RelatedThreat `json:"related_threats,omitempty"`

	// SignatureMatches are unrelated threats sharing signature elements with this one
	SignatureMatches []SignatureMatch `json:"signature_matches,omitempty"`

	Actions []AnalystAction `json:"analyst_actions"`
}

type RelatedThreat struct {
	ThreatID   ThreatID  `json:"threat_id"`
	ObservedAt time.Time `json:"observed_at"`
}

type SignatureMatch struct {
	ThreatID   ThreatID `json:"threat_id"`
	Signatures []string `json:"signatures"`
}

// EvidenceInput is the caller-supplied corroboration used when forming long-term memory from a
// cached threat.
type EvidenceInput struct {
	EvidenceConfidence float64          `json:"evidence_confidence"`
	Sources            []string         `json:"sources"`
	RelatedThreats     []RelatedThreat  `json:"related_threats,omitempty"`
	SignatureMatches   []SignatureMatch `json:"signature_matches,omitempty"`
}

// FormationDecision is the result of evaluating evidence for long-term memory formation. A
// negative decision is a normal outcome, not an error.
type FormationDecision struct {
	ShouldForm bool       `json:"should_form"`
	Confidence float64    `json:"confidence"`
	MemoryType MemoryType `json:"memory_type,omitempty"`
	Reason     string     `json:"reason"`
}
