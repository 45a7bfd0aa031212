package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// ShortTermMemory is a threat that gathered enough corroborating analyst activity to be
// provisionally validated (L2). ThreatID is a back-reference; the L1 record may expire first.
// Only Confidence and Validated change after the record is created.
type ShortTermMemory struct {
	ID         MemoryID `json:"id"`
	ThreatID   ThreatID `json:"threat_id"`
	Confidence float64  `json:"confidence"`
	Validated  bool     `json:"validated"`
	Score      float64  `json:"score"`
	Industry   string   `json:"industry,omitempty"`
	Metadata   Metadata `json:"metadata"`

	// Snapshot of the source threat at promotion time, used to warm L1 back up on read
	Content          string          `json:"content"`
	Severity         Severity        `json:"severity"`
	InteractionCount int             `json:"interaction_count"`
	EscalationCount  int             `json:"escalation_count"`
	DistinctAnalysts []string        `json:"distinct_analysts"`
	Actions          []AnalystAction `json:"actions,omitempty"`

	PromotedAt time.Time `json:"promoted_at"`
}

type MemoryType string

const (
	MemoryTypeCampaign  MemoryType = "campaign"
	MemoryTypeEvolution MemoryType = "evolution"
	MemoryTypePattern   MemoryType = "pattern"
	MemoryTypeValidated MemoryType = "validated"
)

// MemoryTypes lists every long-term memory type in precedence order
var MemoryTypes = []MemoryType{
	MemoryTypeCampaign,
	MemoryTypeEvolution,
	MemoryTypePattern,
	MemoryTypeValidated,
}

// Validate checks if the memory type is valid
func (m MemoryType) Validate() error {
	switch m {
	case MemoryTypeCampaign, MemoryTypeEvolution, MemoryTypePattern, MemoryTypeValidated:
		return nil
	default:
		return goerr.Wrap(ErrInvalidInput, "unknown memory type", goerr.V("memory_type", m))
	}
}

// LongTermMemory is durable knowledge formed from strong evidence (L3). Append-only.
type LongTermMemory struct {
	ID                  MemoryID   `json:"id"`
	MemoryType          MemoryType `json:"memory_type"`
	Confidence          float64    `json:"confidence"`
	SupportingThreatIDs []ThreatID `json:"supporting_threat_ids"`
	Industry            string     `json:"industry,omitempty"`
	Reason              string     `json:"reason"`
	FormedAt            time.Time  `json:"formed_at"`
}
