package longterm

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/threatmem/pkg/config"
	"github.com/m-mizutani/threatmem/pkg/model"
)

// Evaluate decides whether the evidence justifies durable knowledge. All four criteria must hold:
// required severity, full corroboration, enough distinct sources and enough distinct analysts
// who escalated after spending the minimum time on the threat. A negative decision carries the
// share of criteria met as its confidence and lists what is missing.
func Evaluate(cfg config.FormationConfig, ev *model.Evidence) *model.FormationDecision {
	sources := distinctSources(ev.Sources)
	analysts := qualifyingAnalysts(ev.Actions, cfg.MinTimeSpentSeconds)

	var missing []string
	if ev.Severity != cfg.RequiredSeverity {
		missing = append(missing, fmt.Sprintf("severity %s is not %s", ev.Severity, cfg.RequiredSeverity))
	}
	if ev.EvidenceConfidence < cfg.MinEvidenceConfidence {
		missing = append(missing, fmt.Sprintf("evidence confidence %.2f below %.2f", ev.EvidenceConfidence, cfg.MinEvidenceConfidence))
	}
	if sources < cfg.MinSources {
		missing = append(missing, fmt.Sprintf("%d of %d sources", sources, cfg.MinSources))
	}
	if analysts < cfg.MinQualifyingAnalysts {
		missing = append(missing, fmt.Sprintf("%d of %d analysts escalated with at least %ds spent",
			analysts, cfg.MinQualifyingAnalysts, cfg.MinTimeSpentSeconds))
	}

	if len(missing) > 0 {
		const criteria = 4
		return &model.FormationDecision{
			ShouldForm: false,
			Confidence: float64(criteria-len(missing)) / criteria,
			Reason:     "criteria not met: " + strings.Join(missing, "; "),
		}
	}

	memoryType, signal := classify(cfg, ev)
	return &model.FormationDecision{
		ShouldForm: true,
		Confidence: min(max(ev.EvidenceConfidence, 0), 1),
		MemoryType: memoryType,
		Reason: fmt.Sprintf("%s: %s; %s seen by %d sources, escalated by %d analysts",
			memoryType, signal, ev.Severity, sources, analysts),
	}
}

func distinctSources(sources []string) int {
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			seen[strings.ToLower(s)] = struct{}{}
		}
	}
	return len(seen)
}

func qualifyingAnalysts(actions []model.AnalystAction, minSeconds int) int {
	seen := make(map[string]struct{})
	for _, a := range actions {
		if a.ActionType == model.ActionEscalate && a.AnalystID != "" && a.TimeSpentSeconds >= minSeconds {
			seen[a.AnalystID] = struct{}{}
		}
	}
	return len(seen)
}

// classify picks the memory type by precedence: campaign, evolution, pattern, validated.
func classify(cfg config.FormationConfig, ev *model.Evidence) (model.MemoryType, string) {
	if n, span := campaignSpan(ev); n >= 2 && span >= cfg.CampaignMinSpan {
		return model.MemoryTypeCampaign, fmt.Sprintf("%d related threats over %s", n, span)
	}
	if sessions := escalationSessions(ev.Actions, cfg.SessionGap); sessions >= cfg.MinEvolutionSessions {
		return model.MemoryTypeEvolution, fmt.Sprintf("escalated in %d separate sessions", sessions)
	}
	if n := signatureMatches(ev); n >= cfg.MinPatternMatches {
		return model.MemoryTypePattern, fmt.Sprintf("%d unrelated threats share signatures", n)
	}
	return model.MemoryTypeValidated, "corroborated without campaign, evolution or pattern signal"
}

// campaignSpan counts the distinct threat ids attributed to the activity and the time they
// were observed over.
func campaignSpan(ev *model.Evidence) (int, time.Duration) {
	ids := map[model.ThreatID]struct{}{}
	if ev.ThreatID != "" {
		ids[ev.ThreatID] = struct{}{}
	}

	var observed []time.Time
	for _, r := range ev.RelatedThreats {
		if r.ThreatID == "" {
			continue
		}
		ids[r.ThreatID] = struct{}{}
		if !r.ObservedAt.IsZero() {
			observed = append(observed, r.ObservedAt)
		}
	}
	for _, a := range ev.Actions {
		if !a.Timestamp.IsZero() {
			observed = append(observed, a.Timestamp)
		}
	}
	if len(ids) < 2 || len(observed) < 2 {
		return len(ids), 0
	}

	first := slices.MinFunc(observed, time.Time.Compare)
	last := slices.MaxFunc(observed, time.Time.Compare)
	return len(ids), last.Sub(first)
}

// escalationSessions groups timestamped escalations into sessions separated by more than gap.
func escalationSessions(actions []model.AnalystAction, gap time.Duration) int {
	var stamps []time.Time
	for _, a := range actions {
		if a.ActionType == model.ActionEscalate && !a.Timestamp.IsZero() {
			stamps = append(stamps, a.Timestamp)
		}
	}
	if len(stamps) == 0 {
		return 0
	}
	slices.SortFunc(stamps, time.Time.Compare)

	sessions := 1
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Sub(stamps[i-1]) > gap {
			sessions++
		}
	}
	return sessions
}

func signatureMatches(ev *model.Evidence) int {
	ids := map[model.ThreatID]struct{}{}
	for _, m := range ev.SignatureMatches {
		if m.ThreatID == "" || m.ThreatID == ev.ThreatID || len(m.Signatures) == 0 {
			continue
		}
		ids[m.ThreatID] = struct{}{}
	}
	return len(ids)
}

// supportingThreats lists the evidence's own threat first, then every other referenced threat
// in lexical order.
func supportingThreats(ev *model.Evidence) []model.ThreatID {
	seen := map[model.ThreatID]struct{}{}
	var others []model.ThreatID
	add := func(id model.ThreatID) {
		if id == "" || id == ev.ThreatID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	for _, r := range ev.RelatedThreats {
		add(r.ThreatID)
	}
	for _, m := range ev.SignatureMatches {
		add(m.ThreatID)
	}
	slices.Sort(others)

	ids := make([]model.ThreatID, 0, len(others)+1)
	if ev.ThreatID != "" {
		ids = append(ids, ev.ThreatID)
	}
	return append(ids, others...)
}
