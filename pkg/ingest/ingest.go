package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

// ThreatAdder is the part of the orchestrator the ingestion boundary writes to
type ThreatAdder interface {
	AddThreat(ctx context.Context, input model.ThreatInput) (*model.Threat, error)
}

// Ingester turns raw producer items into working memory threats
type Ingester struct {
	adder  ThreatAdder
	policy *Policy
}

// Option is a functional option for Ingester
type Option func(*Ingester)

// WithPolicy maps raw items through a Rego policy. Without one, items must already have the
// ThreatInput shape.
func WithPolicy(p *Policy) Option {
	return func(x *Ingester) {
		x.policy = p
	}
}

// New creates an Ingester
func New(adder ThreatAdder, opts ...Option) *Ingester {
	x := &Ingester{adder: adder}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Result summarizes one ingestion call
type Result struct {
	Threats []*model.Threat `json:"threats"`
	// Dropped counts raw items that produced no threat
	Dropped int `json:"dropped"`
	// Rejected counts mapped threats that failed validation
	Rejected int `json:"rejected"`
}

// Ingest maps one raw item and adds the resulting threats
func (x *Ingester) Ingest(ctx context.Context, raw any) (*Result, error) {
	result := &Result{Threats: []*model.Threat{}}
	if err := x.ingest(ctx, raw, result); err != nil {
		return nil, err
	}
	return result, nil
}

// IngestJSON reads a stream of JSON values. Each value is a raw item, or an array of raw items.
func (x *Ingester) IngestJSON(ctx context.Context, r io.Reader) (*Result, error) {
	result := &Result{Threats: []*model.Threat{}}
	decoder := json.NewDecoder(r)
	for {
		var raw any
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return result, nil
			}
			return nil, goerr.Wrap(err, "failed to decode raw item")
		}

		items, ok := raw.([]any)
		if !ok {
			items = []any{raw}
		}
		for _, item := range items {
			if err := x.ingest(ctx, item, result); err != nil {
				return nil, err
			}
		}
	}
}

func (x *Ingester) ingest(ctx context.Context, raw any, result *Result) error {
	inputs, err := x.mapItem(ctx, raw)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) {
			result.Rejected++
			logging.From(ctx).Warn("rejected raw item", "error", err)
			return nil
		}
		return err
	}
	if len(inputs) == 0 {
		result.Dropped++
		return nil
	}

	for _, input := range inputs {
		if err := input.Normalize(); err != nil {
			result.Rejected++
			logging.From(ctx).Warn("rejected threat input", "error", err)
			continue
		}
		threat, err := x.adder.AddThreat(ctx, input)
		if err != nil {
			return err
		}
		result.Threats = append(result.Threats, threat)
	}
	return nil
}

func (x *Ingester) mapItem(ctx context.Context, raw any) ([]model.ThreatInput, error) {
	if x.policy != nil {
		return x.policy.Map(ctx, raw)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal raw item")
	}
	var input model.ThreatInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, goerr.Wrap(model.ErrInvalidInput, "raw item is not a threat input", goerr.V("cause", err.Error()))
	}
	return []model.ThreatInput{input}, nil
}
