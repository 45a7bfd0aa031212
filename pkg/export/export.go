package export

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/utils/logging"
)

// Sink receives exported records in batches
type Sink interface {
	Write(ctx context.Context, records []*Record) error
	Close() error
}

// Source is the part of the orchestrator an export reads from
type Source interface {
	ListLongTerm(ctx context.Context, memoryType model.MemoryType) ([]*model.LongTermMemory, error)
	ListQualified(ctx context.Context, minScore, minConfidence float64) ([]*model.ShortTermMemory, error)
}

// Exporter copies long-term memories, and optionally qualifying short-term memories, to a sink
type Exporter struct {
	source    Source
	batchSize int
	now       func() time.Time
}

// Option is a functional option for Exporter
type Option func(*Exporter)

// WithBatchSize sets how many records are handed to the sink at once
func WithBatchSize(n int) Option {
	return func(x *Exporter) {
		x.batchSize = n
	}
}

// WithClock replaces the time source used for ExportedAt
func WithClock(now func() time.Time) Option {
	return func(x *Exporter) {
		x.now = now
	}
}

// New creates an Exporter
func New(source Source, opts ...Option) *Exporter {
	x := &Exporter{
		source:    source,
		batchSize: 500,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Options select what is exported
type Options struct {
	MemoryType model.MemoryType
	// IncludeShortTerm adds short-term memories meeting MinScore and MinConfidence
	IncludeShortTerm bool
	MinScore         float64
	MinConfidence    float64
}

// Summary counts exported records per kind
type Summary struct {
	LongTerm  int `json:"long_term"`
	ShortTerm int `json:"short_term"`
}

// Export writes the selected memories to sink
func (x *Exporter) Export(ctx context.Context, sink Sink, opts Options) (*Summary, error) {
	now := x.now()

	longTerm, err := x.source.ListLongTerm(ctx, opts.MemoryType)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(longTerm))
	for _, m := range longTerm {
		records = append(records, fromLongTerm(m, now))
	}
	summary := &Summary{LongTerm: len(longTerm)}

	if opts.IncludeShortTerm {
		shortTerm, err := x.source.ListQualified(ctx, opts.MinScore, opts.MinConfidence)
		if err != nil {
			return nil, err
		}
		for _, m := range shortTerm {
			records = append(records, fromShortTerm(m, now))
		}
		summary.ShortTerm = len(shortTerm)
	}

	size := max(x.batchSize, 1)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		if err := sink.Write(ctx, records[start:end]); err != nil {
			return nil, goerr.Wrap(err, "failed to write export batch",
				goerr.V("offset", start),
				goerr.V("count", end-start))
		}
	}

	logging.From(ctx).Info("export finished",
		"long_term", summary.LongTerm,
		"short_term", summary.ShortTerm)
	return summary, nil
}
