package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/threatmem/pkg/export"
	"github.com/m-mizutani/threatmem/pkg/model"
	"github.com/m-mizutani/threatmem/pkg/repository"
	"github.com/m-mizutani/threatmem/pkg/usecase/cascade"
)

type memorySink struct {
	batches [][]*export.Record
	fail    error
}

func (s *memorySink) Write(ctx context.Context, records []*export.Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) all() []*export.Record {
	var out []*export.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

var exportTime = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T) *cascade.Orchestrator {
	t.Helper()
	ctx := context.Background()
	orch := cascade.New(repository.NewMemory())

	for i := range 3 {
		th, err := orch.AddThreat(ctx, model.ThreatInput{
			Content:  fmt.Sprintf("exfiltration attempt %d", i),
			Severity: model.SeverityHigh,
			Metadata: map[string]string{"source": "dlp", "industry": "health"},
		})
		gt.NoError(t, err)
		for range 3 + i {
			_, err := orch.RecordInteraction(ctx, th.ID, "alice", model.ActionEscalate)
			gt.NoError(t, err)
		}
	}
	_, err := orch.PromoteEligible(ctx)
	gt.NoError(t, err)

	ev := &model.Evidence{
		ThreatID:           "external-1",
		Severity:           model.SeverityCritical,
		Industry:           "health",
		EvidenceConfidence: 1.0,
		Sources:            []string{"a", "b", "c", "d", "e", "f"},
		SignatureMatches: []model.SignatureMatch{
			{ThreatID: "external-2", Signatures: []string{"sha256:aa"}},
			{ThreatID: "external-3", Signatures: []string{"sha256:aa"}},
		},
	}
	for i := range 5 {
		ev.Actions = append(ev.Actions, model.AnalystAction{
			AnalystID:        fmt.Sprintf("analyst-%d", i),
			ActionType:       model.ActionEscalate,
			TimeSpentSeconds: 900,
		})
	}
	result, err := orch.Form(ctx, ev)
	gt.NoError(t, err)
	gt.True(t, result.Decision.ShouldForm)
	return orch
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	orch := seed(t)
	exporter := export.New(orch,
		export.WithBatchSize(2),
		export.WithClock(func() time.Time { return exportTime }))

	t.Run("long-term only", func(t *testing.T) {
		sink := &memorySink{}
		summary, err := exporter.Export(ctx, sink, export.Options{})
		gt.NoError(t, err)
		gt.Equal(t, summary.LongTerm, 1)
		gt.Equal(t, summary.ShortTerm, 0)

		records := sink.all()
		gt.A(t, records).Length(1)
		gt.Equal(t, records[0].Kind, export.KindLongTerm)
		gt.Equal(t, records[0].MemoryType, string(model.MemoryTypePattern))
		gt.Equal(t, records[0].SupportingThreatIDs, []string{"external-1", "external-2", "external-3"})
		gt.Equal(t, records[0].ExportedAt, exportTime)
	})

	t.Run("with qualifying short-term memories", func(t *testing.T) {
		sink := &memorySink{}
		summary, err := exporter.Export(ctx, sink, export.Options{
			IncludeShortTerm: true,
			MinConfidence:    0.9,
		})
		gt.NoError(t, err)
		gt.Equal(t, summary.ShortTerm, 2)
		gt.A(t, sink.batches).Length(2)
		gt.A(t, sink.all()).Length(3)
		for _, r := range sink.all()[1:] {
			gt.Equal(t, r.Kind, export.KindShortTerm)
			gt.True(t, r.Confidence >= 0.9)
			gt.True(t, strings.HasPrefix(r.ThreatID, "thr-"))
		}
	})

	t.Run("sink failure", func(t *testing.T) {
		errSink := errors.New("quota exceeded")
		_, err := exporter.Export(ctx, &memorySink{fail: errSink}, export.Options{})
		gt.True(t, errors.Is(err, errSink))
	})
}

func TestWriteJSONL(t *testing.T) {
	records := []*export.Record{
		{Kind: export.KindLongTerm, ID: "m-1", MemoryType: "campaign", Confidence: 1},
		{Kind: export.KindShortTerm, ID: "m-2", ThreatID: "thr-1", Score: 0.75},
	}

	var buf bytes.Buffer
	gt.NoError(t, export.WriteJSONL(&buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	gt.A(t, lines).Length(2)

	var decoded export.Record
	gt.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	gt.Equal(t, decoded.Key(), "short_term-m-2")
	gt.Equal(t, decoded.Score, 0.75)
}

func TestStorageSink(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}

	ctx := context.Background()
	sink, err := export.NewStorage(ctx, bucket, "threatmem-test")
	gt.NoError(t, err)
	defer sink.Close()

	gt.NoError(t, sink.Write(ctx, []*export.Record{
		{Kind: export.KindLongTerm, ID: "test", RecordedAt: time.Now(), ExportedAt: time.Now()},
	}))
}

func TestBigQuerySink(t *testing.T) {
	projectID := os.Getenv("TEST_BIGQUERY_PROJECT")
	if projectID == "" {
		t.Skip("TEST_BIGQUERY_PROJECT is not set")
	}
	datasetID := os.Getenv("TEST_BIGQUERY_DATASET")
	if datasetID == "" {
		t.Skip("TEST_BIGQUERY_DATASET is not set")
	}

	ctx := context.Background()
	sink, err := export.NewBigQuery(ctx, projectID, datasetID, "threatmem_export_test")
	gt.NoError(t, err)
	defer sink.Close()

	gt.NoError(t, sink.EnsureTable(ctx))
	gt.NoError(t, sink.Write(ctx, []*export.Record{
		{Kind: export.KindLongTerm, ID: "test", RecordedAt: time.Now(), ExportedAt: time.Now()},
	}))
}

func TestFirestoreSink(t *testing.T) {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT is not set")
	}
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE")
	if databaseID == "" {
		databaseID = "(default)"
	}

	ctx := context.Background()
	sink, err := export.NewFirestore(ctx, projectID, databaseID, "threatmem_export_test")
	gt.NoError(t, err)
	defer sink.Close()

	gt.NoError(t, sink.Write(ctx, []*export.Record{
		{Kind: export.KindLongTerm, ID: "test", RecordedAt: time.Now(), ExportedAt: time.Now()},
	}))
}
