package export

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQuery streams records into a table. The row insert id is the record key, so re-exporting
// the same memory within the dedup window does not create a duplicate row.
type BigQuery struct {
	client *bigquery.Client
	table  *bigquery.Table
}

// NewBigQuery creates a BigQuery sink for project.dataset.table
func NewBigQuery(ctx context.Context, projectID, datasetID, tableID string, opts ...option.ClientOption) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}
	return &BigQuery{
		client: client,
		table:  client.Dataset(datasetID).Table(tableID),
	}, nil
}

// EnsureTable creates the table with the record schema unless it already exists
func (x *BigQuery) EnsureTable(ctx context.Context) error {
	schema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer record schema")
	}

	err = x.table.Create(ctx, &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "exported_at",
		},
	})
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to create table", goerr.V("table", x.table.FullyQualifiedName()))
	}
	return nil
}

func (x *BigQuery) Write(ctx context.Context, records []*Record) error {
	rows := make([]*bigquery.StructSaver, len(records))
	for i, r := range records {
		rows[i] = &bigquery.StructSaver{Struct: r, InsertID: r.Key()}
	}
	if err := x.table.Inserter().Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert rows",
			goerr.V("table", x.table.FullyQualifiedName()),
			goerr.V("count", len(rows)))
	}
	return nil
}

func (x *BigQuery) Close() error {
	return x.client.Close()
}
