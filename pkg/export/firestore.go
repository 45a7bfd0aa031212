package export

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

// Firestore stores each record as a document keyed by the record key, so exports overwrite
// rather than duplicate.
type Firestore struct {
	client     *firestore.Client
	collection string
}

// NewFirestore creates a Firestore sink writing into collection
func NewFirestore(ctx context.Context, projectID, databaseID, collection string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Firestore client", goerr.V("database", databaseID))
	}
	return &Firestore{client: client, collection: collection}, nil
}

func (x *Firestore) Write(ctx context.Context, records []*Record) error {
	bw := x.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, r := range records {
		job, err := bw.Set(x.client.Collection(x.collection).Doc(r.Key()), r)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue document", goerr.V("key", r.Key()))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write document",
				goerr.V("collection", x.collection),
				goerr.V("key", records[i].Key()))
		}
	}
	return nil
}

func (x *Firestore) Close() error {
	return x.client.Close()
}
