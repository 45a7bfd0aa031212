package export

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/option"
)

// Storage writes each batch as one JSON Lines object in a Cloud Storage bucket
type Storage struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewStorage creates a Cloud Storage sink. Objects are named
// {prefix}/{yyyy}/{mm}/{dd}/threatmem-{timestamp}.jsonl.
func NewStorage(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*Storage, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}
	return &Storage{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (x *Storage) objectName() string {
	now := x.now().UTC()
	return path.Join(x.prefix, now.Format("2006/01/02"), "threatmem-"+now.Format("20060102T150405.000000000Z")+".jsonl")
}

func (x *Storage) Write(ctx context.Context, records []*Record) error {
	name := x.objectName()
	w := x.client.Bucket(x.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"

	if err := WriteJSONL(w, records); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write export object", goerr.V("bucket", x.bucket), goerr.V("object", name))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize export object", goerr.V("bucket", x.bucket), goerr.V("object", name))
	}
	return nil
}

func (x *Storage) Close() error {
	return x.client.Close()
}

// WriteJSONL encodes records one per line
func WriteJSONL(w io.Writer, records []*Record) error {
	encoder := json.NewEncoder(w)
	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return goerr.Wrap(err, "failed to encode record", goerr.V("key", r.Key()))
		}
	}
	return nil
}
