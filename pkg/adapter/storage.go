package adapter

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when a requested object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectAttrs describes a stored object
type ObjectAttrs struct {
	Key       string
	UpdatedAt time.Time
}

// Storage is the interface for durable session records
type Storage interface {
	// Put returns a writer to save an object. The object becomes visible on
	// Close. Writers returned by Put also implement Aborter.
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	// Get opens an object for reading. ErrNotFound is wrapped if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// List returns objects whose key starts with prefix
	List(ctx context.Context, prefix string) ([]*ObjectAttrs, error)
}

// Aborter is implemented by writers that can discard an object before it
// becomes visible
type Aborter interface {
	Abort() error
}

// Abort discards w without committing it. Writers that cannot abort are
// closed instead.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewCloudStorage creates a new Cloud Storage client. All keys are placed under prefix.
func NewCloudStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *storageClient) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.prefix + key)
}

// objectWriter cancels the upload on Abort. Cloud Storage does not create
// the object when the writer context is canceled before Close.
type objectWriter struct {
	*storage.Writer
	cancel context.CancelFunc
}

func (w *objectWriter) Close() error {
	defer w.cancel()
	return w.Writer.Close()
}

func (w *objectWriter) Abort() error {
	w.cancel()
	_ = w.Writer.Close()
	return nil
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = "application/json; charset=utf-8"
	return &objectWriter{Writer: writer, cancel: cancel}, nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, goerr.Wrap(ErrNotFound, "object does not exist", goerr.V("key", key))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.V("key", key))
	}

	return reader, nil
}

func (s *storageClient) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete object", goerr.V("key", key))
	}
	return nil
}

func (s *storageClient) List(ctx context.Context, prefix string) ([]*ObjectAttrs, error) {
	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})

	var objects []*ObjectAttrs
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list objects", goerr.V("prefix", prefix))
		}

		objects = append(objects, &ObjectAttrs{
			Key:       strings.TrimPrefix(attrs.Name, s.prefix),
			UpdatedAt: attrs.Updated,
		})
	}

	return objects, nil
}
