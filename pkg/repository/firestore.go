package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/m-mizutani/finctx/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	fieldContent   = "content"
	fieldEmbedding = "embedding"
	fieldMetadata  = "metadata"
	fieldDistance  = "vector_distance"

	// Firestore limits a single commit to 500 writes
	maxBatchWrites = 500
)

// Firestore opens collections backed by Firestore vector search. A vector
// index on the embedding field must exist for each collection, e.g.
//
//	gcloud firestore indexes composite create --collection-group=<name> \
//	  --query-scope=COLLECTION --field-config=field-path=embedding,vector-config='{"dimension":"768","flat":"{}"}'
type Firestore struct {
	client *firestore.Client
}

// NewFirestore creates a new Firestore client for databaseID
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

func (x *Firestore) Close() error {
	return x.client.Close()
}

// Open returns the collection name. Firestore collections exist implicitly.
func (x *Firestore) Open(ctx context.Context, name string, dim int) (VectorIndex, error) {
	if dim <= 0 {
		return nil, goerr.New("dimension must be positive", goerr.V("dim", dim))
	}
	return &firestoreIndex{client: x.client, name: name, dim: dim}, nil
}

type firestoreIndex struct {
	client *firestore.Client
	name   string
	dim    int
}

type firestoreChunk struct {
	Content   string             `firestore:"content"`
	Embedding firestore.Vector32 `firestore:"embedding"`
	Metadata  map[string]string  `firestore:"metadata"`
	CreatedAt time.Time          `firestore:"created_at"`
}

func (x *firestoreIndex) Insert(ctx context.Context, ids []model.ChunkID, texts []string, vectors [][]float32, metadatas []map[string]string) error {
	if err := validateInsert(x.dim, ids, texts, vectors, metadatas); err != nil {
		return err
	}

	col := x.client.Collection(x.name)
	now := time.Now().UTC()

	for start := 0; start < len(ids); start += maxBatchWrites {
		end := min(start+maxBatchWrites, len(ids))

		err := x.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for i := start; i < end; i++ {
				doc := &firestoreChunk{
					Content:   texts[i],
					Embedding: firestore.Vector32(vectors[i]),
					Metadata:  metadatas[i],
					CreatedAt: now,
				}
				if err := tx.Set(col.Doc(ids[i].String()), doc); err != nil {
					return goerr.Wrap(err, "failed to set chunk", goerr.V("id", ids[i]))
				}
			}
			return nil
		})
		if err != nil {
			return goerr.Wrap(err, "failed to insert chunks",
				goerr.V("collection", x.name),
				goerr.V("count", end-start))
		}
	}

	return nil
}

func (x *firestoreIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*model.Hit, error) {
	if err := validateVector(x.dim, vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	q := x.client.Collection(x.name).Query
	for key, value := range filter {
		q = q.WherePath(firestore.FieldPath{fieldMetadata, key}, "==", value)
	}

	vq := q.FindNearest(fieldEmbedding, firestore.Vector32(vector), k, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: fieldDistance})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var hits []*model.Hit
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if status.Code(err) == codes.FailedPrecondition {
			return nil, goerr.Wrap(ErrMissingVectorIndex, err.Error(), goerr.V("collection", x.name), goerr.V("dimension", x.dim))
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to run vector query", goerr.V("collection", x.name), goerr.V("k", k))
		}

		hit, err := docToHit(doc)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

func (x *firestoreIndex) Count(ctx context.Context) (int, error) {
	const alias = "all"
	result, err := x.client.Collection(x.name).NewAggregationQuery().WithCount(alias).Get(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count chunks", goerr.V("collection", x.name))
	}

	v, ok := result[alias].(*firestorepb.Value)
	if !ok {
		return 0, goerr.New("unexpected count result", goerr.V("collection", x.name), goerr.V("result", result))
	}
	return int(v.GetIntegerValue()), nil
}

func (x *firestoreIndex) Sample(ctx context.Context, limit int) ([]*model.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	iter := x.client.Collection(x.name).
		Select(fieldContent, fieldMetadata).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var hits []*model.Hit
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to sample chunks", goerr.V("collection", x.name))
		}

		hit, err := docToHit(doc)
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

func docToHit(doc *firestore.DocumentSnapshot) (*model.Hit, error) {
	var chunk firestoreChunk
	if err := doc.DataTo(&chunk); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("id", doc.Ref.ID))
	}

	hit := &model.Hit{
		ID:       model.ChunkID(doc.Ref.ID),
		Content:  chunk.Content,
		Metadata: chunk.Metadata,
	}
	if d, ok := doc.Data()[fieldDistance].(float64); ok {
		hit.Distance = d
	}
	return hit, nil
}
