// Package persistence writes audit records to the object store and renders
// the downloadable feature artifact.
package persistence

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gdm-risk-service/internal/common/errors"
	"gdm-risk-service/internal/common/logger"
	"gdm-risk-service/internal/common/metrics"
	"gdm-risk-service/internal/gdm/inference"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore is the subset of the S3 API the persister uses.
type ObjectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// PersistReceipt describes a completed durable write.
type PersistReceipt struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ETag      string    `json:"etag,omitempty"`
	VersionID string    `json:"versionId,omitempty"`
	Bytes     int       `json:"bytes"`
	WrittenAt time.Time `json:"writtenAt"`
}

type Persister struct {
	store  ObjectStore
	bucket string
	cache  *AuditCache
	logger logger.Logger
	now    func() time.Time

	// stale holds object keys whose cached body may predate the stored
	// object. Lookups bypass the cache for them until a write succeeds.
	stale sync.Map
}

type PersisterOptions struct {
	Store  ObjectStore
	Bucket string
	Cache  *AuditCache // optional
	Logger logger.Logger
}

func NewPersister(opts PersisterOptions) *Persister {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Persister{
		store:  opts.Store,
		bucket: opts.Bucket,
		cache:  opts.Cache,
		logger: log,
		now:    time.Now,
	}
}

func (p *Persister) Bucket() string { return p.bucket }

// Persist writes one AuditRecord to {bucket}/GDM_prediction_{id}.csv. A write
// to an identifier that already has a record replaces it.
func (p *Persister) Persist(ctx context.Context, id string, label inference.RiskLabel, clinician int) (*PersistReceipt, error) {
	key := ObjectKey(id)

	if clinician != 0 && clinician != 1 {
		return nil, errors.NewStorageWriteError(p.bucket, key, fmt.Errorf("clinician judgment must be 0 or 1, got %d", clinician))
	}

	body, err := EncodeAuditCSV(AuditRecord{Identifier: id, Prediction: label.Code(), Clinician: clinician})
	if err != nil {
		return nil, errors.NewStorageWriteError(p.bucket, key, err)
	}

	p.invalidateCache(ctx, key)

	out, err := p.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(ContentTypeCSV),
	})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("put", "error").Inc()
		return nil, errors.NewStorageWriteError(p.bucket, key, err)
	}
	metrics.StorageOperations.WithLabelValues("put", "ok").Inc()

	receipt := &PersistReceipt{
		Bucket:    p.bucket,
		Key:       key,
		Bytes:     len(body),
		WrittenAt: p.now().UTC(),
	}
	if out != nil {
		receipt.ETag = aws.ToString(out.ETag)
		receipt.VersionID = aws.ToString(out.VersionId)
	}

	p.storeCache(ctx, key, body)

	return receipt, nil
}

// Lookup returns the stored AuditRecord for id, from the cache when present.
func (p *Persister) Lookup(ctx context.Context, id string) (*AuditRecord, error) {
	key := ObjectKey(id)

	if p.cache != nil && p.isStale(key) {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
	} else if p.cache != nil {
		data, ok, err := p.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			p.logger.Warn("audit cache read failed", map[string]interface{}{"key": key, "error": err})
		case ok:
			if rec, err := DecodeAuditCSV(data); err == nil {
				metrics.CacheLookups.WithLabelValues("hit").Inc()
				return rec, nil
			}
			metrics.CacheLookups.WithLabelValues("corrupt").Inc()
			p.stale.Store(key, struct{}{})
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	out, err := p.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if stderrors.As(err, &noKey) {
			metrics.StorageOperations.WithLabelValues("get", "not_found").Inc()
			return nil, errors.NewAuditNotFoundError(key)
		}
		metrics.StorageOperations.WithLabelValues("get", "error").Inc()
		return nil, errors.NewStorageReadError(p.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.NewStorageReadError(p.bucket, key, err)
	}
	rec, err := DecodeAuditCSV(data)
	if err != nil {
		return nil, errors.NewStorageReadError(p.bucket, key, err)
	}
	metrics.StorageOperations.WithLabelValues("get", "ok").Inc()

	p.fillCache(ctx, key, data)
	return rec, nil
}

func (p *Persister) isStale(key string) bool {
	_, ok := p.stale.Load(key)
	return ok
}

func (p *Persister) invalidateCache(ctx context.Context, key string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, key); err != nil {
		p.stale.Store(key, struct{}{})
		p.logger.Warn("audit cache invalidation failed", map[string]interface{}{"key": key, "error": err})
	}
}

// storeCache writes the body just persisted. On failure the key stays
// marked stale so an older cached body is never served.
func (p *Persister) storeCache(ctx context.Context, key string, body []byte) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, key, body); err != nil {
		p.stale.Store(key, struct{}{})
		p.logger.Warn("audit cache refresh failed", map[string]interface{}{"key": key, "error": err})
		return
	}
	p.stale.Delete(key)
}

// fillCache caches a body read from the store. A stale key is overwritten
// since the store read is newer than whatever the cache holds.
func (p *Persister) fillCache(ctx context.Context, key string, body []byte) {
	if p.cache == nil {
		return
	}
	if p.isStale(key) {
		p.storeCache(ctx, key, body)
		return
	}
	if err := p.cache.Fill(ctx, key, body); err != nil {
		p.logger.Warn("audit cache fill failed", map[string]interface{}{"key": key, "error": err})
	}
}
