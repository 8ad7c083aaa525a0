// Package s3store implements the remote store over S3-compatible object
// storage (AWS S3, MinIO, Cloudflare R2).
//
// Each entity is one object at <prefix>/<type>/<id>.json holding its
// envelope. Writes use conditional requests so concurrent writers cannot
// overwrite each other silently.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/logging"
	"github.com/mimisupply/synccore/internal/models"
)

// DefaultFetchConcurrency bounds parallel object reads in FetchChanges.
const DefaultFetchConcurrency = 8

const (
	metaVersion    = "version"
	metaEntityType = "entity-type"
)

// API is the subset of the S3 client the store uses. *s3.Client
// implements it.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures a Store.
type Config struct {
	Provider  Provider
	Endpoint  string
	AccountID string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
	UseSSL    bool
}

// Options tunes a Store.
type Options struct {
	FetchConcurrency int
	Logger           *zap.Logger
}

// Store is a remote store backed by an S3 bucket.
type Store struct {
	api         API
	bucket      string
	prefix      string
	concurrency int
	logger      *zap.Logger
}

// New creates a Store for the configured provider. Static credentials are
// used when given; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, opts Options) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	ep, err := resolveEndpoint(cfg)
	if err != nil {
		return nil, fmt.Errorf("s3store: %w", err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ep.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep.URL != "" {
			o.BaseEndpoint = aws.String(ep.URL)
		}
		o.UsePathStyle = ep.PathStyle
	})
	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, opts), nil
}

// NewWithAPI creates a Store over an existing client.
func NewWithAPI(api API, bucket, prefix string, opts Options) *Store {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	return &Store{
		api:         api,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		concurrency: opts.FetchConcurrency,
		logger:      logging.Or(opts.Logger, "s3store"),
	}
}

// ObjectKey returns the object key of an entity.
func (s *Store) ObjectKey(t models.EntityType, id string) string {
	key := fmt.Sprintf("%s/%s.json", t, id)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

type object struct {
	entity   models.Entity
	etag     string
	modified time.Time
	key      string
}

// Create stores a new entity. If the object already exists the write
// falls back to Update semantics, so an identical or newer version is
// still accepted.
func (s *Store) Create(ctx context.Context, e models.Entity) (models.Entity, error) {
	err := s.put(ctx, "create", e, &s3.PutObjectInput{IfNoneMatch: aws.String("*")})
	if apperrors.Is(err, apperrors.ErrRemoteConflict) {
		err = s.save(ctx, "create", e)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Update stores a newer version of an entity. A stored version that is not
// older than e is a conflict unless the content is identical.
func (s *Store) Update(ctx context.Context, e models.Entity) (models.Entity, error) {
	if err := s.save(ctx, "update", e); err != nil {
		return nil, err
	}
	return e, nil
}

// Fetch returns the stored entity.
func (s *Store) Fetch(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	obj, err := s.get(ctx, "fetch", s.ObjectKey(t, id), id)
	if err != nil {
		return nil, err
	}
	return obj.entity, nil
}

// FetchChanges lists the bucket and returns entities modified after since,
// oldest first.
func (s *Store) FetchChanges(ctx context.Context, since time.Time) ([]models.Entity, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("fetch_changes", "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			if obj.LastModified != nil && !obj.LastModified.After(since) {
				continue
			}
			keys = append(keys, key)
		}
	}

	objects := make([]object, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			obj, err := s.get(gctx, "fetch_changes", key, "")
			if apperrors.Is(err, apperrors.ErrRemoteNotFound) {
				// Deleted between list and get.
				return nil
			}
			objects[i] = obj
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool {
		if objects[i].modified.Equal(objects[j].modified) {
			return objects[i].key < objects[j].key
		}
		return objects[i].modified.Before(objects[j].modified)
	})

	out := make([]models.Entity, 0, len(objects))
	for _, obj := range objects {
		if obj.entity != nil {
			out = append(out, obj.entity)
		}
	}
	s.logger.Debug("fetched remote changes", zap.Time("since", since), zap.Int("count", len(out)))
	return out, nil
}

// SaveBatch saves entities in order with Update semantics. Failed items are
// reported in a partial failure keyed by models.BatchItemKey.
func (s *Store) SaveBatch(ctx context.Context, es []models.Entity) ([]models.Entity, error) {
	saved := make([]models.Entity, 0, len(es))
	failed := make(map[string]error)
	for i, e := range es {
		if err := s.save(ctx, "save_batch", e); err != nil {
			failed[models.BatchItemKey(i)] = err
			continue
		}
		saved = append(saved, e)
	}
	if len(failed) == 0 {
		return saved, nil
	}
	if len(saved) == 0 && len(failed) == len(es) {
		// Nothing landed: surface a shared network failure as such.
		if err := failed[models.BatchItemKey(0)]; apperrors.Is(err, apperrors.ErrNetwork) {
			return nil, err
		}
	}
	return saved, &apperrors.RemoteError{Code: apperrors.ErrRemotePartialFailure, Op: "save_batch", Items: failed}
}

// save writes e if the stored version is older, using the stored ETag as a
// precondition.
func (s *Store) save(ctx context.Context, op string, e models.Entity) error {
	current, err := s.get(ctx, op, s.ObjectKey(e.EntityType(), e.EntityID()), e.EntityID())
	if apperrors.Is(err, apperrors.ErrRemoteNotFound) {
		return s.put(ctx, op, e, &s3.PutObjectInput{IfNoneMatch: aws.String("*")})
	}
	if err != nil {
		return err
	}
	if models.SameContent(current.entity, e) {
		return nil
	}
	if current.entity.VersionMarker() >= e.VersionMarker() {
		return &apperrors.RemoteError{
			Code:     apperrors.ErrRemoteConflict,
			Op:       op,
			EntityID: e.EntityID(),
			Err:      fmt.Errorf("stored version %d is not older than %d", current.entity.VersionMarker(), e.VersionMarker()),
		}
	}
	return s.put(ctx, op, e, &s3.PutObjectInput{IfMatch: aws.String(current.etag)})
}

// put writes the envelope of e. in carries the write precondition.
func (s *Store) put(ctx context.Context, op string, e models.Entity, in *s3.PutObjectInput) error {
	body, err := models.EncodeEntity(e)
	if err != nil {
		return apperrors.NewRemote(apperrors.ErrRemoteConstraint, op, err)
	}

	in.Bucket = aws.String(s.bucket)
	in.Key = aws.String(s.ObjectKey(e.EntityType(), e.EntityID()))
	in.Body = bytes.NewReader(body)
	in.ContentType = aws.String("application/json")
	in.Metadata = map[string]string{
		metaVersion:    strconv.FormatInt(e.VersionMarker(), 10),
		metaEntityType: string(e.EntityType()),
	}

	if _, err := s.api.PutObject(ctx, in); err != nil {
		return mapError(op, e.EntityID(), err)
	}
	s.logger.Debug("object written", zap.String("op", op), zap.String("key", aws.ToString(in.Key)), zap.Int64("version", e.VersionMarker()))
	return nil
}

func (s *Store) get(ctx context.Context, op, key, id string) (object, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return object{}, mapError(op, id, err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return object{}, mapError(op, id, err)
	}
	e, err := models.DecodeEntity(raw)
	if err != nil {
		return object{}, apperrors.NewRemote(apperrors.ErrRemoteUnknown, op, fmt.Errorf("object %s: %w", key, err))
	}
	return object{
		entity:   e,
		etag:     aws.ToString(out.ETag),
		modified: aws.ToTime(out.LastModified),
		key:      key,
	}, nil
}
