// Package mirror replicates the image archive to an S3-compatible bucket and
// fetches images back by partial hash.
package mirror

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/odvcencio/elfvault/pkg/archive"
	"github.com/odvcencio/elfvault/pkg/fault"
	"github.com/odvcencio/elfvault/pkg/locate"
)

// maxObjectSize caps a single downloaded image.
const maxObjectSize = 256 << 20

// API is the subset of the S3 client the mirror uses.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config describes the bucket connection.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle *bool
	// MaxAttempts bounds retries per request; zero uses 5.
	MaxAttempts int
}

// Client mirrors images to one bucket under an optional key prefix.
type Client struct {
	api    API
	bucket string
	prefix string
	log    *zap.Logger
}

// Object is an image stored in the bucket.
type Object struct {
	Key      string
	ConfigID string
	Hash     archive.Hash
	Size     int64
}

// PushSummary reports the outcome of Push.
type PushSummary struct {
	Uploaded int
	Skipped  int
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fault.New(fault.Configuration, "mirror", "bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), attempts)
		}),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "mirror config", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	pathStyle := endpoint != ""
	if cfg.PathStyle != nil {
		pathStyle = *cfg.PathStyle
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(api, cfg.Bucket, cfg.Prefix, log), nil
}

// New wraps an existing API.
func New(api API, bucket, prefix string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

// Key returns the object key for an image.
func (c *Client) Key(configID string, h archive.Hash) string {
	k := configID + "/" + string(h) + archive.Ext
	if c.prefix != "" {
		k = c.prefix + "/" + k
	}
	return k
}

func (c *Client) listPrefix() string {
	if c.prefix == "" {
		return ""
	}
	return c.prefix + "/"
}

// parseKey splits a key into config and hash; ok is false for foreign keys.
func (c *Client) parseKey(key string) (string, archive.Hash, bool) {
	rest, found := strings.CutPrefix(key, c.listPrefix())
	if !found {
		return "", "", false
	}
	configID, name, found := strings.Cut(rest, "/")
	if !found || archive.ValidConfigID(configID) != nil {
		return "", "", false
	}
	stem, found := strings.CutSuffix(name, archive.Ext)
	if !found {
		return "", "", false
	}
	h, err := archive.ParseHash(stem)
	if err != nil {
		return "", "", false
	}
	return configID, h, true
}

// Push uploads the artifacts of configID (all configs when empty) that the
// bucket does not already hold.
func (c *Client) Push(ctx context.Context, store *archive.Store, configID string) (*PushSummary, error) {
	artifacts, err := store.List(configID)
	if err != nil {
		return nil, err
	}
	summary := &PushSummary{}
	for _, a := range artifacts {
		key := c.Key(a.ConfigID, a.Hash)
		exists, err := c.exists(ctx, key)
		if err != nil {
			return summary, err
		}
		if exists {
			summary.Skipped++
			continue
		}
		if err := c.upload(ctx, store, a, key); err != nil {
			return summary, err
		}
		c.log.Info("uploaded image", zap.String("key", key), zap.Int64("size", a.Size))
		summary.Uploaded++
	}
	return summary, nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &c.bucket, Key: &key})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fault.Wrap(fault.IO, "head "+key, err)
}

func (c *Client) upload(ctx context.Context, store *archive.Store, a archive.Artifact, key string) error {
	checksum, err := encodeSHA256(string(a.Hash))
	if err != nil {
		return err
	}
	f, err := store.Open(a.ConfigID, a.Hash)
	if err != nil {
		return err
	}
	defer f.Close()

	size := a.Size
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            &c.bucket,
		Key:               &key,
		Body:              f,
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256":    string(a.Hash),
			"config-id": a.ConfigID,
		},
	})
	if err != nil {
		return fault.Wrap(fault.IO, "put "+key, err)
	}
	return nil
}

// Find lists bucket images whose hash contains partial, ignoring case,
// ordered by key.
func (c *Client) Find(ctx context.Context, partial string) ([]Object, error) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return nil, nil
	}
	prefix := c.listPrefix()
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: &prefix,
	})

	var out []Object
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.IO, "list "+c.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			configID, h, ok := c.parseKey(key)
			if !ok || !locate.MatchesPartial(key, partial) {
				continue
			}
			out = append(out, Object{Key: key, ConfigID: configID, Hash: h, Size: aws.ToInt64(obj.Size)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Fetch downloads obj, verifies its hash and archives it locally.
func (c *Client) Fetch(ctx context.Context, obj Object, store *archive.Store) (string, error) {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &c.bucket, Key: &obj.Key})
	if err != nil {
		if isNotFound(err) {
			return "", fault.New(fault.NotFound, "fetch", "%s not in bucket %s", obj.Key, c.bucket)
		}
		return "", fault.Wrap(fault.IO, "get "+obj.Key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return "", fault.Wrap(fault.IO, "read "+obj.Key, err)
	}
	if len(data) > maxObjectSize {
		return "", fault.New(fault.IO, "fetch", "%s exceeds %d bytes", obj.Key, maxObjectSize)
	}
	if got := archive.HashBytes(data); got != obj.Hash {
		return "", fault.New(fault.IO, "fetch", "sha256 mismatch for %s (got %s)", obj.Key, got.Short(12))
	}
	return store.Archive(data, obj.ConfigID)
}

// Finder adapts a Client to locate.RemoteFinder, caching fetched images in
// Store.
type Finder struct {
	Client *Client
	Store  *archive.Store
}

func (f *Finder) FindImage(ctx context.Context, partial string) (string, bool, error) {
	objs, err := f.Client.Find(ctx, partial)
	if err != nil || len(objs) == 0 {
		return "", false, err
	}
	if len(objs) > 1 {
		keys := make([]string, len(objs))
		for i, o := range objs {
			keys[i] = o.Key
		}
		f.Client.log.Info("several remote images match, using the first", zap.Strings("keys", keys))
	}
	path, err := f.Client.Fetch(ctx, objs[0], f.Store)
	if fault.Is(err, fault.NotFound) {
		// Deleted between the listing and the download.
		f.Client.log.Debug("remote image vanished", zap.String("key", objs[0].Key))
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func encodeSHA256(hexValue string) (string, error) {
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", fmt.Errorf("decode sha256: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
