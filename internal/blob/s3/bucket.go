package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// minPartSize is the S3 minimum multipart part size.
const minPartSize int64 = 5 << 20

// Bucket implements domain.BlobWriter and domain.BlobReader for objects
// under a fixed key root. Paths passed in and returned are relative to
// that root.
type Bucket struct {
	client *s3.Client
	bucket string
	root   string
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ domain.BlobReader = (*Bucket)(nil)
)

// NewBucket returns a Bucket rooted at root, which may be empty.
func NewBucket(c *Client, root string) *Bucket {
	return &Bucket{
		client: c.s3,
		bucket: c.bucket,
		root:   strings.Trim(root, "/"),
	}
}

func (b *Bucket) key(p string) string {
	if b.root == "" {
		return p
	}
	return path.Join(b.root, p)
}

func (b *Bucket) rel(key string) string {
	if b.root == "" {
		return key
	}
	return strings.TrimPrefix(key, b.root+"/")
}

// Put uploads data with a single PutObject call.
func (b *Bucket) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(p)),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", p, err)
	}
	return nil
}

// PutMultipart uploads data in parts of at least 5 MiB through the upload
// manager.
func (b *Bucket) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
		Body:   data,
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", p, err)
	}
	return nil
}

// Get returns the object body, or domain.ErrNotFound. The caller closes it.
func (b *Bucket) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", p, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", p, err)
	}
	return out.Body, nil
}

// List returns every object under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{
				Path: b.rel(aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Exists reports whether an object is stored at p.
func (b *Bucket) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3blob: head %s: %w", p, err)
}

// isNotFound matches NoSuchKey, the bare 404 HeadObject returns, and 404s
// from providers that only expose the HTTP status.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404
}
