package provider

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ensure interface is implemented
var _ Filesystem = (*S3)(nil)

// S3 implements Filesystem on an S3 bucket. Prefixes play the role of
// directories: listing a path returns its direct children, where a child
// prefix is sized by the total of the objects below it.
type S3 struct {
	client     *s3.Client
	bucket     string
	prefix     string
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3 creates a new S3 filesystem using the default AWS credential chain.
// A non-empty endpoint replaces the AWS one and switches to path-style
// addressing, as S3 compatible stores expect.
func NewS3(ctx context.Context, bucket, prefix, endpoint string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, bucket, prefix), nil
}

func newS3(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{
		client:     client,
		bucket:     bucket,
		prefix:     prefix,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}
}

// buildKey constructs the full S3 key based on the filesystem's prefix
func (p *S3) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func dirPrefix(key string) string {
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return key
}

// List returns the direct children of pth.
func (p *S3) List(ctx context.Context, pth string) ([]FileEntry, error) {
	prefix := dirPrefix(p.buildKey(pth))

	var entries []FileEntry
	index := make(map[string]int)

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}
		for _, obj := range out.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if rel == "" {
				continue
			}
			child, _, _ := strings.Cut(rel, "/")
			if child == "" {
				continue
			}
			i, ok := index[child]
			if !ok {
				i = len(entries)
				index[child] = i
				entries = append(entries, FileEntry{Path: path.Join("/", pth, child)})
			}
			entries[i].SizeBytes += uint64(aws.ToInt64(obj.Size))
		}
	}
	return entries, nil
}

// CopyToLocal downloads remotePath, an object or a prefix, into localDir.
func (p *S3) CopyToLocal(ctx context.Context, remotePath, localDir string) error {
	key := p.buildKey(remotePath)
	name := path.Base(key)

	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return p.download(ctx, key, filepath.Join(localDir, name))
	}

	prefix := dirPrefix(key)
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	found := false
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list %q: %w", remotePath, err)
		}
		for _, obj := range out.Contents {
			objKey := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(objKey, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			found = true
			if err := p.download(ctx, objKey, filepath.Join(localDir, name, filepath.FromSlash(rel))); err != nil {
				return err
			}
		}
	}
	if !found {
		return fmt.Errorf("file not found: %s", remotePath)
	}
	return nil
}

func (p *S3) download(ctx context.Context, key, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	_, err = p.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to download s3://%s/%s: %w", p.bucket, key, err)
	}
	return f.Close()
}

// CopyFromLocal uploads each local file or directory tree into remoteDir.
func (p *S3) CopyFromLocal(ctx context.Context, localPaths []string, remoteDir string) error {
	for _, local := range localPaths {
		base := filepath.Dir(local)
		err := filepath.WalkDir(local, func(fp string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(base, fp)
			if err != nil {
				return err
			}
			return p.upload(ctx, fp, p.buildKey(path.Join(remoteDir, filepath.ToSlash(rel))))
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", local, err)
		}
	}
	return nil
}

func (p *S3) upload(ctx context.Context, local, key string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// MakeDirRecursive is a no-op: S3 prefixes exist once an object is written
// under them.
func (p *S3) MakeDirRecursive(ctx context.Context, pth string) error {
	return ctx.Err()
}
