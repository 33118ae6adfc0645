package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
)

type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type BucketCreator interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store uploads every file of a run to Bucket under Prefix/<run name>/. When Local is set the run
// is archived there first and the archived copy is uploaded.
type S3Store struct {
	Bucket            string
	Prefix            string
	Region            string
	UploadConcurrency int
	Local             ResultStore

	uploader Uploader
	buckets  BucketCreator
}

type S3StoreInput struct {
	Bucket            string
	Prefix            string
	UploadConcurrency int
	Local             ResultStore
}

func NewS3Store(ctx context.Context, input *S3StoreInput) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 1024 * 1024 * 10
	})
	s := NewS3StoreFromClients(input, uploader, client)
	s.Region = cfg.Region
	return s, nil
}

func NewS3StoreFromClients(input *S3StoreInput, uploader Uploader, buckets BucketCreator) *S3Store {
	return &S3Store{
		Bucket:            input.Bucket,
		Prefix:            input.Prefix,
		UploadConcurrency: max(input.UploadConcurrency, 1),
		Local:             input.Local,
		uploader:          uploader,
		buckets:           buckets,
	}
}

// EnsureBucket creates the bucket unless it already exists.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{
		Bucket: &s.Bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	if s.Region != "" && s.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(s.Region),
		}
	}
	_, err := s.buckets.CreateBucket(ctx, input)
	var owned *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		slog.Debug("bucket already exists", slog.String("name", s.Bucket))
		return nil
	} else if err != nil {
		return err
	}
	slog.Debug("created bucket", slog.String("name", s.Bucket))
	return nil
}

func (s *S3Store) Key(runDir, rel string) string {
	return path.Join(s.Prefix, filepath.Base(runDir), filepath.ToSlash(rel))
}

func (s *S3Store) Archive(ctx context.Context, runDir string) (string, error) {
	if s.Local != nil {
		dir, err := s.Local.Archive(ctx, runDir)
		if err != nil {
			return "", err
		}
		runDir = dir
	}

	files := []string{}
	err := filepath.WalkDir(runDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return runDir, err
	}

	slog.Info("uploading results", slog.String("bucket", s.Bucket), slog.Int("files", len(files)))
	var mu sync.Mutex
	var errs []error
	pool := pond.New(s.UploadConcurrency, 0, pond.MinWorkers(s.UploadConcurrency))
	bar := progressbar.Default(int64(len(files)), "uploading results")
	for _, file := range files {
		pool.Submit(func() {
			defer bar.Add(1)
			if err := s.upload(ctx, runDir, file); err != nil {
				slog.Error("failed to upload result", slog.String("file", file), slog.String("error", err.Error()))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	bar.Finish()

	if err := errors.Join(errs...); err != nil {
		return runDir, fmt.Errorf("some results failed to upload: %w", err)
	}
	slog.Info("done uploading", slog.String("bucket", s.Bucket))
	return runDir, nil
}

func (s *S3Store) upload(ctx context.Context, runDir, file string) error {
	rel, err := filepath.Rel(runDir, file)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key(runDir, rel)),
		Body:   f,
	})
	return err
}
