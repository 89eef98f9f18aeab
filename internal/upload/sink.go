package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Uploader is the part of the request client HTTPSink needs.
type Uploader interface {
	UploadFile(ctx context.Context, conversationID, fileID string, form remote.Form, onProgress remote.ProgressFunc) (model.Attachment, error)
}

// HTTPSink posts files to the chat service's upload endpoint.
type HTTPSink struct {
	Client Uploader
}

func (s *HTTPSink) Put(ctx context.Context, f File, body io.Reader, dest Destination, onProgress func(sent, total int64)) (Descriptor, error) {
	a, err := s.Client.UploadFile(ctx, dest.ConversationID, f.ID, remote.Form{
		FileName:    f.Name,
		ContentType: f.MimeType,
		File:        body,
		Size:        f.Size,
	}, onProgress)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:       a.ID,
		URL:      a.RemoteURL,
		Kind:     a.Kind,
		Name:     a.Name,
		Size:     a.SizeBytes,
		MimeType: a.MimeType,
		Status:   a.Status,
	}, nil
}

// S3API is the subset of the S3 client S3Sink calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the bucket attachments are written to.
type S3Config struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	Prefix     string
}

// NewS3Client builds an S3 client. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Sink writes files straight to object storage.
type S3Sink struct {
	Client S3API
	Config S3Config
}

// Put buffers the file so the SDK gets a seekable body, then uploads it
// under <prefix>/<conversation>/<file id>/<name>.
func (s *S3Sink) Put(ctx context.Context, f File, body io.Reader, dest Destination, onProgress func(sent, total int64)) (Descriptor, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	key := s.key(dest, f)

	var rs io.ReadSeeker = bytes.NewReader(data)
	if onProgress != nil {
		rs = &progressSeeker{r: bytes.NewReader(data), total: int64(len(data)), fn: onProgress}
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Config.Bucket),
		Key:           aws.String(key),
		Body:          rs,
		ContentType:   aws.String(f.MimeType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"file-id":         f.ID,
			"conversation-id": dest.ConversationID,
			"uploaded-at":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("put s3://%s/%s: %w", s.Config.Bucket, key, err)
	}
	return Descriptor{
		URL:      s.fileURL(key),
		Name:     f.Name,
		Size:     int64(len(data)),
		MimeType: f.MimeType,
	}, nil
}

func (s *S3Sink) key(dest Destination, f File) string {
	name := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
	return path.Join(s.Config.Prefix, dest.ConversationID, f.ID, name)
}

func (s *S3Sink) fileURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case s.Config.PublicBase != "":
		return strings.TrimRight(s.Config.PublicBase, "/") + "/" + escaped
	case s.Config.Endpoint != "":
		return strings.TrimRight(s.Config.Endpoint, "/") + "/" + s.Config.Bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.Config.Bucket, s.Config.Region, escaped)
	}
}

// progressSeeker reports read progress and restarts the count when the SDK
// rewinds the body for a retry.
type progressSeeker struct {
	r     *bytes.Reader
	total int64
	fn    func(sent, total int64)
}

func (p *progressSeeker) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(p.total-int64(p.r.Len()), p.total)
	}
	return n, err
}

func (p *progressSeeker) Seek(offset int64, whence int) (int64, error) {
	return p.r.Seek(offset, whence)
}
