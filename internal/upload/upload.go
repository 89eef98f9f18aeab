// Package upload sends message attachments to a storage sink with
// per-file progress and isolated failures.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSkipped is reported for files a sequential upload never attempted.
var ErrSkipped = errors.New("upload skipped")

const (
	defaultParallelism = 4

	// sniffLen is how much of the content mimetype inspects.
	sniffLen = 3072
)

// File is one attachment awaiting upload.
type File struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	// Path is a local path or file:// URI.
	Path string
	// Open returns the content. Defaults to opening Path.
	Open func() (io.ReadCloser, error)
}

// FileFromAttachment builds an upload File from a local attachment.
func FileFromAttachment(a model.Attachment) File {
	return File{
		ID:       a.ID,
		Name:     a.Name,
		MimeType: a.MimeType,
		Size:     a.SizeBytes,
		Path:     a.LocalURI,
	}
}

func (f File) open() (io.ReadCloser, int64, error) {
	if f.Open != nil {
		rc, err := f.Open()
		return rc, f.Size, err
	}
	path := strings.TrimPrefix(f.Path, "file://")
	fh, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	size := f.Size
	if size <= 0 {
		if st, err := fh.Stat(); err == nil {
			size = st.Size()
		}
	}
	return fh, size, nil
}

// Destination is where a file belongs.
type Destination struct {
	ConversationID string
}

// Descriptor is the stored file as the sink reports it.
type Descriptor struct {
	ID       string
	URL      string
	Kind     string
	Name     string
	Size     int64
	MimeType string
	Status   model.AttachmentStatus
}

// Attachment converts d to the attachment carried by a sent message.
func (d Descriptor) Attachment() model.Attachment {
	return model.Attachment{
		ID:             d.ID,
		RemoteURL:      d.URL,
		Name:           d.Name,
		Kind:           d.Kind,
		MimeType:       d.MimeType,
		SizeBytes:      d.Size,
		Status:         d.Status,
		UploadProgress: 100,
	}
}

// Sink stores file content. onProgress receives bytes sent and the total.
type Sink interface {
	Put(ctx context.Context, f File, body io.Reader, dest Destination, onProgress func(sent, total int64)) (Descriptor, error)
}

// Result is the outcome of one file.
type Result struct {
	File       File
	Descriptor Descriptor
	Err        error
}

// Pipeline uploads attachments through a Sink.
type Pipeline struct {
	sink        Sink
	parallelism int
	logger      *zap.Logger
}

// New creates a pipeline. parallelism <= 0 uses the default limit.
func New(sink Sink, parallelism int, logger *zap.Logger) *Pipeline {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{sink: sink, parallelism: parallelism, logger: logger}
}

// UploadOne uploads a single file. onProgress receives integer percentages
// that never decrease and end at 100 on success.
func (p *Pipeline) UploadOne(ctx context.Context, f File, dest Destination, onProgress func(pct int)) (Descriptor, error) {
	rc, size, err := f.open()
	if err != nil {
		return Descriptor{}, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	f.Size = size

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Descriptor{}, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	head = head[:n]
	if f.MimeType == "" {
		f.MimeType = mimetype.Detect(head).String()
	}
	if f.Name == "" {
		f.Name = f.ID
		if m := mimetype.Lookup(f.MimeType); m != nil {
			f.Name += m.Extension()
		}
	}

	prog := newPercent(onProgress)
	body := io.MultiReader(bytes.NewReader(head), rc)

	d, err := p.sink.Put(ctx, f, body, dest, prog.bytes)
	if err != nil {
		return Descriptor{}, fmt.Errorf("uploading %s: %w", f.Name, err)
	}
	d = complete(d, f)
	prog.done()
	return d, nil
}

// complete fills fields the sink left empty from the local file. The
// descriptor id is always the caller's file id.
func complete(d Descriptor, f File) Descriptor {
	d.ID = f.ID
	if d.Name == "" {
		d.Name = f.Name
	}
	if d.MimeType == "" {
		d.MimeType = f.MimeType
	}
	if d.Kind == "" {
		d.Kind = model.KindForMIME(d.MimeType)
	}
	if d.Size <= 0 {
		d.Size = f.Size
	}
	if d.Status == "" {
		d.Status = model.AttachmentUploaded
	}
	return d
}

// UploadSequential uploads files one at a time. onItemDone is told about
// every attempted file and returns whether to continue; files after a stop
// report ErrSkipped.
func (p *Pipeline) UploadSequential(ctx context.Context, files []File, dest Destination, onEachProgress func(i, pct int), onItemDone func(i int, r Result) bool) []Result {
	results := make([]Result, len(files))
	for i := range results {
		results[i] = Result{File: files[i], Err: ErrSkipped}
	}
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			break
		}
		d, err := p.UploadOne(ctx, f, dest, indexed(onEachProgress, i))
		results[i] = Result{File: f, Descriptor: d, Err: err}
		if err != nil {
			p.logger.Warn("attachment upload failed", zap.String("file_id", f.ID), zap.Error(err))
		}
		if onItemDone != nil && !onItemDone(i, results[i]) {
			break
		}
	}
	return results
}

// UploadParallel uploads files concurrently, bounded by the pipeline's
// parallelism. A failed file never cancels its siblings.
func (p *Pipeline) UploadParallel(ctx context.Context, files []File, dest Destination, onEachProgress func(i, pct int)) []Result {
	results := make([]Result, len(files))
	var g errgroup.Group
	g.SetLimit(p.parallelism)
	for i, f := range files {
		g.Go(func() error {
			d, err := p.UploadOne(ctx, f, dest, indexed(onEachProgress, i))
			results[i] = Result{File: f, Descriptor: d, Err: err}
			if err != nil {
				p.logger.Warn("attachment upload failed", zap.String("file_id", f.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func indexed(fn func(i, pct int), i int) func(int) {
	if fn == nil {
		return nil
	}
	return func(pct int) { fn(i, pct) }
}
