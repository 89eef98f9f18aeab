package remote

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync/atomic"
)

// Field is one plain form field of a multipart upload.
type Field struct {
	Name  string
	Value string
}

// Form describes a single-file multipart upload.
type Form struct {
	Fields      []Field
	FileField   string
	FileName    string
	ContentType string
	File        io.Reader
	// Size is the file length in bytes, used for progress reporting.
	Size int64
}

// ProgressFunc receives the number of file bytes sent so far and the
// expected total.
type ProgressFunc func(sent, total int64)

// PostMultipart streams form to path. The body is produced through a pipe,
// so the file is never buffered in memory.
func (c *Client) PostMultipart(ctx context.Context, path string, form Form, onProgress ProgressFunc, opts ...RequestOption) (*Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, form, onProgress))
	}()

	resp, err := c.do(ctx, http.MethodPost, path, pr, mw.FormDataContentType(), opts)
	// Unblock the writer if the request ended before consuming the body.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	return resp, err
}

func writeForm(mw *multipart.Writer, form Form, onProgress ProgressFunc) error {
	for _, f := range form.Fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("writing field %s: %w", f.Name, err)
		}
	}

	field := form.FileField
	if field == "" {
		field = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, form.FileName))
	ct := form.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}
	src := io.Reader(form.File)
	if onProgress != nil {
		src = &countingReader{r: form.File, total: form.Size, fn: onProgress}
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("streaming %s: %w", form.FileName, err)
	}
	return mw.Close()
}

// countingReader reports cumulative bytes read.
type countingReader struct {
	r     io.Reader
	total int64
	n     atomic.Int64
	fn    ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.fn(c.n.Add(int64(n)), c.total)
	}
	return n, err
}
