package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFunc func(ctx context.Context, f File, body io.Reader, dest Destination, onProgress func(sent, total int64)) (Descriptor, error)

func (fn sinkFunc) Put(ctx context.Context, f File, body io.Reader, dest Destination, onProgress func(sent, total int64)) (Descriptor, error) {
	return fn(ctx, f, body, dest, onProgress)
}

func memFile(id, content string) File {
	return File{
		ID:   id,
		Name: id + ".txt",
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewBufferString(content)), nil
		},
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestUploadParallelIsolatesFailures(t *testing.T) {
	var calls atomic.Int32
	p := New(sinkFunc(func(_ context.Context, f File, body io.Reader, _ Destination, _ func(int64, int64)) (Descriptor, error) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, body)
		if f.ID == "f2" {
			return Descriptor{}, errors.New("disk full")
		}
		return Descriptor{URL: "https://cdn/" + f.ID}, nil
	}), 3, nil)

	files := []File{memFile("f1", "a"), memFile("f2", "b"), memFile("f3", "c")}
	results := p.UploadParallel(context.Background(), files, Destination{ConversationID: "c1"}, nil)

	require.Len(t, results, 3)
	assert.EqualValues(t, 3, calls.Load(), "a failure must not cancel siblings")
	assert.NoError(t, results[0].Err)
	assert.ErrorContains(t, results[1].Err, "disk full")
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "https://cdn/f1", results[0].Descriptor.URL)
	assert.Equal(t, "https://cdn/f3", results[2].Descriptor.URL)
	for i, r := range results {
		assert.Equal(t, files[i].ID, r.File.ID)
	}
}

func TestUploadSequentialStopsOnRequest(t *testing.T) {
	var order []string
	p := New(sinkFunc(func(_ context.Context, f File, _ io.Reader, _ Destination, _ func(int64, int64)) (Descriptor, error) {
		order = append(order, f.ID)
		if f.ID == "f2" {
			return Descriptor{}, errors.New("rejected")
		}
		return Descriptor{}, nil
	}), 1, nil)

	var done []int
	files := []File{memFile("f1", "a"), memFile("f2", "b"), memFile("f3", "c")}
	results := p.UploadSequential(context.Background(), files, Destination{}, nil, func(i int, r Result) bool {
		done = append(done, i)
		return r.Err == nil
	})

	assert.Equal(t, []string{"f1", "f2"}, order)
	assert.Equal(t, []int{0, 1}, done)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrSkipped)
}

func TestUploadOneProgressIsMonotone(t *testing.T) {
	p := New(sinkFunc(func(_ context.Context, _ File, body io.Reader, _ Destination, onProgress func(int64, int64)) (Descriptor, error) {
		_, _ = io.Copy(io.Discard, body)
		onProgress(3, 10)
		onProgress(1, 10)
		onProgress(3, 10)
		onProgress(10, 10)
		return Descriptor{}, nil
	}), 1, nil)

	var mu sync.Mutex
	var got []int
	_, err := p.UploadOne(context.Background(), memFile("f1", "0123456789"), Destination{}, func(pct int) {
		mu.Lock()
		got = append(got, pct)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, []int{30, 99, 100}, got)
}

func TestUploadOneFailureNeverReportsComplete(t *testing.T) {
	p := New(sinkFunc(func(_ context.Context, _ File, _ io.Reader, _ Destination, onProgress func(int64, int64)) (Descriptor, error) {
		onProgress(10, 10)
		return Descriptor{}, errors.New("reset by peer")
	}), 1, nil)

	var last int
	_, err := p.UploadOne(context.Background(), memFile("f1", "x"), Destination{}, func(pct int) { last = pct })
	require.Error(t, err)
	assert.Equal(t, 99, last)
}

func TestDescriptorKeepsCallerID(t *testing.T) {
	p := New(sinkFunc(func(_ context.Context, _ File, _ io.Reader, _ Destination, _ func(int64, int64)) (Descriptor, error) {
		return Descriptor{ID: "server-generated", URL: "https://cdn/x"}, nil
	}), 1, nil)

	d, err := p.UploadOne(context.Background(), memFile("att-42", "hi"), Destination{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "att-42", d.ID)
	assert.Equal(t, model.AttachmentUploaded, d.Status)
	assert.Equal(t, int64(2), d.Size)
}

func TestUploadOneDetectsMIME(t *testing.T) {
	var seen File
	var body []byte
	p := New(sinkFunc(func(_ context.Context, f File, r io.Reader, _ Destination, _ func(int64, int64)) (Descriptor, error) {
		seen = f
		body, _ = io.ReadAll(r)
		return Descriptor{}, nil
	}), 1, nil)

	f := File{ID: "img", Size: int64(len(pngHeader)), Open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(pngHeader)), nil
	}}
	d, err := p.UploadOne(context.Background(), f, Destination{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", seen.MimeType)
	assert.Equal(t, "img.png", seen.Name)
	assert.Equal(t, pngHeader, body, "sniffed bytes are replayed")
	assert.Equal(t, "image", d.Kind)
}

func TestHTTPSinkRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"statusCode":201,"metadata":{"_id":%q,"url":"https://cdn/%s","kind":"file","size":{"low":12,"high":0,"unsigned":false}}}`,
			r.FormValue("id"), r.FormValue("roomId"))
	}))
	defer srv.Close()

	client := remote.NewClient(remote.Options{BaseURL: srv.URL})
	p := New(&HTTPSink{Client: client}, 2, nil)

	results := p.UploadParallel(context.Background(),
		[]File{memFile("att-1", "hello there!")},
		Destination{ConversationID: "room-9"}, nil)

	require.NoError(t, results[0].Err)
	d := results[0].Descriptor
	assert.Equal(t, "att-1", d.ID)
	assert.Equal(t, "https://cdn/room-9", d.URL)
	assert.Equal(t, int64(12), d.Size)
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3SinkPutsObject(t *testing.T) {
	api := &fakeS3{}
	sink := &S3Sink{Client: api, Config: S3Config{Region: "eu-west-1", Bucket: "chat", Prefix: "attachments"}}
	p := New(sink, 1, nil)

	var last int
	d, err := p.UploadOne(context.Background(), memFile("att-1", "payload"), Destination{ConversationID: "c1"}, func(pct int) { last = pct })
	require.NoError(t, err)

	assert.Equal(t, "attachments/c1/att-1/att-1.txt", *api.in.Key)
	assert.Equal(t, "chat", *api.in.Bucket)
	assert.Equal(t, "payload", string(api.body))
	assert.Equal(t, "https://chat.s3.eu-west-1.amazonaws.com/attachments/c1/att-1/att-1.txt", d.URL)
	assert.Equal(t, "att-1", d.ID)
	assert.Equal(t, 100, last)
}

func TestS3SinkURLWithEndpoint(t *testing.T) {
	s := &S3Sink{Config: S3Config{Bucket: "chat", Endpoint: "http://minio:9000/"}}
	assert.Equal(t, "http://minio:9000/chat/k/a%20b.png", s.fileURL("k/a b.png"))

	s.Config.PublicBase = "https://files.example.com"
	assert.Equal(t, "https://files.example.com/k/a%20b.png", s.fileURL("k/a b.png"))
}

func TestS3SinkError(t *testing.T) {
	sink := &S3Sink{Client: &fakeS3{err: errors.New("access denied")}, Config: S3Config{Bucket: "chat", Region: "us-east-1"}}
	_, err := New(sink, 1, nil).UploadOne(context.Background(), memFile("f", "x"), Destination{ConversationID: "c"}, nil)
	assert.ErrorContains(t, err, "access denied")
}
