package drivers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleBlocks() []Block {
	return []Block{
		{Offset: 0, Data: bytes.Repeat([]byte("boot"), 1024)},
		{Offset: 1 << 20, Data: []byte("changed sector")},
		{Offset: 4 << 30, Data: nil},
	}
}

func TestBlockCodec(t *testing.T) {
	payload, err := encodeBlocks(sampleBlocks())
	require.NoError(t, err)
	assert.Less(t, len(payload), 4096, "repetitive data compresses")

	got, err := decodeBlocks(payload)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1<<20), got[1].Offset)
	assert.Equal(t, []byte("changed sector"), got[1].Data)
	assert.Equal(t, int64(4<<30), got[2].Offset)
	assert.Empty(t, got[2].Data)

	t.Run("empty set", func(t *testing.T) {
		payload, err := encodeBlocks(nil)
		require.NoError(t, err)
		got, err := decodeBlocks(payload)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("corrupt payload", func(t *testing.T) {
		_, err := decodeBlocks([]byte("not zstd"))
		assert.Error(t, err)
	})
}

func TestLocalStaging(t *testing.T) {
	ctx := context.Background()
	d, err := NewLocalStaging(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "local", d.Name())

	n, err := d.WriteBlocks(ctx, "stagingeast", "vm-01-os/1", sampleBlocks())
	require.NoError(t, err)
	assert.Positive(t, n)

	got, err := d.ReadBlocks(ctx, "stagingeast", "vm-01-os/1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.True(t, strings.HasPrefix(d.Locate("stagingeast", "vm-01-os/1"), "file://"))

	require.NoError(t, d.DeleteRef(ctx, "stagingeast", "vm-01-os/1"))
	require.NoError(t, d.DeleteRef(ctx, "stagingeast", "vm-01-os/1"), "delete is idempotent")

	_, err = d.ReadBlocks(ctx, "stagingeast", "vm-01-os/1")
	assert.ErrorIs(t, err, ErrRefNotFound)

	t.Run("disk image", func(t *testing.T) {
		img := NewImage(time.Now(), sampleBlocks()[:2])
		require.NoError(t, d.WriteImage(ctx, "stagingeast", "vm-01-os/image-1", img))
		assert.True(t, strings.HasSuffix(d.Locate("stagingeast", "vm-01-os/image-1"), "/stagingeast/vm-01-os/image-1.vhd"))

		rc, err := d.OpenImage(ctx, "stagingeast", "vm-01-os/image-1")
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Len(t, got, int(img.Size()))
		assert.Equal(t, []byte("changed sector"), got[1<<20:1<<20+14])

		require.NoError(t, d.DeleteImage(ctx, "stagingeast", "vm-01-os/image-1"))
		require.NoError(t, d.DeleteImage(ctx, "stagingeast", "vm-01-os/image-1"))
		_, err = d.OpenImage(ctx, "stagingeast", "vm-01-os/image-1")
		assert.ErrorIs(t, err, ErrRefNotFound)
	})

	t.Run("rejects escaping paths", func(t *testing.T) {
		_, err := d.WriteBlocks(ctx, "stagingeast", "../../etc/passwd", nil)
		assert.Error(t, err)
		_, err = d.WriteBlocks(ctx, "", "ref", nil)
		assert.Error(t, err)
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := d.WriteBlocks(cctx, "stagingeast", "x", sampleBlocks())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestThrottledStaging(t *testing.T) {
	ctx := context.Background()
	backend, err := NewLocalStaging(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	t.Run("unlimited", func(t *testing.T) {
		d := NewThrottledStaging(backend, 0, zap.NewNop())
		_, err := d.WriteBlocks(ctx, "s", "a", sampleBlocks())
		require.NoError(t, err)
		assert.Equal(t, "local", d.Name())
	})

	t.Run("limited write waits for bandwidth", func(t *testing.T) {
		d := NewThrottledStaging(backend, 1024, zap.NewNop())
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		// 4 KiB at 1 KiB/s cannot finish before the deadline.
		_, err := d.WriteBlocks(cctx, "s", "b", []Block{{Data: make([]byte, 4096)}})
		assert.Error(t, err)
	})
}

// fakeS3 is a minimal path-style object store.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Staging(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	d, err := NewS3Staging(S3Config{
		Endpoint:  srv.URL,
		Bucket:    "staging",
		Prefix:    "/siterecovery/",
		AccessKey: "AKID",
		SecretKey: "SECRET",
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "s3", d.Name())
	assert.Equal(t, "s3://staging/siterecovery/stagingwest/vm-01-os/7.vhd", d.Locate("stagingwest", "vm-01-os/7"))

	_, err = d.WriteBlocks(ctx, "stagingwest", "vm-01-os/7", sampleBlocks())
	require.NoError(t, err)

	fake.mu.Lock()
	_, stored := fake.objects["/staging/siterecovery/stagingwest/vm-01-os/7.blk.zst"]
	fake.mu.Unlock()
	assert.True(t, stored, "path-style key under the prefix")

	got, err := d.ReadBlocks(ctx, "stagingwest", "vm-01-os/7")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, d.DeleteRef(ctx, "stagingwest", "vm-01-os/7"))
	_, err = d.ReadBlocks(ctx, "stagingwest", "vm-01-os/7")
	assert.Error(t, err)

	t.Run("disk image", func(t *testing.T) {
		img := NewImage(time.Now(), []Block{{Offset: 0, Data: []byte("boot sector")}})
		require.NoError(t, d.WriteImage(ctx, "stagingwest", "vm-01-os/image-1", img))

		fake.mu.Lock()
		stored := fake.objects["/staging/siterecovery/stagingwest/vm-01-os/image-1.vhd"]
		fake.mu.Unlock()
		require.Len(t, stored, int(img.Size()))

		rc, err := d.OpenImage(ctx, "stagingwest", "vm-01-os/image-1")
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.True(t, bytes.HasPrefix(got, []byte("boot sector")))

		require.NoError(t, d.DeleteImage(ctx, "stagingwest", "vm-01-os/image-1"))
		_, err = d.OpenImage(ctx, "stagingwest", "vm-01-os/image-1")
		assert.Error(t, err)
	})

	_, err = NewS3Staging(S3Config{}, nil, nil)
	assert.Error(t, err)
}
