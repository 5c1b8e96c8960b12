package drivers

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlay(t *testing.T) {
	base := []Block{
		{Offset: 0, Data: []byte("boot sector")},
		{Offset: 4096, Data: []byte("table pages")},
	}
	delta := []Block{
		{Offset: 4100, Data: []byte("XX")},
		{Offset: 8192, Data: []byte("delta-1")},
	}

	got := Overlay(base, delta)
	require.Len(t, got, 5)
	assert.Equal(t, Block{Offset: 0, Data: []byte("boot sector")}, got[0])
	assert.Equal(t, Block{Offset: 4096, Data: []byte("tabl")}, got[1])
	assert.Equal(t, Block{Offset: 4100, Data: []byte("XX")}, got[2])
	assert.Equal(t, Block{Offset: 4102, Data: []byte("pages")}, got[3])
	assert.Equal(t, Block{Offset: 8192, Data: []byte("delta-1")}, got[4])

	t.Run("later layer replaces covered extent", func(t *testing.T) {
		got := Overlay(base, []Block{{Offset: 0, Data: []byte("new boot sector!")}})
		require.Len(t, got, 2)
		assert.Equal(t, []byte("new boot sector!"), got[0].Data)
		assert.Equal(t, int64(4096), got[1].Offset)
	})

	t.Run("empty blocks are ignored", func(t *testing.T) {
		assert.Empty(t, Overlay(nil, []Block{{Offset: 10}}))
	})
}

func TestImage(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	img := NewImage(created,
		[]Block{{Offset: 0, Data: []byte("boot sector")}},
		[]Block{{Offset: 8192, Data: []byte("delta-1")}})

	assert.Equal(t, int64(1<<20), img.DiskSize())
	assert.Equal(t, int64(1<<20+512), img.Size())

	raw, err := io.ReadAll(img.Reader())
	require.NoError(t, err)
	require.Len(t, raw, int(img.Size()))
	assert.True(t, bytes.HasPrefix(raw, []byte("boot sector")))
	assert.Equal(t, []byte("delta-1"), raw[8192:8199])
	assert.Equal(t, make([]byte, 100), raw[200:300], "gaps read as zeros")

	footer := raw[img.DiskSize():]
	assert.Equal(t, "conectix", string(footer[0:8]))
	assert.Equal(t, uint64(1<<20), binary.BigEndian.Uint64(footer[48:56]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(footer[60:64]), "fixed disk")

	var sum uint32
	for i, c := range footer {
		if i >= 64 && i < 68 {
			continue
		}
		sum += uint32(c)
	}
	assert.Equal(t, ^sum, binary.BigEndian.Uint32(footer[64:68]))

	t.Run("read across the footer boundary", func(t *testing.T) {
		buf := make([]byte, 16)
		n, err := img.ReadAt(buf, img.DiskSize()-8)
		require.NoError(t, err)
		assert.Equal(t, 16, n)
		assert.Equal(t, []byte("conectix"), buf[8:])
	})

	t.Run("empty disk still has a size", func(t *testing.T) {
		assert.Equal(t, int64(imageAlign), NewImage(created).DiskSize())
	})
}
