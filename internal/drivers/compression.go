package drivers

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Staged sets are a zstd stream of frames: offset (int64), length (uint32)
// and data, big endian.
const frameHeaderSize = 12

// maxBlockSize bounds a single frame when decoding.
const maxBlockSize = 64 << 20

type blockCodec struct {
	encoderOnce sync.Once
	decoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderErr  error
	decoderErr  error
}

var codec blockCodec

func (c *blockCodec) getEncoder() (*zstd.Encoder, error) {
	c.encoderOnce.Do(func() {
		c.encoder, c.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1))
	})
	return c.encoder, c.encoderErr
}

func (c *blockCodec) getDecoder() (*zstd.Decoder, error) {
	c.decoderOnce.Do(func() {
		c.decoder, c.decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256*1024*1024))
	})
	return c.decoder, c.decoderErr
}

// encodeBlocks frames and compresses a block set.
func encodeBlocks(blocks []Block) ([]byte, error) {
	var raw bytes.Buffer
	var hdr [frameHeaderSize]byte
	for _, b := range blocks {
		if len(b.Data) > maxBlockSize {
			return nil, fmt.Errorf("block at offset %d exceeds %d bytes", b.Offset, maxBlockSize)
		}
		binary.BigEndian.PutUint64(hdr[0:8], uint64(b.Offset))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b.Data)))
		raw.Write(hdr[:])
		raw.Write(b.Data)
	}

	enc, err := codec.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw.Bytes(), make([]byte, 0, raw.Len()/2)), nil
}

// decodeBlocks reverses encodeBlocks.
func decodeBlocks(payload []byte) ([]Block, error) {
	dec, err := codec.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress staged set: %w", err)
	}

	var blocks []Block
	r := bytes.NewReader(raw)
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[8:12])
		if n > maxBlockSize {
			return nil, fmt.Errorf("frame length %d exceeds %d bytes", n, maxBlockSize)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		blocks = append(blocks, Block{Offset: int64(binary.BigEndian.Uint64(hdr[0:8])), Data: data})
	}
	return blocks, nil
}
