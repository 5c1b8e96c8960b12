package drivers

import (
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	sectorSize = 512
	footerSize = 512
	// imageAlign is the virtual size granularity cloud disk import accepts.
	imageAlign = 1 << 20
)

// vhdEpoch is the zero point of VHD footer timestamps.
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Overlay applies block sets in order and returns the resulting disk content
// as sorted, non-overlapping blocks. A later write wins over any earlier
// bytes it covers.
func Overlay(layers ...[]Block) []Block {
	var extents []Block
	for _, layer := range layers {
		for _, b := range layer {
			if len(b.Data) == 0 {
				continue
			}
			extents = insertExtent(extents, b)
		}
	}
	return extents
}

func insertExtent(extents []Block, b Block) []Block {
	end := b.Offset + int64(len(b.Data))
	out := make([]Block, 0, len(extents)+2)
	for _, x := range extents {
		xEnd := x.Offset + int64(len(x.Data))
		if xEnd <= b.Offset || x.Offset >= end {
			out = append(out, x)
			continue
		}
		if x.Offset < b.Offset {
			out = append(out, Block{Offset: x.Offset, Data: x.Data[:b.Offset-x.Offset]})
		}
		if xEnd > end {
			out = append(out, Block{Offset: end, Data: x.Data[end-x.Offset:]})
		}
	}
	out = append(out, Block{Offset: b.Offset, Data: append([]byte(nil), b.Data...)})
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Image is a fixed VHD built from disk blocks: the raw disk bytes followed
// by a 512 byte footer. Regions no block covers read as zeros.
type Image struct {
	blocks   []Block
	diskSize int64
	footer   [footerSize]byte
}

// NewImage builds a fixed VHD from block layers applied in order. The
// virtual size covers the highest written byte, rounded up to a whole MiB.
func NewImage(created time.Time, layers ...[]Block) *Image {
	img := &Image{blocks: Overlay(layers...)}
	var extent int64
	if n := len(img.blocks); n > 0 {
		last := img.blocks[n-1]
		extent = last.Offset + int64(len(last.Data))
	}
	img.diskSize = (extent + imageAlign - 1) / imageAlign * imageAlign
	if img.diskSize == 0 {
		img.diskSize = imageAlign
	}
	img.writeFooter(created)
	return img
}

// DiskSize is the virtual disk size in bytes.
func (img *Image) DiskSize() int64 { return img.diskSize }

// Size is the image file size including the footer.
func (img *Image) Size() int64 { return img.diskSize + footerSize }

// Reader returns a seekable reader over the whole image file.
func (img *Image) Reader() *io.SectionReader {
	return io.NewSectionReader(img, 0, img.Size())
}

// ReadAt implements io.ReaderAt.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	size := img.Size()
	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}
	buf := p[:n]
	clear(buf)
	end := off + int64(n)

	k := sort.Search(len(img.blocks), func(i int) bool {
		b := img.blocks[i]
		return b.Offset+int64(len(b.Data)) > off
	})
	for ; k < len(img.blocks) && img.blocks[k].Offset < end; k++ {
		b := img.blocks[k]
		lo := max(b.Offset, off)
		hi := min(b.Offset+int64(len(b.Data)), end)
		copy(buf[lo-off:hi-off], b.Data[lo-b.Offset:hi-b.Offset])
	}
	if end > img.diskSize {
		lo := max(off, img.diskSize)
		copy(buf[lo-off:], img.footer[lo-img.diskSize:end-img.diskSize])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (img *Image) writeFooter(created time.Time) {
	f := img.footer[:]
	copy(f[0:8], "conectix")
	binary.BigEndian.PutUint32(f[8:12], 2)
	binary.BigEndian.PutUint32(f[12:16], 0x00010000)
	binary.BigEndian.PutUint64(f[16:24], ^uint64(0))
	var stamp uint32
	if created.After(vhdEpoch) {
		stamp = uint32(created.Sub(vhdEpoch) / time.Second)
	}
	binary.BigEndian.PutUint32(f[24:28], stamp)
	copy(f[28:32], "sr  ")
	binary.BigEndian.PutUint32(f[32:36], 0x00010000)
	copy(f[36:40], "Wi2k")
	binary.BigEndian.PutUint64(f[40:48], uint64(img.diskSize))
	binary.BigEndian.PutUint64(f[48:56], uint64(img.diskSize))
	cyl, heads, spt := chsGeometry(img.diskSize / sectorSize)
	binary.BigEndian.PutUint16(f[56:58], cyl)
	f[58] = heads
	f[59] = spt
	// Fixed disk.
	binary.BigEndian.PutUint32(f[60:64], 2)
	id := uuid.New()
	copy(f[68:84], id[:])

	var sum uint32
	for _, c := range f {
		sum += uint32(c)
	}
	binary.BigEndian.PutUint32(f[64:68], ^sum)
}

// chsGeometry derives the CHS values a VHD footer records for a disk of
// totalSectors sectors.
func chsGeometry(totalSectors int64) (uint16, uint8, uint8) {
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}
	var spt, heads, cylTimesHeads int64
	if totalSectors >= 65535*16*63 {
		spt = 255
		heads = 16
		cylTimesHeads = totalSectors / spt
	} else {
		spt = 17
		cylTimesHeads = totalSectors / spt
		heads = (cylTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylTimesHeads >= heads*1024 || heads > 16 {
			spt = 31
			heads = 16
			cylTimesHeads = totalSectors / spt
		}
		if cylTimesHeads >= heads*1024 {
			spt = 63
			heads = 16
			cylTimesHeads = totalSectors / spt
		}
	}
	return uint16(cylTimesHeads / heads), uint8(heads), uint8(spt)
}

func imageName(ref string) string {
	return ref + ".vhd"
}
