// Package drivers stores replicated disk blocks in staging storage in the
// target region.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Block is a contiguous run of disk bytes at an offset.
type Block struct {
	Offset int64
	Data   []byte
}

// StagingStore holds staged block sets and the disk images assembled from
// them. Both are addressed by the staging storage account id and a ref
// chosen by the writer.
type StagingStore interface {
	// WriteBlocks stores blocks under ref and returns the stored size.
	WriteBlocks(ctx context.Context, stagingID, ref string, blocks []Block) (int64, error)
	ReadBlocks(ctx context.Context, stagingID, ref string) ([]Block, error)
	DeleteRef(ctx context.Context, stagingID, ref string) error
	// WriteImage stores a disk image under ref.
	WriteImage(ctx context.Context, stagingID, ref string, img *Image) error
	OpenImage(ctx context.Context, stagingID, ref string) (io.ReadCloser, error)
	DeleteImage(ctx context.Context, stagingID, ref string) error
	// Locate returns the URI a provisioner imports the image at ref from.
	Locate(stagingID, ref string) string
	Name() string
}

// ErrRefNotFound is returned when a staged set does not exist.
var ErrRefNotFound = errors.New("staged ref not found")

func validateRef(stagingID, ref string) error {
	if stagingID == "" || ref == "" {
		return fmt.Errorf("staging id and ref are required")
	}
	for _, part := range []string{stagingID, ref} {
		if strings.Contains(part, "..") || strings.HasPrefix(part, "/") {
			return fmt.Errorf("invalid staging path %q", part)
		}
	}
	return nil
}

func objectName(ref string) string {
	return ref + ".blk.zst"
}
