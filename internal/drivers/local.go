package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalStaging keeps staged sets on a local filesystem, one directory per
// staging storage id.
type LocalStaging struct {
	basePath string
	logger   *zap.Logger
}

var _ StagingStore = (*LocalStaging)(nil)

// NewLocalStaging creates a filesystem staging store rooted at basePath.
func NewLocalStaging(basePath string, logger *zap.Logger) (*LocalStaging, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path required")
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStaging{basePath: basePath, logger: logger}, nil
}

// Name returns the driver name
func (d *LocalStaging) Name() string {
	return "local"
}

func (d *LocalStaging) path(stagingID, ref string) string {
	return filepath.Join(d.basePath, stagingID, filepath.FromSlash(objectName(ref)))
}

// WriteBlocks stores a block set. The file is written to a temporary name
// and renamed so readers never see a partial set.
func (d *LocalStaging) WriteBlocks(ctx context.Context, stagingID, ref string, blocks []Block) (int64, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	payload, err := encodeBlocks(blocks)
	if err != nil {
		return 0, err
	}

	fullPath := d.path(stagingID, ref)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".staging-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write staged set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close staged set: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename staged set: %w", err)
	}

	d.logger.Debug("staged blocks written",
		zap.String("staging_id", stagingID),
		zap.String("ref", ref),
		zap.Int("blocks", len(blocks)),
		zap.Int("bytes", len(payload)))
	return int64(len(payload)), nil
}

// ReadBlocks loads a staged set.
func (d *LocalStaging) ReadBlocks(ctx context.Context, stagingID, ref string) ([]Block, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(d.path(stagingID, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRefNotFound, stagingID, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read staged set: %w", err)
	}
	return decodeBlocks(payload)
}

// DeleteRef removes a staged set. Missing sets are not an error.
func (d *LocalStaging) DeleteRef(ctx context.Context, stagingID, ref string) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	if err := os.Remove(d.path(stagingID, ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete staged set: %w", err)
	}
	return nil
}

func (d *LocalStaging) imagePath(stagingID, ref string) string {
	return filepath.Join(d.basePath, stagingID, filepath.FromSlash(imageName(ref)))
}

// WriteImage stores a disk image, renaming it into place once complete.
func (d *LocalStaging) WriteImage(ctx context.Context, stagingID, ref string, img *Image) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := d.imagePath(stagingID, ref)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".image-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, img.Reader()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename image: %w", err)
	}

	d.logger.Debug("disk image written",
		zap.String("staging_id", stagingID),
		zap.String("ref", ref),
		zap.Int64("disk_size", img.DiskSize()))
	return nil
}

// OpenImage opens a stored disk image for reading.
func (d *LocalStaging) OpenImage(ctx context.Context, stagingID, ref string) (io.ReadCloser, error) {
	if err := validateRef(stagingID, ref); err != nil {
		return nil, err
	}
	f, err := os.Open(d.imagePath(stagingID, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRefNotFound, stagingID, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return f, nil
}

// DeleteImage removes a disk image. Missing images are not an error.
func (d *LocalStaging) DeleteImage(ctx context.Context, stagingID, ref string) error {
	if err := validateRef(stagingID, ref); err != nil {
		return err
	}
	if err := os.Remove(d.imagePath(stagingID, ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// Locate returns a file URI for the disk image at ref.
func (d *LocalStaging) Locate(stagingID, ref string) string {
	return "file://" + filepath.ToSlash(d.imagePath(stagingID, ref))
}
