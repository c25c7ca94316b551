package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"valve-controller/application"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var ErrImageTooLarge = errors.New("installer: unpacked image exceeds maximum size")

type FileInstallerParams struct {
	// ImagePath is the executable the service manager starts.
	ImagePath string
	// MaxImageSize bounds the unpacked image. Zero means no limit.
	MaxImageSize int64

	Log zerolog.Logger
}

// FileInstaller replaces the running executable with a staged image. The
// replaced image is kept next to it with a .prev suffix. Images starting with
// the zstd frame magic are decompressed on the way.
type FileInstaller struct {
	params FileInstallerParams
	log    zerolog.Logger
}

func NewFileInstaller(params FileInstallerParams) (*FileInstaller, error) {
	if params.ImagePath == "" {
		return nil, fmt.Errorf("ImagePath is empty")
	}
	return &FileInstaller{params: params, log: params.Log}, nil
}

func (i *FileInstaller) PrevPath() string { return i.params.ImagePath + ".prev" }

func (i *FileInstaller) Install(ctx context.Context, stagedPath string) error {
	src, err := os.Open(stagedPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dir := filepath.Dir(i.params.ImagePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(i.params.ImagePath)+".*.new")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, compressed, err := i.unpack(ctx, tmp, src)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	hadPrev, err := i.backup()
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), i.params.ImagePath); err != nil {
		if hadPrev {
			if rerr := os.Rename(i.PrevPath(), i.params.ImagePath); rerr != nil {
				i.log.Error().Err(rerr).Msg("restoring previous image failed")
			}
		}
		return fmt.Errorf("install image: %w", err)
	}

	i.log.Info().
		Str("path", i.params.ImagePath).
		Int64("size", n).
		Bool("zstd", compressed).
		Bool("kept_prev", hadPrev).
		Msg("firmware installed")
	return nil
}

func (i *FileInstaller) unpack(ctx context.Context, dst io.Writer, src io.Reader) (int64, bool, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false, err
	}

	var r io.Reader = br
	compressed := bytes.Equal(magic, zstdMagic)
	if compressed {
		var opts []zstd.DOption
		if limit := i.params.MaxImageSize; limit > 0 {
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(limit)))
		}
		dec, err := zstd.NewReader(br, opts...)
		if err != nil {
			return 0, true, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	if limit := i.params.MaxImageSize; limit > 0 {
		r = io.LimitReader(r, limit+1)
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return n, compressed, fmt.Errorf("unpack image: %w", err)
	}
	if limit := i.params.MaxImageSize; limit > 0 && n > limit {
		return n, compressed, ErrImageTooLarge
	}
	if n == 0 {
		return 0, compressed, fmt.Errorf("unpack image: empty")
	}
	return n, compressed, nil
}

func (i *FileInstaller) backup() (bool, error) {
	err := os.Rename(i.params.ImagePath, i.PrevPath())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keep previous image: %w", err)
	}
	return true, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ application.FirmwareInstaller = &FileInstaller{}
