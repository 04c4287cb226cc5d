package pypi

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive members that would land outside
// the destination.
var ErrUnsafePath = errors.New("archive member escapes destination")

// Extract unpacks a .tar.gz, .tgz or .zip archive into dest. Only regular
// files and directories are created; links and devices are skipped. The
// total unpacked size is capped at limit bytes.
func Extract(archive, dest string, limit int64) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		return extractTarGz(archive, dest, limit)
	case strings.HasSuffix(archive, ".zip"):
		return extractZip(archive, dest, limit)
	default:
		return fmt.Errorf("unknown archive format: %s", filepath.Base(archive))
	}
}

// memberPath resolves name below dest, rejecting absolute paths and
// parent-directory escapes.
func memberPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

type budget struct{ left int64 }

func (b *budget) copy(dst io.Writer, src io.Reader) error {
	n, err := io.Copy(dst, io.LimitReader(src, b.left+1))
	b.left -= n
	if err != nil {
		return err
	}
	if b.left < 0 {
		return errors.New("archive exceeds size limit")
	}
	return nil
}

func writeFile(path string, mode os.FileMode, r io.Reader, b *budget) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if err := b.copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func extractTarGz(archive, dest string, limit int64) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	b := &budget{left: limit}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return err
		}
		target, err := memberPath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, hdr.FileInfo().Mode(), tr, b); err != nil {
				return err
			}
		}
	}
}

func extractZip(archive, dest string, limit int64) error {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return err
	}
	defer zr.Close()

	b := &budget{left: limit}
	for _, zf := range zr.File {
		target, err := memberPath(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, zf.Mode(), rc, b)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
