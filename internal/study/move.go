package study

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// moveStudy relocates a completed study folder under
// destRoot/tenant/YYYY-MM-DD/, named after the study's original
// folder. A same-day collision gets a single "_HHMMSS" suffix; a
// second collision on that suffixed name is left to surface as an
// error rather than looped over indefinitely.
func moveStudy(srcFolder, destRoot, tenant string) (string, error) {
	destDir := filepath.Join(destRoot, tenant, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}

	name := filepath.Base(srcFolder)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		name = fmt.Sprintf("%s_%s", name, time.Now().Format("150405"))
		dest = filepath.Join(destDir, name)
	}

	if err := moveDir(srcFolder, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// moveDir renames src to dst, falling back to a recursive copy+delete
// when the two paths live on different filesystems (EXDEV).
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	if err := copyDir(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func isCrossDevice(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EXDEV
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
