package host

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/zeebo/blake3"
)

// LockFileName is held with an exclusive flock for as long as a container
// owns its working directory.
const LockFileName = ".kapsel.lock"

type workdir struct {
	path   string
	lock   *flock.Flock
	digest string
}

// stageWorkdir creates <base>/<name>, locks it and copies pluginDir into
// it. The returned digest covers every staged file.
func stageWorkdir(base, name, pluginDir string) (*workdir, error) {
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	lock := flock.New(filepath.Join(path, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock working directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrWorkdirBusy, path)
	}
	w := &workdir{path: path, lock: lock}

	if pluginDir != "" {
		digest, err := copyTree(pluginDir, path)
		if err != nil {
			_ = w.remove()
			return nil, fmt.Errorf("stage plugins: %w", err)
		}
		w.digest = digest
	}
	return w, nil
}

// remove releases the lock and deletes the directory.
func (w *workdir) remove() error {
	unlockErr := w.lock.Unlock()
	if err := os.RemoveAll(w.path); err != nil {
		return err
	}
	return unlockErr
}

// copyTree copies src into dst and returns the hex blake3 digest of the
// relative paths and contents, in walk order, as "blake3:<hex>".
func copyTree(src, dst string) (string, error) {
	h := blake3.New()
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		_, _ = h.Write([]byte(filepath.ToSlash(rel)))
		_, _ = h.Write([]byte{0})
		return copyFile(path, target, info.Mode().Perm(), h)
	})
	if err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string, perm fs.FileMode, digest io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(out, digest), in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Locked reports whether the working directory at path is owned by a
// live container, in this or another process.
func Locked(path string) (bool, error) {
	lock := flock.New(filepath.Join(path, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if ok {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}
