//go:build !windows

package seqkv

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// dirLock holds an advisory flock on the store directory's LOCK file
// so two processes cannot open the same store.
type dirLock struct {
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	path := filepath.Join(dir, "LOCK")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrAlreadyOpen
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &dirLock{file: file}, nil
}

func (l *dirLock) release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return l.file.Close()
}
