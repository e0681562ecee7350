//go:build windows

package store

import (
	"errors"
	"os"
)

type fileLock struct {
	f    *os.File
	path string
}

var errLockHeld = errors.New("lock held by another process")

// tryLock uses exclusive-create semantics on Windows, where flock is not
// available. The lock file is removed on release.
func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errLockHeld
		}
		return nil, err
	}
	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
