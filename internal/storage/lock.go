package storage

import (
	"os"
	"sync"
	"syscall"
)

// fileLock serializes writers of one document, both inside this process
// (mutex) and across processes sharing the data directory (flock). A
// `bassi sessions` run next to a live server is the cross-process case.
type fileLock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func (l *fileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}
	l.file = f
	return nil
}

// Unlock releases the lock. The lock file stays so that a waiter in
// another process keeps locking the same inode.
func (l *fileLock) Unlock() {
	if l.file == nil {
		return
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.mu.Unlock()
}
