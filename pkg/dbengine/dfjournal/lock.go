package dfjournal

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dolthub/fslock"
)

// lockFileName is the tier directory's lock file, per spec §6 "Lock
// file in the tier directory prevents multiple processes from opening
// the same tier." Grounded on the dolt nbs/journal.go reference
// example, which guards its manifest directory the same way.
const lockFileName = "dbengine.lock"

const lockTimeout = 2 * time.Second

// TierLock holds an exclusive lock on a tier directory for the
// lifetime of an open Engine tier context.
type TierLock struct {
	lock *fslock.Lock
}

// AcquireTierLock takes the exclusive lock for dir, failing fast rather
// than blocking if another process already holds it.
func AcquireTierLock(dir string) (*TierLock, error) {
	l := fslock.New(filepath.Join(dir, lockFileName))
	if err := l.LockWithTimeout(lockTimeout); err != nil {
		return nil, fmt.Errorf("dfjournal: tier directory %s is locked by another process: %w", dir, err)
	}
	return &TierLock{lock: l}, nil
}

func (t *TierLock) Release() error {
	return t.lock.Unlock()
}
