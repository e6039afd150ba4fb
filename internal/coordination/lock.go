package coordination

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when a resource is already locked by a live,
// unexpired holder.
var ErrLockHeld = errors.New("coordination: lock held")

// ErrNotLockOwner is returned when Release or Extend is called with a token
// that does not match the current holder.
var ErrNotLockOwner = errors.New("coordination: caller does not own lock")

type lockFile struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (co *Coordinator) lockPath(resource string) string {
	return filepath.Join(co.locksDir(), resource+".lock")
}

// TryAcquireLock attempts to create resource's lock file with O_EXCL; on
// EEXIST it inspects the existing lock and reclaims it if expired. ttlMs
// bounds how long the lock is held absent an explicit Release, guarding
// against a crashed holder.
func (co *Coordinator) TryAcquireLock(resource string, ttlMs int64) (LockToken, error) {
	if err := ensureDir(co.locksDir()); err != nil {
		return LockToken{}, err
	}
	path := co.lockPath(resource)
	nowMs := co.clock().UnixMilli()
	lf := lockFile{
		Owner:     co.InstanceID(),
		Token:     uuid.NewString(),
		CreatedAt: nowMs,
		ExpiresAt: nowMs + ttlMs,
	}
	data, err := json.Marshal(lf)
	if err != nil {
		return LockToken{}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return LockToken{}, err
		}
		f.Close()
		return LockToken{Resource: resource, Token: lf.Token, AcquiredAtMs: lf.CreatedAt, ExpiresAtMs: lf.ExpiresAt}, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return LockToken{}, err
	}

	existing, rerr := os.ReadFile(path)
	if rerr != nil {
		return LockToken{}, ErrLockHeld
	}
	var cur lockFile
	if err := json.Unmarshal(existing, &cur); err != nil || cur.ExpiresAt <= nowMs {
		// Corrupt or expired: reclaim by overwrite. This is not perfectly
		// race-free against another simultaneous reclaimer, but rename is
		// last-writer-wins on the filesystems this package targets.
		if err := atomicWriteJSON(path, lf); err != nil {
			return LockToken{}, err
		}
		return LockToken{Resource: resource, Token: lf.Token, AcquiredAtMs: lf.CreatedAt, ExpiresAtMs: lf.ExpiresAt}, nil
	}
	return LockToken{}, ErrLockHeld
}

// ReleaseLock deletes the lock file only if tok.Token matches the current
// holder, preventing a late release from clobbering someone else's
// subsequently-acquired lock.
func (co *Coordinator) ReleaseLock(tok LockToken) error {
	path := co.lockPath(tok.Resource)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var cur lockFile
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil
	}
	if cur.Token != tok.Token {
		return ErrNotLockOwner
	}
	return os.Remove(path)
}

// ExtendLock refreshes tok's expiry, failing if another instance has since
// reclaimed the resource.
func (co *Coordinator) ExtendLock(tok LockToken, ttlMs int64) (LockToken, error) {
	path := co.lockPath(tok.Resource)
	data, err := os.ReadFile(path)
	if err != nil {
		return LockToken{}, ErrNotLockOwner
	}
	var cur lockFile
	if err := json.Unmarshal(data, &cur); err != nil || cur.Token != tok.Token {
		return LockToken{}, ErrNotLockOwner
	}
	nowMs := co.clock().UnixMilli()
	cur.ExpiresAt = nowMs + ttlMs
	if err := atomicWriteJSON(path, cur); err != nil {
		return LockToken{}, err
	}
	tok.ExpiresAtMs = cur.ExpiresAt
	return tok, nil
}
