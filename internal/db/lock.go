package db

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gorm.io/gorm"
)

// InstanceLock is a db-backed exclusive lock ensuring only one process
// trades a given userref at a time.
type InstanceLock struct {
	conn    *gorm.DB
	userref int64
}

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

func AcquireInstanceLock(conn *gorm.DB, userref int64) (*InstanceLock, error) {
	return AcquireInstanceLockWithOptions(conn, userref, LockOptions{TakeoverEnabled: true})
}

func AcquireInstanceLockWithOptions(conn *gorm.DB, userref int64, opts LockOptions) (*InstanceLock, error) {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	hostname, _ := os.Hostname()

	for attempts := 0; attempts < 3; attempts++ {
		row := InstanceLockRow{
			Userref:    userref,
			PID:        os.Getpid(),
			Hostname:   hostname,
			AcquiredAt: nowFn().UTC(),
		}
		err := conn.Create(&row).Error
		if err == nil {
			return &InstanceLock{conn: conn, userref: userref}, nil
		}

		var existing InstanceLockRow
		findErr := conn.Where("userref = ?", userref).First(&existing).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			continue
		}
		if findErr != nil {
			return nil, findErr
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("instance lock held for userref %d (pid=%d host=%s)", userref, existing.PID, existing.Hostname)
		}
		stale, reason := shouldTakeoverLock(existing, nowFn().UTC(), opts.StaleAfter, hostname)
		if !stale {
			return nil, fmt.Errorf("instance lock held for userref %d (%s)", userref, reason)
		}
		if err := conn.Where("userref = ?", userref).Delete(&InstanceLockRow{}).Error; err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("instance lock held for userref %d", userref)
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	return l.conn.Where("userref = ?", l.userref).Delete(&InstanceLockRow{}).Error
}

func shouldTakeoverLock(row InstanceLockRow, now time.Time, staleAfter time.Duration, hostname string) (bool, string) {
	// A lock from another host cannot be probed; only age decides.
	if row.Hostname == hostname && row.PID > 0 {
		if isProcessAlive(row.PID) {
			return false, "owner_process_running"
		}
		return true, "owner_process_not_running"
	}
	if staleAfter > 0 && now.Sub(row.AcquiredAt.UTC()) >= staleAfter {
		return true, "lock_age_exceeded"
	}
	return false, "lock_not_stale"
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
