// Package scheduler runs process-wide periodic jobs behind an advisory lock
// row so that only one instance per job name is active against a shared store.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Lock is the advisory row claimed by a running scheduler. A holder renews its
// expiry every tick; a stale row can be taken over after it lapses.
type Lock struct {
	Name      string `gorm:"primaryKey;size:64"`
	Holder    string `gorm:"size:48;not null"`
	ExpiresAt time.Time
}

func (Lock) TableName() string { return "scheduler_locks" }

// AutoMigrate creates the advisory lock table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Lock{})
}

// Job is one periodic activity. Tick is invoked with the tick time and must
// tolerate being re-invoked after a crash.
type Job struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context, now time.Time) error
}

// Runner drives one job while holding its advisory lock.
type Runner struct {
	db     *gorm.DB
	job    Job
	logger *slog.Logger
	holder string
}

// NewRunner builds a runner with a fresh holder identity.
func NewRunner(db *gorm.DB, job Job, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, job: job, logger: logger, holder: uuid.NewString()}
}

// Run ticks the job until ctx is cancelled. Each tick first claims or renews
// the lock; a tick that cannot claim it is skipped, so a second process can
// run the same binary without duplicate firings.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.release()
			return
		case now := <-ticker.C:
			if !r.claim(now) {
				continue
			}
			if err := r.job.Tick(ctx, now.UTC()); err != nil {
				r.logger.Error("scheduler tick failed",
					slog.String("job", r.job.Name), slog.String("error", err.Error()))
			}
		}
	}
}

// claim takes or renews the lock row. The lease lasts three intervals so a
// crashed holder is superseded after a short gap.
func (r *Runner) claim(now time.Time) bool {
	lease := now.Add(3 * r.job.Interval)
	var claimed bool
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var lock Lock
		err := tx.First(&lock, "name = ?", r.job.Name).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			lock = Lock{Name: r.job.Name, Holder: r.holder, ExpiresAt: lease}
			if err := tx.Create(&lock).Error; err != nil {
				return nil
			}
			claimed = true
			return nil
		case err != nil:
			return err
		}
		if lock.Holder != r.holder && now.Before(lock.ExpiresAt) {
			return nil
		}
		res := tx.Model(&Lock{}).
			Where("name = ? AND holder = ?", r.job.Name, lock.Holder).
			Updates(map[string]any{"holder": r.holder, "expires_at": lease})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		r.logger.Error("scheduler lock claim failed",
			slog.String("job", r.job.Name), slog.String("error", err.Error()))
		return false
	}
	return claimed
}

func (r *Runner) release() {
	r.db.Where("name = ? AND holder = ?", r.job.Name, r.holder).Delete(&Lock{})
}
