package scheduler

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())
	})
	return db
}

func testRunner(db *gorm.DB, name string) *Runner {
	return NewRunner(db, Job{Name: name, Interval: time.Minute}, nil)
}

func TestClaimCreatesAndRenewsLock(t *testing.T) {
	db := setupTestDB(t)
	r := testRunner(db, "salary")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, r.claim(now))
	var lock Lock
	require.NoError(t, db.First(&lock, "name = ?", "salary").Error)
	require.Equal(t, r.holder, lock.Holder)
	require.Equal(t, now.Add(3*time.Minute), lock.ExpiresAt.UTC())

	// Renewal by the same holder pushes the lease forward.
	require.True(t, r.claim(now.Add(time.Minute)))
	require.NoError(t, db.First(&lock, "name = ?", "salary").Error)
	require.Equal(t, now.Add(4*time.Minute), lock.ExpiresAt.UTC())
}

func TestSecondHolderWaitsForLease(t *testing.T) {
	db := setupTestDB(t)
	first := testRunner(db, "sweeper")
	second := testRunner(db, "sweeper")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, first.claim(now))
	require.False(t, second.claim(now.Add(time.Minute)))

	// After the lease lapses the lock is taken over.
	require.True(t, second.claim(now.Add(4*time.Minute)))
	var lock Lock
	require.NoError(t, db.First(&lock, "name = ?", "sweeper").Error)
	require.Equal(t, second.holder, lock.Holder)

	// The superseded holder no longer renews.
	require.False(t, first.claim(now.Add(5*time.Minute)))
}

func TestDistinctJobsDoNotContend(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, testRunner(db, "salary").claim(now))
	require.True(t, testRunner(db, "sweeper").claim(now))

	var count int64
	require.NoError(t, db.Model(&Lock{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestReleaseDropsOwnLockOnly(t *testing.T) {
	db := setupTestDB(t)
	first := testRunner(db, "salary")
	second := testRunner(db, "salary")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, first.claim(now))
	second.release()
	var count int64
	require.NoError(t, db.Model(&Lock{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	first.release()
	require.NoError(t, db.Model(&Lock{}).Count(&count).Error)
	require.Zero(t, count)
}
