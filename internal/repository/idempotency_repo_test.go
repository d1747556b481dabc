package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newMockDB 基于 sqlmock 的 gorm 连接
// 关掉默认事务，测试里只有显式开启的事务会产生 BEGIN/COMMIT
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock
}

func TestInsertIfAbsentFirstWrite(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectExec("INSERT IGNORE INTO service_operations").
		WithArgs(int64(1001), "alice", "bank-transfer-service").
		WillReturnResult(sqlmock.NewResult(1, 1))

	firstTime, err := repo.InsertIfAbsent(context.Background(), nil, 1001, "alice", "bank-transfer-service")
	require.NoError(t, err)
	assert.True(t, firstTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	// INSERT IGNORE 命中唯一键冲突时影响行数为0，按"已应用"处理而不是报错
	mock.ExpectExec("INSERT IGNORE INTO service_operations").
		WithArgs(int64(1001), "alice", "bank-transfer-service").
		WillReturnResult(sqlmock.NewResult(0, 0))

	firstTime, err := repo.InsertIfAbsent(context.Background(), nil, 1001, "alice", "bank-transfer-service")
	require.NoError(t, err)
	assert.False(t, firstTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db)

	mock.ExpectQuery("SELECT count").
		WithArgs(int64(1001), "bank-transfer-service").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := repo.Exists(context.Background(), 1001, "bank-transfer-service")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery("SELECT count").
		WithArgs(int64(2002), "bank-transfer-service").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	exists, err = repo.Exists(context.Background(), 2002, "bank-transfer-service")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
