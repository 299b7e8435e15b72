package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/goclaw/cadence/pkg/storage"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil))

	noPartition := &pgconn.PgError{Code: checkViolationCode, Message: `no partition of relation "memory_records" found for row`}
	assert.True(t, storage.IsPartitionMissing(MapError(noPartition)))

	otherCheck := &pgconn.PgError{Code: checkViolationCode, Message: "new row violates check constraint"}
	assert.Same(t, otherCheck, MapError(otherCheck))

	undefined := &pgconn.PgError{Code: undefinedTableCode, TableName: "memory_records_S9"}
	assert.True(t, storage.IsPartitionMissing(MapError(undefined)))

	plain := errors.New("boom")
	assert.Equal(t, plain, MapError(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: uniqueViolationCode}
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", dup)))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}
