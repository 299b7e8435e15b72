package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/goclaw/cadence/pkg/storage"
)

// PostgreSQL error codes
const (
	uniqueViolationCode = "23505"
	checkViolationCode  = "23514"
	undefinedTableCode  = "42P01"
)

// MapError maps a database error to a storage error.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case checkViolationCode:
			// Raised by INSERT into a partitioned table with no matching partition.
			if strings.Contains(pgErr.Message, "no partition") {
				return &storage.PartitionMissingError{SeasonID: pgErr.Detail}
			}
		case undefinedTableCode:
			return &storage.PartitionMissingError{SeasonID: pgErr.TableName}
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return err
}

// IsUniqueViolation checks if the given error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
