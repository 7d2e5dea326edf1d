// Package repository holds the MySQL persistence for listings, payments,
// payout accounts, games and users.  Every status change on game_codes and
// payments goes through a conditional UPDATE; a zero row count is turned
// into ErrNotFound or ErrConflict by re-reading the row.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update found the row in a
// different state than the caller expected, or when a unique key rejected
// the write.  Handlers translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own.
var ErrForbidden = errors.New("forbidden")

const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
