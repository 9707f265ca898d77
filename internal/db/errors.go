package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

var (
	// ErrDuplicate is a write rejected by a unique index, such as a second
	// link with the same endpoints and relation type.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is a transaction conflict between concurrent writers.
	// The write may be retried.
	ErrConflict = errors.New("transaction conflict")

	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("not found")
)

// queryErrorKinds maps fragments of SurrealDB query error messages to sentinels.
var queryErrorKinds = []struct {
	fragment string
	sentinel error
}{
	{"already exists", ErrDuplicate},
	{"already contains", ErrDuplicate},
	{"Transaction conflict", ErrConflict},
}

// wrapQueryError tags a SurrealDB query error with its sentinel. Other
// errors are returned unchanged.
func wrapQueryError(err error) error {
	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}
	for _, k := range queryErrorKinds {
		if strings.Contains(queryErr.Message, k.fragment) {
			return fmt.Errorf("%w: %s", k.sentinel, queryErr.Message)
		}
	}
	return err
}
