package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
)

const component = "postgres"

// mapError translates driver errors into domain errors:
//
//	sql.ErrNoRows, 23503 foreign_key_violation, 22P02 bad uuid -> ErrNotFound
//	23505 unique_violation                                    -> ErrAlreadyExists
//	class 08, 57P01-57P03, 53300, network and closed-conn      -> ErrServiceUnavailable
//
// Anything else is returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pqErr.Constraint)
		case pqErr.Code == "23503":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqErr.Constraint)
		case pqErr.Code == "22P02":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqErr.Message)
		case pqErr.Code.Class() == "08",
			pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03",
			pqErr.Code == "53300":
			return domain.Unavailable(component, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.Unavailable(component, err)
	}
	return err
}
