package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"todo-pipeline/internal/errs"

	"github.com/lib/pq"
)

// integrityViolationClass is the SQLSTATE class for constraint violations.
const integrityViolationClass = "23"

// mapReadError classifies errors from read paths served to api callers.
func mapReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	if errs.IsContextErr(err) {
		return fmt.Errorf("%w: %w", errs.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
}

// mapWriteError classifies errors from Apply. Constraint violations can never
// succeed on retry; everything else is left to queue redelivery.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrPoison) || errors.Is(err, errs.ErrTransient) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == integrityViolationClass {
		return fmt.Errorf("%w: %s (%s): %v", errs.ErrPoison, pqErr.Code.Name(), pqErr.Constraint, err)
	}
	return fmt.Errorf("%w: %w", errs.ErrTransient, err)
}
