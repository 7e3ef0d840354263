package news

import "errors"

var (
	// ErrSequenceOverflow signals a per-year sequence number that does not fit the 8-digit budget.
	ErrSequenceOverflow = errors.New("news year sequence exceeds 8 digits")
	// ErrPassTimeout signals that a pass exhausted its wall-clock budget.
	ErrPassTimeout = errors.New("pass timed out")
	// ErrRollbackIncomplete signals a batch whose compensation did not finish; manual recovery needed.
	ErrRollbackIncomplete = errors.New("batch rollback incomplete")
	// ErrLastPageNotFound signals that linear probing never saw a repeated listing page.
	ErrLastPageNotFound = errors.New("last listing page not found")
	// ErrYearNotFound signals a year missing from the catalog.
	ErrYearNotFound = errors.New("year not registered")
	// ErrDatePageNotFound signals an unknown date-page key.
	ErrDatePageNotFound = errors.New("date page not found")
	// ErrDatePageHarvested signals a date page whose links were already saved.
	ErrDatePageHarvested = errors.New("date page already harvested")
)
