package page

import "errors"

var (
	// ErrNavigationFailed is returned when Page.navigate fails before the
	// load event fires.
	ErrNavigationFailed = errors.New("page: navigation failed")

	// ErrReferenceUnknown is returned when an interaction uses a reference
	// token that is not in the current snapshot's map.
	ErrReferenceUnknown = errors.New("page: reference not in current snapshot")

	// ErrUnknownKey is returned by Press for key names outside the fixed table.
	ErrUnknownKey = errors.New("page: unknown key name")

	// ErrNoHistory is returned by GoBack/GoForward at the end of the history.
	ErrNoHistory = errors.New("page: no history entry in that direction")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("page: handle is closed")
)
