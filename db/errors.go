package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrDocumentNotFound indicates that a document was not found in the database
	ErrDocumentNotFound = errors.New("document not found")

	// ErrTokenNotFound indicates that an approval token was not found in the database
	ErrTokenNotFound = errors.New("approval token not found")

	// ErrTokenConflict indicates that a pending token already exists for the
	// same (document, approver) pair
	ErrTokenConflict = errors.New("pending approval token already exists for this document and approver")

	// ErrTokenAlreadyConsumed indicates that the token has already reached a
	// terminal status
	ErrTokenAlreadyConsumed = errors.New("approval token already consumed")

	// ErrTokenExpired indicates that the token's TTL has passed
	ErrTokenExpired = errors.New("approval token expired")

	// ErrDocumentConflict indicates that the document was not in the status
	// the transition expected
	ErrDocumentConflict = errors.New("document is not awaiting approval")
)
