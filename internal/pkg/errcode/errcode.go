package errcode

const (
	ErrUnknown = 12000000 + iota
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrTooMany
	ErrInternal
	ErrSourceUnknown
	ErrJobNotCancellable
	ErrStoreUnavailable
)
