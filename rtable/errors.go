package rtable

import (
	"errors"
	"fmt"
)

// ErrMalformedAdvertisement is wrapped by every reason an advertisement is
// rejected. Rejection never changes the table's records.
var ErrMalformedAdvertisement = errors.New("malformed advertisement")

var (
	ErrTooShort       = fmt.Errorf("%w: shorter than header", ErrMalformedAdvertisement)
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrMalformedAdvertisement)
	ErrAddrLen        = fmt.Errorf("%w: address length mismatch", ErrMalformedAdvertisement)
	ErrLength         = fmt.Errorf("%w: entry count does not match length", ErrMalformedAdvertisement)
	ErrBadMask        = fmt.Errorf("%w: prefix length out of range", ErrMalformedAdvertisement)
	ErrZeroCost       = fmt.Errorf("%w: zero cost entry", ErrMalformedAdvertisement)
)

var (
	ErrAlreadyStub = errors.New("table is already stub-collapsed")
	ErrNotStub     = errors.New("table has no single upstream or is not synchronized")
	ErrBackupPath  = errors.New("a route has a backup path around the upstream")
)
