package blockdev

import "errors"

// Domain errors for the blockdev package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, blockdev.ErrBusy) {
//	    // retry later
//	}
var (
	// ErrInvalidArgument is returned for malformed input, such as a
	// non-numeric attribute value or a reset without confirmation.
	ErrInvalidArgument = errors.New("blockdev: invalid argument")

	// ErrAlreadyActive is returned when mutating a field that is
	// immutable once the device is serving data.
	ErrAlreadyActive = errors.New("blockdev: device already active")

	// ErrBusy is returned when a destructive operation is refused
	// because a consumer still holds the device open.
	ErrBusy = errors.New("blockdev: device busy")

	// ErrDeviceNotFound is returned when a device name does not exist.
	ErrDeviceNotFound = errors.New("blockdev: device not found")

	// ErrUnknownAttribute is returned when an attribute name is not in
	// the registry.
	ErrUnknownAttribute = errors.New("blockdev: unknown attribute")

	// ErrAttributeReadOnly is returned when writing a read-only attribute.
	ErrAttributeReadOnly = errors.New("blockdev: attribute is read-only")

	// ErrAttributeWriteOnly is returned when reading a write-only attribute.
	ErrAttributeWriteOnly = errors.New("blockdev: attribute is write-only")

	// ErrInvalidPageSize is returned when a device is created with a
	// page size that is zero or not a power of two.
	ErrInvalidPageSize = errors.New("blockdev: page size must be a power of two")

	// ErrInvalidCoreCount is returned when a device is created with a
	// non-positive core count.
	ErrInvalidCoreCount = errors.New("blockdev: core count must be positive")
)
