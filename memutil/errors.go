package memutil

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidHandleError is the error returned when a handle is out of range or refers to a
// region that has been deleted and not yet reused
var InvalidHandleError error = errors.New("handle does not refer to a live region")

// NotHostVisibleError is the error returned when a host-side write is attempted on an
// allocation that was not created host-visible
var NotHostVisibleError error = errors.New("allocation is not host-visible")

// UnderflowError is the error returned when a pop requests more bytes than are filled
var UnderflowError error = errors.New("length exceeds the filled bytes of the region")

// RangeError is the error returned when a byte range extends past the filled bytes of a region
var RangeError error = errors.New("byte range extends past the filled bytes of the region")

// OversizedRequestError is the error returned when a single request exceeds the maximum
// backing capacity and so can never be satisfied
var OversizedRequestError error = errors.New("request exceeds the maximum backing capacity")

// AllocationFailedError is the error returned when the device refuses a backing allocation.
// It is fatal for the request: the allocator never retries on the caller's behalf.
var AllocationFailedError error = errors.New("the device refused a backing allocation")
