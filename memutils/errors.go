package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is marked onto errors returned when an arena cannot satisfy a request, either because
// the request can never fit or because the device refused to provide a new block
var ErrOutOfMemory error = errors.New("out of memory")

// ErrNoSuitableMemoryType is returned when none of the memory types permitted by a request carry the
// requested property flags
var ErrNoSuitableMemoryType error = errors.New("no memory type satisfies the requested properties")
