package gpu

import "github.com/cockroachdb/errors"

// ErrDeviceLost is marked onto backend errors that indicate the device can no longer execute work.
// There is no recovery; callers should tear down.
var ErrDeviceLost = errors.New("device lost")

// ErrOutOfDeviceMemory is marked onto backend errors that indicate the device could not provide memory
var ErrOutOfDeviceMemory = errors.New("out of device memory")
