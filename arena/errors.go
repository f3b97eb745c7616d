package arena

import "github.com/cockroachdb/errors"

func errInvalidBlockSize(size int) error {
	return errors.Newf("arena.CreateOptions.DefaultBlockSize must be positive, but was %d", size)
}
