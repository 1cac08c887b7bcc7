package resilience

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/huntmaster/huntmaster/internal/mastercall"
	"github.com/huntmaster/huntmaster/pkg/types"
)

// IsLoaderFailure reports whether a master call loader error points at a
// broken source rather than a bad request. Missing files, invalid ids and
// cancelled contexts do not count.
func IsLoaderFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// GuardLoader wraps loader so its calls pass through b. A nil loader stays
// nil.
func GuardLoader(b *Breaker, loader mastercall.Loader) mastercall.Loader {
	if loader == nil {
		return nil
	}
	return func(ctx context.Context, id string) (*mastercall.MasterCall, error) {
		var mc *mastercall.MasterCall
		err := b.Do(func() error {
			var err error
			mc, err = loader(ctx, id)
			return err
		})
		if errors.Is(err, ErrOpen) {
			return nil, fmt.Errorf("master call source %s: %w", b.name, err)
		}
		return mc, err
	}
}
