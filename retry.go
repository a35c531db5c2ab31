package sgx_ra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/kwonalbert/sgx_ra/enclave"
)

const (
	// Msg1Retries bounds the retries of a busy msg1 generation.
	Msg1Retries = 5
	// Msg2Retries bounds the retries of a busy msg2 processing.
	Msg2Retries = 4
	// DefaultBusyInterval is the pause between busy retries.
	DefaultBusyInterval = 3 * time.Second
)

// retryBusy calls fn until it stops returning enclave.ErrBusy, at most
// retries more times after the first attempt. Each call site owns its
// own budget.
func retryBusy(ctx context.Context, clk clock.Clock, retries int, interval time.Duration, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, enclave.ErrBusy) {
			return err
		}
		if attempt >= retries {
			return fmt.Errorf("%w: gave up after %d retries: %w", ErrBusy, retries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}
}
