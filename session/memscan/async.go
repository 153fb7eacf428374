package memscan

import (
	"context"

	. "github.com/pattyshack/poke/session/common"
)

// AsyncScan is a scan running on a background goroutine.  Matches are
// forwarded on Results as they are produced; Results is closed when the
// scan finishes.  Wait blocks until then and reports the scan's outcome;
// call it exactly once.
type AsyncScan struct {
	Results <-chan VirtualAddress

	errChan <-chan error
}

func (scan *AsyncScan) Wait() error {
	for range scan.Results {
		// drain abandoned results so the scan goroutine can finish
	}
	return <-scan.errChan
}

// FindAsync runs the synchronous walk on a background goroutine and
// forwards matches over a channel.  Cancelling ctx only stops the
// forwarding; an in-flight bulk read still runs to completion.  A
// cancelled scan reports ctx's error from Wait.
func (scanner *Scanner) FindAsync(
	ctx context.Context,
	pattern BytePattern,
	limit *AddressRange,
	filter ScanFilter,
) *AsyncScan {
	results := make(chan VirtualAddress)
	errChan := make(chan error, 1)

	go func() {
		defer close(results)

		err := scanner.ForEach(
			pattern,
			limit,
			filter,
			func(addr VirtualAddress) bool {
				select {
				case results <- addr:
					return true
				case <-ctx.Done():
					return false
				}
			})
		if err == nil {
			err = ctx.Err()
		}
		errChan <- err
	}()

	return &AsyncScan{
		Results: results,
		errChan: errChan,
	}
}
