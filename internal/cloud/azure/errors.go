package azure

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/lvonguyen/bastionguard/internal/cloud"
)

const defaultThrottleDelay = 5 * time.Second

// classify maps SDK errors onto the cloud error taxonomy: 429 is throttling,
// 5xx and network failures are transient, 404 is ErrNotFound, and other
// client errors are returned unchanged as permanent failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %s", op, cloud.ErrNotFound, respErr.ErrorCode)
		case respErr.StatusCode == http.StatusTooManyRequests:
			return &cloud.ThrottleError{Op: op, RetryAfter: retryAfter(respErr.RawResponse), Err: err}
		case respErr.StatusCode >= http.StatusInternalServerError:
			return &cloud.TransientError{Op: op, Err: err}
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &cloud.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, cloud.ErrNotFound)
}

// retryAfter reads Retry-After as delta-seconds or an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return defaultThrottleDelay
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return defaultThrottleDelay
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultThrottleDelay
}
