package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shopspring/decimal"

	"price-tracker/internal/domain"
	"price-tracker/internal/history"
)

// ErrMalformedResponse marks an upstream payload that could not be decoded.
var ErrMalformedResponse = errors.New("malformed upstream response")

// Product is the live view of a product page.
type Product struct {
	Title        string
	Price        decimal.NullDecimal
	Currency     string
	ImageURL     string
	Availability domain.Availability
}

// ProductFetcher retrieves the live product page.
type ProductFetcher interface {
	FetchProduct(ctx context.Context, url string) (Product, error)
}

// HistoryQuery retrieves raw price-history records keyed by ASIN.
type HistoryQuery interface {
	QueryHistory(ctx context.Context, asins []string, domain string) (map[string]history.RawProduct, error)
}

// StatusError carries a non-2xx upstream status.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s api error (%d): %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s api error (%d)", e.Service, e.StatusCode)
}

// Temporary reports statuses worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies transient failures: timeouts, 5xx/429 and malformed payloads.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
