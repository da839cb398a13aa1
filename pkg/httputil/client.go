package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewClient returns a Resty client with a bounded timeout. Callers own their
// retry policy; none is configured here.
func NewClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
}
