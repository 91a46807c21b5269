// Package httpx holds the outbound HTTP client shared by relay clients and the
// remote ROM catalog.
package httpx

import (
	"io"
	stdlog "log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// NewRetryClient returns a client that retries connection failures and 5xx
// responses. 4xx responses are returned to the caller unchanged.
func NewRetryClient(retryMax int) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt == 0 {
			log.Trace().
				Str(req.Method, req.URL.String()).
				Msg("http request")
			return
		}
		log.Debug().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msg("retrying http request")
	}
	return retryClient
}

// NewStreamingClient is NewRetryClient without an overall request timeout,
// for long-lived response bodies.
func NewStreamingClient(retryMax int) *retryablehttp.Client {
	c := NewRetryClient(retryMax)
	c.HTTPClient.Timeout = 0
	return c
}
