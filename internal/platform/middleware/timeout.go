package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/pssim/internal/platform/remote"
)

// RequestTimeout cancels the request context after timeout and answers 504
// with errorCode "timeout" when the handler has not started its response by
// then. The middleware returns only after the handler has finished; writes
// the handler makes after the 504 are discarded.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	body, _ := json.Marshal(remote.ErrorBody{
		ErrorCode:   CodeTimeout,
		ErrorDetail: "request processing exceeded the allowed time limit",
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			original := res.Writer
			tw := &timeoutWriter{w: original, h: original.Header().Clone()}
			res.Writer = tw

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			var err error
			timedOut := false
			select {
			case err = <-done:
			case <-ctx.Done():
				timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded) && tw.timeout(body)
				err = <-done
			}

			res.Writer = original
			if timedOut {
				res.Status = http.StatusGatewayTimeout
				res.Size = int64(len(body))
				res.Committed = true
				return nil
			}
			if !tw.wroteHeader {
				dst := original.Header()
				for k, vv := range tw.h {
					dst[k] = vv
				}
			}
			return err
		}
	}
}

// timeoutWriter serialises the handler's writes with the timeout answer.
// The handler works on its own header map, copied out when it starts the
// response.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu          sync.Mutex
	wroteHeader bool
	timedOut    bool
}

func (tw *timeoutWriter) Header() http.Header {
	return tw.h
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(b)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	dst := tw.w.Header()
	for k, vv := range tw.h {
		dst[k] = vv
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

// timeout writes the 504 answer unless the handler has already started its
// response.
func (tw *timeoutWriter) timeout(body []byte) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wroteHeader {
		return false
	}
	tw.timedOut = true
	tw.w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	tw.w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = tw.w.Write(body)
	return true
}
