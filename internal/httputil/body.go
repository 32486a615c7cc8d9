// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
)

// ErrBodyTooLarge reports a body that exceeded the caller's size budget.
var ErrBodyTooLarge = errors.New("http body exceeds size limit")

// ReadLimitedBody reads at most maxBytes from reader. When the body is
// larger it returns the truncated prefix together with ErrBodyTooLarge, so
// callers can still salvage a partial error message. maxBytes <= 0 reads
// everything.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrBodyTooLarge
	}
	return body, nil
}
