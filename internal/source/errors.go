package source

import (
	"fmt"
	"strconv"
)

// FetchError is a transport-level failure: timeout, connection refused,
// non-2xx status. It is transient by contract; the scheduler simply retries
// on the next cycle.
type FetchError struct {
	URL    string
	Status int // 0 when the request never got a response
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return "fetch " + e.URL + ": status " + strconv.Itoa(e.Status)
	}
	return "fetch " + e.URL + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the page downloaded fine but did not have the shape this
// client knows how to read. That usually means the site changed; it is logged
// loudly and the affected character is skipped, but the process keeps going.
type ParseError struct {
	Page   string // "whoisonline" or "character"
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Page, e.Reason)
}

func fetchErr(url string, status int, err error) error {
	return &FetchError{URL: url, Status: status, Err: err}
}

func parseErr(page, format string, args ...any) error {
	return &ParseError{Page: page, Reason: fmt.Sprintf(format, args...)}
}
