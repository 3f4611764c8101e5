package domain

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := fmt.Errorf("boom")
	cases := []struct {
		err    error
		typ    string
		status int
		msg    string
	}{
		{NotFoundError{Kind: "organism", Name: "zika"}, "NotFound", http.StatusNotFound, `organism "zika" not found`},
		{BadRequest("limit", "must be positive, got %d", -1), "BadRequest", http.StatusBadRequest, "limit: must be positive, got -1"},
		{BadRequest("", "invalid body"), "BadRequest", http.StatusBadRequest, "invalid body"},
		{DecompressionError{Organism: "west-nile", Name: "main", Err: cause}, "DecompressionFailure", http.StatusInternalServerError, "decompress west-nile/main: boom"},
		{UpstreamError{Op: "query", Err: cause}, "UpstreamUnavailable", http.StatusServiceUnavailable, "database query: boom"},
		{cause, "internal", http.StatusInternalServerError, "boom"},
	}
	for _, c := range cases {
		if got := ErrorType(c.err); got != c.typ {
			t.Errorf("ErrorType(%v) = %s, want %s", c.err, got, c.typ)
		}
		if got := StatusCode(c.err); got != c.status {
			t.Errorf("StatusCode(%v) = %d, want %d", c.err, got, c.status)
		}
		if c.err.Error() != c.msg {
			t.Errorf("message %q, want %q", c.err.Error(), c.msg)
		}
	}
}

func TestWrappedErrorsKeepTheirType(t *testing.T) {
	err := errors.Wrap(NotFoundError{Kind: "gene", Name: "NS1"}, "compile")
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("wrapped not-found lost its status: %v", err)
	}
	cause := fmt.Errorf("reset")
	if !errors.Is(UpstreamError{Op: "ping", Err: cause}, cause) {
		t.Fatal("UpstreamError must unwrap to its cause")
	}
	if !errors.Is(DecompressionError{Err: cause}, cause) {
		t.Fatal("DecompressionError must unwrap to its cause")
	}
}
