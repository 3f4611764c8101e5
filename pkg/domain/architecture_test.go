package domain_test

import (
	"testing"

	"lapisgate/testutil"
)

// The domain vocabulary is shared by every layer, so it may not reach back
// into any of them.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"pkg/domain must stay free of internal packages")
}
