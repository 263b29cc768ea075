// fingerprint.go derives stable grouping keys for error reports.

package reporting

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns 16 hex characters derived from
// "{errorName}:{service}:{operation}". It is deterministic across
// processes and not suitable for anything security related.
func Fingerprint(errorName, service, operation string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(errorName+":"+service+":"+operation))
}

// FingerprintReport fingerprints r from its error name and context.
func FingerprintReport(r Report) string {
	return Fingerprint(r.Error.Name, r.Context.Service, r.Context.Operation)
}
