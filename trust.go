package scep

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"sync"
)

// TrustCallback decides whether the client accepts cert as the CA (or
// RA) for subsequent operations. It is invoked at most once per
// distinct certificate it approves: a positive verdict is
// memoized, a negative one is not, so a transient "not yet" can be
// retried on the next call without the caller needing its own cache.
type TrustCallback func(cert *x509.Certificate) bool

// trustCache memoizes positive trust verdicts, keyed by the SHA-256
// fingerprint of the certificate's raw DER.
type trustCache struct {
	mu      sync.RWMutex
	trusted map[string]struct{}
}

func newTrustCache() *trustCache {
	return &trustCache{trusted: make(map[string]struct{})}
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// check returns true without calling callback if cert was previously
// approved; otherwise it calls callback and memoizes a true result.
func (c *trustCache) check(cert *x509.Certificate, callback TrustCallback) bool {
	fp := fingerprint(cert)

	c.mu.RLock()
	_, known := c.trusted[fp]
	c.mu.RUnlock()
	if known {
		return true
	}

	if !callback(cert) {
		return false
	}

	c.mu.Lock()
	c.trusted[fp] = struct{}{}
	c.mu.Unlock()
	return true
}
