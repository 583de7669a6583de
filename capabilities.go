package scep

import "strings"

// Capability is one token a CA may advertise from GetCACaps. The
// vocabulary is closed; unrecognized tokens are ignored.
type Capability string

const (
	CapAES              Capability = "AES"
	CapDES3             Capability = "DES3"
	CapSHA1             Capability = "SHA-1"
	CapSHA256           Capability = "SHA-256"
	CapSHA512           Capability = "SHA-512"
	CapPOSTPKIOperation Capability = "POSTPKIOperation"
	CapGetNextCACert    Capability = "GetNextCACert"
	CapRenewal          Capability = "Renewal"
	CapSCEPStandard     Capability = "SCEPStandard"
)

var knownCapabilities = map[Capability]struct{}{
	CapAES: {}, CapDES3: {}, CapSHA1: {}, CapSHA256: {}, CapSHA512: {},
	CapPOSTPKIOperation: {}, CapGetNextCACert: {}, CapRenewal: {}, CapSCEPStandard: {},
}

// CipherAlgorithm is the content-encryption algorithm chosen for a PKI
// envelope.
type CipherAlgorithm int

const (
	CipherDES3 CipherAlgorithm = iota
	CipherAES128CBC
)

// DigestAlgorithm is the signature digest chosen for a PKI message.
type DigestAlgorithm int

const (
	DigestSHA1 DigestAlgorithm = iota
	DigestSHA256
	DigestSHA512
)

// Capabilities is the set a CA advertises via GetCACaps, plus the
// client-scoped preferred-cipher override.
type Capabilities struct {
	set             map[Capability]struct{}
	preferredCipher *CipherAlgorithm
}

// ParseCapabilities parses the newline-separated GetCACaps response
// body. Unknown tokens are silently dropped.
func ParseCapabilities(body []byte) Capabilities {
	set := make(map[Capability]struct{})
	for _, line := range strings.Split(string(body), "\n") {
		tok := Capability(strings.TrimSpace(line))
		if tok == "" {
			continue
		}
		if _, known := knownCapabilities[tok]; known {
			set[tok] = struct{}{}
		}
	}
	return Capabilities{set: set}
}

// Has reports whether the capability was advertised.
func (c Capabilities) Has(cap Capability) bool {
	_, ok := c.set[cap]
	return ok
}

// PostSupported reports whether the CA advertises POSTPKIOperation (or
// the SCEPStandard umbrella capability, which implies it).
func (c Capabilities) PostSupported() bool {
	return c.Has(CapPOSTPKIOperation) || c.Has(CapSCEPStandard)
}

// RolloverSupported reports whether GetNextCACert is advertised.
func (c Capabilities) RolloverSupported() bool {
	return c.Has(CapGetNextCACert)
}

// RenewalSupported reports whether Renewal is advertised.
func (c Capabilities) RenewalSupported() bool {
	return c.Has(CapRenewal)
}

// WithPreferredCipher narrows StrongestCipher to the given algorithm,
// but only when the CA actually advertises a capability matching it.
func (c Capabilities) WithPreferredCipher(alg CipherAlgorithm) Capabilities {
	c.preferredCipher = &alg
	return c
}

// StrongestCipher returns the strongest mutually supported content
// encryption algorithm: AES-128-CBC if AES is advertised, else
// CipherDES3, narrowed by any preferred-cipher override. encryptEnvelope
// encrypts CipherDES3 payloads with single DES-CBC, not Triple-DES-CBC
// (see pkcs7Algorithm).
func (c Capabilities) StrongestCipher() CipherAlgorithm {
	aesOK := c.Has(CapAES)
	if c.preferredCipher != nil {
		switch *c.preferredCipher {
		case CipherAES128CBC:
			if aesOK {
				return CipherAES128CBC
			}
		case CipherDES3:
			if c.Has(CapDES3) {
				return CipherDES3
			}
		}
	}
	if aesOK {
		return CipherAES128CBC
	}
	return CipherDES3
}

// StrongestDigest returns the strongest mutually supported digest
// algorithm from {SHA-512, SHA-256, SHA-1}; SHA-1 is the universal
// floor .
func (c Capabilities) StrongestDigest() DigestAlgorithm {
	switch {
	case c.Has(CapSHA512):
		return DigestSHA512
	case c.Has(CapSHA256):
		return DigestSHA256
	default:
		return DigestSHA1
	}
}
