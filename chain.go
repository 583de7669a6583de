package scep

import "crypto/x509"

// CertificateChain is the unordered 1-3 certificate set GetCACert
// returns: exactly one CA, zero or one signing RA, zero or one
// encryption RA.
type CertificateChain struct {
	CA        *x509.Certificate
	SignRA    *x509.Certificate // nil if absent
	EncryptRA *x509.Certificate // nil if absent
	raw       []*x509.Certificate
}

// Recipient returns the certificate enrol() should encrypt requests
// for: the encryption RA if present, else the signing RA, else the CA
// itself.
func (c CertificateChain) Recipient() *x509.Certificate {
	switch {
	case c.EncryptRA != nil:
		return c.EncryptRA
	case c.SignRA != nil:
		return c.SignRA
	default:
		return c.CA
	}
}

// ExpectedSigner returns the certificate that must have signed
// PKIOperation responses: the signing RA if present, else the CA.
func (c CertificateChain) ExpectedSigner() *x509.Certificate {
	if c.SignRA != nil {
		return c.SignRA
	}
	return c.CA
}

// Certificates returns the chain as the unordered slice it was parsed
// from.
func (c CertificateChain) Certificates() []*x509.Certificate { return c.raw }

// resolveChain implements the chain-resolution algorithm for the 1-3
// certificates GetCACert returned.
func resolveChain(certs []*x509.Certificate) (CertificateChain, error) {
	switch len(certs) {
	case 1:
		return CertificateChain{CA: certs[0], raw: certs}, nil
	case 2:
		ca, ra, err := selectCAAmong(certs[0], certs[1])
		if err != nil {
			return CertificateChain{}, err
		}
		return CertificateChain{CA: ca, SignRA: ra, raw: certs}, nil
	case 3:
		return resolveTriple(certs)
	default:
		return CertificateChain{}, newProtocolError("CA/RA chain of forbidden size", nil)
	}
}

// selectCAAmong picks the CA out of two certificates: the one whose
// public key verifies the signature of the other.
func selectCAAmong(a, b *x509.Certificate) (ca, other *x509.Certificate, err error) {
	if b.CheckSignatureFrom(a) == nil {
		return a, b, nil
	}
	if a.CheckSignatureFrom(b) == nil {
		return b, a, nil
	}
	return nil, nil, newProtocolError("no certificate in chain verifies the other's signature", nil)
}

// keyUsageIsEncryptionOnly reports the test for the encryption RA:
// KeyUsage asserts neither digitalSignature (bit 0) nor cRLSign (bit 6).
func keyUsageIsEncryptionOnly(cert *x509.Certificate) bool {
	const forbidden = x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign
	return cert.KeyUsage&forbidden == 0
}

func resolveTriple(certs []*x509.Certificate) (CertificateChain, error) {
	// Try each certificate as the candidate CA; the CA is the one whose
	// public key verifies the signature of at least one of the other two.
	for i, candidate := range certs {
		others := make([]*x509.Certificate, 0, 2)
		for j, c := range certs {
			if j != i {
				others = append(others, c)
			}
		}
		verifiedAny := false
		for _, o := range others {
			if o.CheckSignatureFrom(candidate) == nil {
				verifiedAny = true
			}
		}
		if !verifiedAny {
			continue
		}

		ra0, ra1 := others[0], others[1]
		var encRA, signRA *x509.Certificate
		switch {
		case keyUsageIsEncryptionOnly(ra0) && !keyUsageIsEncryptionOnly(ra1):
			encRA, signRA = ra0, ra1
		case keyUsageIsEncryptionOnly(ra1) && !keyUsageIsEncryptionOnly(ra0):
			encRA, signRA = ra1, ra0
		default:
			// Both or neither look like the encryption RA: ambiguous chain.
			continue
		}
		return CertificateChain{CA: candidate, SignRA: signRA, EncryptRA: encRA, raw: certs}, nil
	}
	return CertificateChain{}, newProtocolError("no CA found under the signature test among 3 certificates", nil)
}
