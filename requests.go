package scep

import (
	"context"
	"crypto/x509"
	"net/url"
)

// fetchCapabilities issues GetCACaps and parses the resulting newline
// list. A transport error or an unexpected Content-Type is returned to
// the caller; an empty body parses to an empty Capabilities set, for
// which the negotiated defaults are DES3 and SHA-1.
func fetchCapabilities(ctx context.Context, t Transport, profile string) (Capabilities, error) {
	q := url.Values{}
	if profile != "" {
		q.Set("message", profile)
	}
	resp, err := t.Get(ctx, opGetCACaps, q)
	if err != nil {
		return Capabilities{}, err
	}
	if err := expectContentType(resp, contentTypeCACaps); err != nil {
		return Capabilities{}, err
	}
	return ParseCapabilities(resp.Body), nil
}

// fetchCACertificate issues GetCACert and dispatches on the response
// shape: a bare x509 certificate when the CA has no
// RA, or a CMS degenerate certificate bag (1-3 certificates) when it
// does. Both forms are tried, since a CA's Content-Type header is not
// a reliable enough signal on its own.
func fetchCACertificate(ctx context.Context, t Transport, profile string) (CertificateChain, error) {
	q := url.Values{}
	if profile != "" {
		q.Set("message", profile)
	}
	resp, err := t.Get(ctx, opGetCACert, q)
	if err != nil {
		return CertificateChain{}, err
	}

	if certs, err := parseCertificateBag(resp.Body); err == nil && len(certs) > 0 {
		return resolveChain(certs)
	}
	cert, err := x509.ParseCertificate(resp.Body)
	if err != nil {
		return CertificateChain{}, newProtocolError("GetCACert response is neither a certificate bag nor a bare certificate", err)
	}
	return CertificateChain{CA: cert, raw: []*x509.Certificate{cert}}, nil
}

// fetchNextCACertificate issues GetNextCACert and verifies the returned
// bag is signed by the CA the caller already trusts, per the rollover
// handshake.
func fetchNextCACertificate(ctx context.Context, t Transport, profile string, currentCA *x509.Certificate) (CertificateChain, error) {
	q := url.Values{}
	if profile != "" {
		q.Set("message", profile)
	}
	resp, err := t.Get(ctx, opGetNextCACert, q)
	if err != nil {
		return CertificateChain{}, err
	}
	if err := expectContentType(resp, contentTypeNextCACert); err != nil {
		return CertificateChain{}, err
	}

	certs, err := decodeSignedCertificateBag(resp.Body, currentCA)
	if err != nil {
		return CertificateChain{}, err
	}
	return resolveChain(certs)
}
