// Package testca generates throwaway CA, RA, and client identities for
// exercising the SCEP client against an in-process test server.
package testca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// CA is a self-signed Certification Authority fixture. Adapted from the
// production CA generator this package's domain borrowed its
// certificate-template shape from, extended here with RA issuance and a
// client CSR/identity helper.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// NewCA mints a self-signed CA certificate valid for validYears.
func NewCA(orgName string, validYears int) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{orgName},
			CommonName:   fmt.Sprintf("%s SCEP Test CA", orgName),
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// RAKind selects the KeyUsage shape IssueRA assigns.
type RAKind int

const (
	// RASigning signs and decrypts; KeyUsage includes digitalSignature.
	RASigning RAKind = iota
	// RAEncryption only decrypts; KeyUsage excludes digitalSignature and
	// cRLSign, the test fixture for the encryption-RA rule.
	RAEncryption
)

// IssueRA issues an RA certificate signed by ca, shaped per kind.
func (ca *CA) IssueRA(orgName string, kind RAKind) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate RA serial: %w", err)
	}

	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	cn := fmt.Sprintf("%s SCEP Signing RA", orgName)
	if kind == RAEncryption {
		keyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment
		cn = fmt.Sprintf("%s SCEP Encryption RA", orgName)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{orgName}, CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     keyUsage,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create RA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse RA certificate: %w", err)
	}
	return cert, key, nil
}

// IssueCertificate issues a client certificate for csr, signed by ca.
func (ca *CA) IssueCertificate(csr *x509.CertificateRequest, validDays int) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate client serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, csr.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create client certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// IssueCRL signs a CRL over revoked, numbered number.
func (ca *CA) IssueCRL(revoked []x509.RevocationListEntry, number int64) ([]byte, error) {
	template := &x509.RevocationList{
		Number:     big.NewInt(number),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().AddDate(0, 0, 7),
		RevokedCertificateEntries: revoked,
	}
	return x509.CreateRevocationList(rand.Reader, template, ca.Certificate, ca.PrivateKey)
}

// NewClientCSR generates an RSA key and a self-signed CSR for commonName,
// returning both the parsed CertificateRequest and the key that signed
// it.
func NewClientCSR(commonName string) (*x509.CertificateRequest, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate client key: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CSR: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CSR: %w", err)
	}
	return csr, key, nil
}

// SelfSignedIdentity mints a throwaway self-signed certificate over key,
// used as the signer identity for a client's very first PKCSReq (before
// it holds any CA-issued certificate).
func SelfSignedIdentity(commonName string, key *rsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate identity serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create self-signed identity: %w", err)
	}
	return x509.ParseCertificate(der)
}
