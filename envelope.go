package scep

import (
	"crypto/rsa"
	"crypto/x509"
	"sync"

	"go.mozilla.org/pkcs7"
)

// envelopeCodec encrypts/decrypts the CMS enveloped-data payload
// carried inside a PKI message. Grounded on mdm-server/internal/scep/scep.go's
// handlePKIOperation/sendSCEPSuccess (pkcs7.Encrypt / (*PKCS7).Decrypt)
// and tasuku-revol-scep/scep.go's DecryptPKIEnvelope.
//
// go.mozilla.org/pkcs7 selects its content-encryption algorithm through
// a package-level variable rather than a per-call argument; encryptMu
// serializes access to it so concurrent enrol()/poll() calls targeting
// different recipients with different negotiated ciphers don't race on
// that global.
var encryptMu sync.Mutex

// pkcs7Algorithm maps a negotiated cipher to the pkcs7 encryption
// algorithm. CipherDES3 maps to pkcs7.EncryptionAlgorithmDESCBC, which is
// single DES-CBC; no Triple-DES-CBC envelope is produced.
func pkcs7Algorithm(alg CipherAlgorithm) int {
	switch alg {
	case CipherAES128CBC:
		return pkcs7.EncryptionAlgorithmAES128CBC
	default:
		return pkcs7.EncryptionAlgorithmDESCBC
	}
}

// encryptEnvelope builds a CMS enveloped-data structure whose single
// recipient is a key-transport recipient for recipient, encrypting a
// freshly generated symmetric key under the chosen cipher.
func encryptEnvelope(payload []byte, recipient *x509.Certificate, alg CipherAlgorithm) ([]byte, error) {
	encryptMu.Lock()
	defer encryptMu.Unlock()

	prev := pkcs7.ContentEncryptionAlgorithm
	pkcs7.ContentEncryptionAlgorithm = pkcs7Algorithm(alg)
	defer func() { pkcs7.ContentEncryptionAlgorithm = prev }()

	enveloped, err := pkcs7.Encrypt(payload, []*x509.Certificate{recipient})
	if err != nil {
		return nil, newProtocolError("encrypt PKI envelope", err)
	}
	return enveloped, nil
}

// decryptEnvelope finds the recipientInfo matching identity and unwraps
// its content-encryption key with key, then decrypts the payload.
func decryptEnvelope(enveloped []byte, identity *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	p7, err := pkcs7.Parse(enveloped)
	if err != nil {
		return nil, newProtocolError("parse PKI envelope", err)
	}
	plain, err := p7.Decrypt(identity, key)
	if err != nil {
		return nil, newProtocolError("decrypt PKI envelope", err)
	}
	return plain, nil
}
