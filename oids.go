package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SCEP transactionID derivation is specified as SHA-1 of the SPKI, not used for security.
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
)

// SCEP authenticated attribute OIDs, fixed by the protocol
// (draft-gutmann-scep-02). Grounded on the identical constant table in
// mdm-server/internal/scep/scep.go and tasuku-revol-scep/scep.go.
var (
	oidSCEPMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidSCEPPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidSCEPFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSCEPSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidSCEPRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidSCEPTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}

	// oidSCEPProfile is not part of the core SCEP OID table; see
	// DESIGN.md "Open Question decisions" for why this arm was chosen.
	oidSCEPProfile = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 8}
)

// Digest OIDs used to select a CMS signature digest algorithm.
var (
	oidDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// MessageType identifies the kind of operation a PKI message performs.
// Undefined message types are a protocol error.
type MessageType string

const (
	MessageCertRep    MessageType = "3"
	MessageRenewalReq MessageType = "17"
	MessagePKCSReq    MessageType = "19"
	MessageCertPoll   MessageType = "20"
	MessageGetCert    MessageType = "21"
	MessageGetCRL     MessageType = "22"
)

func (m MessageType) String() string {
	switch m {
	case MessageCertRep:
		return "CertRep(3)"
	case MessageRenewalReq:
		return "RenewalReq(17)"
	case MessagePKCSReq:
		return "PKCSReq(19)"
	case MessageCertPoll:
		return "CertPoll(20)"
	case MessageGetCert:
		return "GetCert(21)"
	case MessageGetCRL:
		return "GetCRL(22)"
	default:
		return fmt.Sprintf("MessageType(%s)", string(m))
	}
}

// PKIStatus is the outcome a CA reports for a transaction.
type PKIStatus string

const (
	StatusSuccess PKIStatus = "0"
	StatusFailure PKIStatus = "2"
	StatusPending PKIStatus = "3"
)

func (s PKIStatus) valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPending:
		return true
	default:
		return false
	}
}

// FailInfo is the reason a CA gives for a FAILURE pkiStatus.
type FailInfo string

const (
	FailBadAlg          FailInfo = "0"
	FailBadMessageCheck FailInfo = "1"
	FailBadRequest      FailInfo = "2"
	FailBadTime         FailInfo = "3"
	FailBadCertID       FailInfo = "4"
)

func (f FailInfo) String() string {
	switch f {
	case FailBadAlg:
		return "badAlg(0)"
	case FailBadMessageCheck:
		return "badMessageCheck(1)"
	case FailBadRequest:
		return "badRequest(2)"
	case FailBadTime:
		return "badTime(3)"
	case FailBadCertID:
		return "badCertID(4)"
	default:
		return fmt.Sprintf("FailInfo(%s)", string(f))
	}
}

// TransactionID correlates every PKI message exchanged for one
// enrollment or query.
type TransactionID string

// SenderNonce is a fresh 16-byte value attached by whoever sends a
// request; the responder echoes it back as RecipientNonce.
type SenderNonce []byte

// RecipientNonce is copied from the most recent SenderNonce seen.
type RecipientNonce []byte

// newNonce returns a fresh 16-byte random nonce.
func newNonce() (SenderNonce, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, newIOError("generate nonce", err)
	}
	return SenderNonce(b), nil
}

// transactionIDFromPublicKey derives a stable transactionID from a CSR's
// public key: SHA-1 of the DER-encoded SubjectPublicKeyInfo, base64
// standard encoded. Grounded on tasuku-revol-scep/scep.go's
// newTransactionID (there delegated to a cryptoutil helper); reproduced
// directly here since that helper package is not part of this pack.
// Identical input (the same CSR public key bytes) always yields the
// same transactionID, the correlation invariant an enrollment relies on.
func transactionIDFromPublicKey(pub crypto.PublicKey) (TransactionID, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", newProtocolError("marshal public key for transactionID", err)
	}
	sum := sha1.Sum(spkiDER) //nolint:gosec // see import comment above
	return TransactionID(base64.StdEncoding.EncodeToString(sum[:])), nil
}

func digestOID(alg DigestAlgorithm) asn1.ObjectIdentifier {
	switch alg {
	case DigestSHA512:
		return oidDigestSHA512
	case DigestSHA256:
		return oidDigestSHA256
	default:
		return oidDigestSHA1
	}
}
