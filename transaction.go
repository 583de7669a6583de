package scep

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"math/big"
)

// State is the transaction finite state machine: INITIAL advances to
// exactly one of CERT_ISSUED, CERT_REQ_PENDING, or CERT_NON_EXISTANT.
type State int

const (
	StateInitial State = iota
	StateCertIssued
	StateCertReqPending
	StateCertNonExistant
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateCertIssued:
		return "CERT_ISSUED"
	case StateCertReqPending:
		return "CERT_REQ_PENDING"
	case StateCertNonExistant:
		return "CERT_NON_EXISTANT"
	default:
		return "UNKNOWN"
	}
}

// transaction is the shared engine both EnrollmentTransaction and
// NonEnrollmentTransaction wrap; both share the outer exchange/classify
// loop and differ only in request construction and in whether PENDING
// is legal.
type transaction struct {
	transport Transport
	chain     CertificateChain
	usePost   bool
	cipher    CipherAlgorithm
	digest    DigestAlgorithm
	profile   string

	identityCert *x509.Certificate
	identityKey  *rsa.PrivateKey

	transactionID   TransactionID
	lastSenderNonce SenderNonce
	state           State
	lastMessage     *PkiMessage
	certificates    []*x509.Certificate
	logger          Logger
}

// State reports the transaction's current position in the state
// machine.
func (t *transaction) State() State { return t.state }

// LastMessage returns the most recently decoded PkiMessage, or nil
// before any exchange has completed.
func (t *transaction) LastMessage() *PkiMessage { return t.lastMessage }

// Certificates returns the certificate store from the last SUCCESS
// response, or nil.
func (t *transaction) Certificates() []*x509.Certificate { return t.certificates }

// exchange builds, sends, and decodes one request/response round trip,
// enforcing the transactionID/recipientNonce correlation invariants
// before any branching on message content.
func (t *transaction) exchange(ctx context.Context, messageType MessageType, payload []byte) (*PkiMessage, error) {
	var enveloped []byte
	if payload != nil {
		enc, err := encryptEnvelope(payload, t.chain.Recipient(), t.cipher)
		if err != nil {
			return nil, err
		}
		enveloped = enc
	}

	senderNonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	pm, err := encodePKIMessage(messageEncodeOptions{
		MessageType:      messageType,
		TransactionID:    t.transactionID,
		SenderNonce:      senderNonce,
		Profile:          t.profile,
		EnvelopedPayload: enveloped,
		SignerCert:       t.identityCert,
		SignerKey:        t.identityKey,
		Digest:           t.digest,
	})
	if err != nil {
		return nil, err
	}

	var resp *rawResponse
	if t.usePost {
		resp, err = t.transport.Post(ctx, opPKIOperation, pm.Raw)
	} else {
		q := map[string][]string{"message": {base64.URLEncoding.EncodeToString(pm.Raw)}}
		resp, err = t.transport.Get(ctx, opPKIOperation, q)
	}
	if err != nil {
		return nil, err
	}

	if err := expectContentType(resp, contentTypePKIMessage); err != nil {
		return nil, err
	}

	msg, err := decodePKIMessage(resp.Body, t.chain.ExpectedSigner())
	if err != nil {
		return nil, err
	}

	if msg.TransactionID != t.transactionID {
		return nil, newProtocolError("response transactionID does not match request", nil)
	}
	if string(msg.RecipientNonce) != string(senderNonce) {
		return nil, newProtocolError("response recipientNonce does not match request senderNonce", nil)
	}

	t.lastSenderNonce = senderNonce
	t.lastMessage = msg
	return msg, nil
}

// classify applies a CertRep's pkiStatus to the transaction state. On
// SUCCESS it decrypts the enveloped payload exactly once and hands the
// plaintext to decode, which interprets it according to what the
// calling operation actually expects (a certificate bag for
// enrollment/GetCert, a bare CRL for GetCRL). pendingLegal is false for
// non-enrollment transactions, where a PENDING response is a protocol
// violation.
func (t *transaction) classify(msg *PkiMessage, pendingLegal bool, decode func(plain []byte) error) error {
	switch msg.PKIStatus {
	case StatusSuccess:
		plain, err := decryptEnvelope(msg.EnvelopedPayload, t.identityCert, t.identityKey)
		if err != nil {
			return err
		}
		if err := decode(plain); err != nil {
			return err
		}
		t.state = StateCertIssued
		return nil
	case StatusFailure:
		t.state = StateCertNonExistant
		return &OperationError{FailInfo: msg.FailInfo}
	case StatusPending:
		if !pendingLegal {
			return newProtocolError("PENDING is illegal for this operation", nil)
		}
		t.state = StateCertReqPending
		return nil
	default:
		return newProtocolError("unrecognized pkiStatus "+string(msg.PKIStatus), nil)
	}
}

// decodeCertificateBag is the classify decoder shared by the enrollment
// and GetCert paths: the SUCCESS payload is always a certificate bag for
// those operations.
func (t *transaction) decodeCertificateBag(plain []byte) error {
	certs, err := parseCertificateBag(plain)
	if err != nil {
		return err
	}
	t.certificates = certs
	return nil
}

// EnrollmentTransaction drives a PKCSReq/RenewalReq exchange, with
// Poll for the CERT_REQ_PENDING case.
type EnrollmentTransaction struct {
	*transaction
	csr        *x509.CertificateRequest
	renewalOf  *x509.Certificate
	renewalCap bool
}

// Send builds and submits the initial enrollment request, deriving
// transactionID from the CSR's public key the first time Send is
// called (so a resent Send on the same transaction reuses it, per
// idempotently).
func (e *EnrollmentTransaction) Send(ctx context.Context) (State, error) {
	if e.transactionID == "" {
		id, err := transactionIDFromPublicKey(e.csr.PublicKey)
		if err != nil {
			return e.state, err
		}
		e.transactionID = id
	}

	messageType := MessagePKCSReq
	if e.renewalOf != nil && e.renewalCap {
		messageType = MessageRenewalReq
	}

	msg, err := e.exchange(ctx, messageType, e.csr.Raw)
	if err != nil {
		return e.state, err
	}
	if err := e.classify(msg, true, e.decodeCertificateBag); err != nil {
		return e.state, err
	}
	return e.state, nil
}

// Poll emits a CertPoll for a transaction sitting in
// CERT_REQ_PENDING, using a fresh senderNonce and the same
// transactionID.
func (e *EnrollmentTransaction) Poll(ctx context.Context) (State, error) {
	if e.state != StateCertReqPending {
		return e.state, newProtocolError("Poll called outside CERT_REQ_PENDING", nil)
	}

	payload, err := marshalIssuerAndSubject(e.chain.CA, e.csr.RawSubject)
	if err != nil {
		return e.state, err
	}

	msg, err := e.exchange(ctx, MessageCertPoll, payload)
	if err != nil {
		return e.state, err
	}
	if err := e.classify(msg, true, e.decodeCertificateBag); err != nil {
		return e.state, err
	}
	return e.state, nil
}

// NonEnrollmentTransaction drives a GetCert or GetCRL query, for which
// a PENDING response is a fatal protocol violation.
type NonEnrollmentTransaction struct {
	*transaction
}

// GetCert queries the certificate identified by serial under the CA's
// issuer name, keyed on the caller-supplied serial.
func (n *NonEnrollmentTransaction) GetCert(ctx context.Context, serial *big.Int) ([]*x509.Certificate, error) {
	id, err := freshTransactionID()
	if err != nil {
		return nil, err
	}
	n.transactionID = id

	payload, err := marshalIssuerAndSerialNumber(n.chain.CA, serial)
	if err != nil {
		return nil, err
	}

	msg, err := n.exchange(ctx, MessageGetCert, payload)
	if err != nil {
		return nil, err
	}
	if err := n.classify(msg, false, n.decodeCertificateBag); err != nil {
		return nil, err
	}
	return n.certificates, nil
}

// GetCRL queries the CRL covering the certificate identified by serial,
// returning the first CRL found in the decoded response, or nil if
// none.
func (n *NonEnrollmentTransaction) GetCRL(ctx context.Context, serial *big.Int) (*x509.RevocationList, error) {
	id, err := freshTransactionID()
	if err != nil {
		return nil, err
	}
	n.transactionID = id

	payload, err := marshalIssuerAndSerialNumber(n.chain.CA, serial)
	if err != nil {
		return nil, err
	}

	msg, err := n.exchange(ctx, MessageGetCRL, payload)
	if err != nil {
		return nil, err
	}

	var crl *x509.RevocationList
	decode := func(plain []byte) error {
		if len(plain) == 0 {
			return nil
		}
		parsed, err := x509.ParseRevocationList(plain)
		if err != nil {
			return newProtocolError("parse CRL in response payload", err)
		}
		crl = parsed
		return nil
	}
	if err := n.classify(msg, false, decode); err != nil {
		return nil, err
	}
	return crl, nil
}

// freshTransactionID mints a transactionID for a non-enrollment query,
// chosen freshly for a query rather than derived from a CSR.
func freshTransactionID() (TransactionID, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	return TransactionID(hex.EncodeToString(nonce)), nil
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

func marshalIssuerAndSerialNumber(ca *x509.Certificate, serial *big.Int) ([]byte, error) {
	der, err := asn1.Marshal(issuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: ca.RawSubject},
		SerialNumber: serial,
	})
	if err != nil {
		return nil, newProtocolError("marshal IssuerAndSerialNumber", err)
	}
	return der, nil
}

type issuerAndSubject struct {
	Issuer  asn1.RawValue
	Subject asn1.RawValue
}

// marshalIssuerAndSubject builds the poll-time correlation payload:
// the CSR's subject has no serial yet to key on, so CertPoll carries
// (issuer name, subject name) instead of (issuer name, serial number).
func marshalIssuerAndSubject(ca *x509.Certificate, subjectRaw []byte) ([]byte, error) {
	der, err := asn1.Marshal(issuerAndSubject{
		Issuer:  asn1.RawValue{FullBytes: ca.RawSubject},
		Subject: asn1.RawValue{FullBytes: subjectRaw},
	})
	if err != nil {
		return nil, newProtocolError("marshal IssuerAndSubject", err)
	}
	return der, nil
}
