package scep

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.mozilla.org/pkcs7"

	"scepclient/internal/testca"
)

// fakeServer is a minimal in-process SCEP responder built on this
// package's own codec, standing in for a real CA so the client's full
// pipeline (capability probe, chain resolution, envelope/message
// codec, transaction state machine) can be exercised end to end
// without a network dependency.
type fakeServer struct {
	ca          *testca.CA
	caps        []byte
	pendingOnce bool

	// nextCA, when set, is the chain GetNextCACert announces for a
	// rollover.
	nextCA *testca.CA

	// crl, when set, is the raw CRL bytes GetCRL returns, enveloped fresh
	// per request.
	crl []byte

	mu             sync.Mutex
	requests       int
	pending        map[TransactionID]bool
	issuedBySerial map[string]*x509.Certificate
}

func newFakeServer(ca *testca.CA, caps []byte, pendingOnce bool) *fakeServer {
	return &fakeServer{
		ca:             ca,
		caps:           caps,
		pendingOnce:    pendingOnce,
		pending:        make(map[TransactionID]bool),
		issuedBySerial: make(map[string]*x509.Certificate),
	}
}

func (fs *fakeServer) requestCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.requests++
	fs.mu.Unlock()

	switch r.URL.Query().Get("operation") {
	case "GetCACaps":
		w.Header().Set("Content-Type", contentTypeCACaps)
		w.Write(fs.caps)
	case "GetCACert":
		w.Write(fs.ca.Certificate.Raw)
	case "GetNextCACert":
		fs.serveGetNextCACert(w)
	case "PKIOperation":
		fs.servePKIOperation(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// serveGetNextCACert signs a degenerate bag carrying fs.nextCA's
// certificate, as RFC 8894 §4.6.2 defines a rollover announcement: a
// CMS signed-data over empty content, signed by the current CA, whose
// certificates field carries the new chain.
func (fs *fakeServer) serveGetNextCACert(w http.ResponseWriter) {
	if fs.nextCA == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sd, err := pkcs7.NewSignedData(nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sd.AddCertificate(fs.nextCA.Certificate)
	if err := sd.AddSigner(fs.ca.Certificate, fs.ca.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	raw, err := sd.Finish()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeNextCACert)
	w.Write(raw)
}

func (fs *fakeServer) servePKIOperation(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Method == http.MethodGet {
		raw, err := base64.URLEncoding.DecodeString(r.URL.Query().Get("message"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body = raw
	} else {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body = raw
	}

	p7, err := pkcs7.Parse(body)
	if err != nil || len(p7.Certificates) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	requestorCert := p7.Certificates[0]
	if err := p7.Verify(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg, err := decodePKIMessage(body, requestorCert)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch msg.MessageType {
	case MessagePKCSReq, MessageRenewalReq:
		fs.handleEnrollmentRequest(w, msg, requestorCert)
	case MessageCertPoll:
		fs.handlePoll(w, msg, requestorCert)
	case MessageGetCert:
		fs.handleGetCert(w, msg, requestorCert)
	case MessageGetCRL:
		fs.handleGetCRL(w, msg, requestorCert)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (fs *fakeServer) handleEnrollmentRequest(w http.ResponseWriter, msg *PkiMessage, requestorCert *x509.Certificate) {
	if fs.pendingOnce {
		fs.mu.Lock()
		alreadyPending := fs.pending[msg.TransactionID]
		if !alreadyPending {
			fs.pending[msg.TransactionID] = true
		}
		fs.mu.Unlock()
		if !alreadyPending {
			fs.respond(w, msg, requestorCert, StatusPending, nil)
			return
		}
	}

	plain, err := decryptEnvelope(msg.EnvelopedPayload, fs.ca.Certificate, fs.ca.PrivateKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	csr, err := x509.ParseCertificateRequest(plain)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	cert, err := fs.ca.IssueCertificate(csr, 365)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	fs.mu.Lock()
	fs.issuedBySerial[cert.SerialNumber.String()] = cert
	fs.mu.Unlock()

	bag, err := degenerateCertificates([]*x509.Certificate{cert})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fs.respond(w, msg, requestorCert, StatusSuccess, bag)
}

func (fs *fakeServer) handlePoll(w http.ResponseWriter, msg *PkiMessage, requestorCert *x509.Certificate) {
	// Second sighting of this transactionID: answer SUCCESS. The CSR
	// itself isn't recoverable from a poll's IssuerAndSubject payload,
	// so the fixture returns the requestor's own signing certificate:
	// tests only assert on state transitions and nonce/transactionID
	// correlation, so any certificate keyed to the requestor's public
	// key suffices.
	fs.mu.Lock()
	fs.pending[msg.TransactionID] = false
	fs.mu.Unlock()

	bag, err := degenerateCertificates([]*x509.Certificate{requestorCert})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fs.respond(w, msg, requestorCert, StatusSuccess, bag)
}

func (fs *fakeServer) handleGetCert(w http.ResponseWriter, msg *PkiMessage, requestorCert *x509.Certificate) {
	plain, err := decryptEnvelope(msg.EnvelopedPayload, fs.ca.Certificate, fs.ca.PrivateKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var ias issuerAndSerialNumber
	if _, err := asn1.Unmarshal(plain, &ias); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	fs.mu.Lock()
	cert, ok := fs.issuedBySerial[ias.SerialNumber.String()]
	fs.mu.Unlock()
	if !ok {
		fs.respond(w, msg, requestorCert, StatusFailure, nil)
		return
	}

	bag, err := degenerateCertificates([]*x509.Certificate{cert})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	fs.respond(w, msg, requestorCert, StatusSuccess, bag)
}

func (fs *fakeServer) handleGetCRL(w http.ResponseWriter, msg *PkiMessage, requestorCert *x509.Certificate) {
	if fs.crl == nil {
		fs.respond(w, msg, requestorCert, StatusFailure, nil)
		return
	}
	fs.respond(w, msg, requestorCert, StatusSuccess, fs.crl)
}

func (fs *fakeServer) respond(w http.ResponseWriter, reqMsg *PkiMessage, requestorCert *x509.Certificate, status PKIStatus, plainPayload []byte) {
	var enveloped []byte
	if plainPayload != nil {
		enc, err := encryptEnvelope(plainPayload, requestorCert, CipherAES128CBC)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		enveloped = enc
	}

	resp, err := encodePKIMessage(messageEncodeOptions{
		MessageType:      MessageCertRep,
		TransactionID:    reqMsg.TransactionID,
		SenderNonce:      mustNonce(),
		RecipientNonce:   RecipientNonce(reqMsg.SenderNonce),
		PKIStatus:        status,
		FailInfo:         FailBadRequest,
		EnvelopedPayload: enveloped,
		SignerCert:       fs.ca.Certificate,
		SignerKey:        fs.ca.PrivateKey,
		Digest:           DigestSHA256,
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypePKIMessage)
	w.Write(resp.Raw)
}

func mustNonce() SenderNonce {
	n, err := newNonce()
	if err != nil {
		panic(err)
	}
	return n
}

func TestClientGetCapabilities(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	caps, err := client.GetCapabilities(context.Background())
	if err != nil {
		t.Fatalf("GetCapabilities: %v", err)
	}
	if !caps.PostSupported() {
		t.Error("expected post_supported=true")
	}
	if caps.StrongestCipher() != CipherAES128CBC {
		t.Error("expected strongest_cipher=AES")
	}
	if caps.StrongestDigest() != DigestSHA256 {
		t.Error("expected strongest_digest=SHA-256")
	}

	before := fs.requestCount()
	if _, err := client.GetCapabilities(context.Background()); err != nil {
		t.Fatalf("GetCapabilities (cached): %v", err)
	}
	if fs.requestCount() != before {
		t.Error("expected second GetCapabilities call to hit the cache, not the transport")
	}
}

func TestClientGetCACertificateSingleCert(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\n"), false)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	invocations := 0
	client := newTestClientWithCallback(t, srv.URL, func(cert *x509.Certificate) bool {
		invocations++
		return cert.Equal(ca.Certificate)
	})

	chain, err := client.GetCACertificate(context.Background())
	if err != nil {
		t.Fatalf("GetCACertificate: %v", err)
	}
	if !chain.CA.Equal(ca.Certificate) {
		t.Error("expected selectCA=CA")
	}
	if !chain.Recipient().Equal(ca.Certificate) {
		t.Error("expected selectRecipient=CA")
	}
	if invocations != 1 {
		t.Errorf("expected trust callback invoked once, got %d", invocations)
	}
}

func TestClientEnrolSuccess(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	csr, _, err := testca.NewClientCSR("device-1")
	if err != nil {
		t.Fatalf("new CSR: %v", err)
	}

	tx, err := client.Enrol(context.Background(), csr)
	if err != nil {
		t.Fatalf("Enrol: %v", err)
	}
	state, err := tx.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if state != StateCertIssued {
		t.Fatalf("expected CERT_ISSUED, got %v", state)
	}
	certs := tx.Certificates()
	if len(certs) != 1 {
		t.Fatalf("expected exactly one issued certificate, got %d", len(certs))
	}
	if certs[0].Issuer.String() != ca.Certificate.Subject.String() {
		t.Error("issuer should match CA")
	}
}

func TestClientEnrolPendingThenIssued(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), true)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	csr, _, err := testca.NewClientCSR("device-2")
	if err != nil {
		t.Fatalf("new CSR: %v", err)
	}

	tx, err := client.Enrol(context.Background(), csr)
	if err != nil {
		t.Fatalf("Enrol: %v", err)
	}

	state, err := tx.Send(context.Background())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if state != StateCertReqPending {
		t.Fatalf("expected CERT_REQ_PENDING, got %v", state)
	}
	firstTxID := tx.transactionID
	firstNonce := append([]byte(nil), tx.lastSenderNonce...)

	state, err = tx.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if state != StateCertIssued {
		t.Fatalf("expected CERT_ISSUED after poll, got %v", state)
	}
	if tx.transactionID != firstTxID {
		t.Error("transactionID must remain stable across poll")
	}
	if string(tx.lastSenderNonce) == string(firstNonce) {
		t.Error("senderNonce must differ between send and poll")
	}
}

func TestClientGetCertificateBySerial(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	csr, _, err := testca.NewClientCSR("device-3")
	if err != nil {
		t.Fatalf("new CSR: %v", err)
	}
	tx, err := client.Enrol(context.Background(), csr)
	if err != nil {
		t.Fatalf("Enrol: %v", err)
	}
	if _, err := tx.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	issued := tx.Certificates()[0]

	found, err := client.GetCertificate(context.Background(), issued.SerialNumber)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if len(found) != 1 || found[0].SerialNumber.Cmp(issued.SerialNumber) != 0 {
		t.Error("expected GetCertificate to return the certificate matching the caller-supplied serial")
	}
}

func TestClientGetRolloverCertificate(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	nextCA, err := testca.NewCA("Acme Next", 10)
	if err != nil {
		t.Fatalf("new next-generation CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\nGetNextCACert\n"), false)
	fs.nextCA = nextCA
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	chain, err := client.GetRolloverCertificate(context.Background())
	if err != nil {
		t.Fatalf("GetRolloverCertificate: %v", err)
	}
	if !chain.CA.Equal(nextCA.Certificate) {
		t.Error("expected the rollover chain's CA to be the next-generation CA, not the current one")
	}
}

func TestClientGetRolloverCertificateRequiresCapability(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	if _, err := client.GetRolloverCertificate(context.Background()); err == nil {
		t.Fatal("expected GetRolloverCertificate to fail when the CA doesn't advertise GetNextCACert")
	}
}

func TestClientGetCRL(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	raw, err := ca.IssueCRL(nil, 1)
	if err != nil {
		t.Fatalf("issue CRL: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	fs.crl = raw
	srv := httptest.NewServer(fs)
	defer srv.Close()

	client := newTestClient(t, srv.URL, ca.Certificate)

	csr, _, err := testca.NewClientCSR("device-crl")
	if err != nil {
		t.Fatalf("new CSR: %v", err)
	}
	tx, err := client.Enrol(context.Background(), csr)
	if err != nil {
		t.Fatalf("Enrol: %v", err)
	}
	if _, err := tx.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	crl, err := client.GetCRL(context.Background(), tx.Certificates()[0].SerialNumber)
	if err != nil {
		t.Fatalf("GetCRL: %v", err)
	}
	if crl == nil {
		t.Fatal("expected a non-nil CRL")
	}
	if crl.Number.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("expected CRL number 1, got %v", crl.Number)
	}
}

func TestTransactionExchangeRejectsTamperedRecipientNonce(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	fs := newFakeServer(ca, []byte("AES\nSHA-256\nPOSTPKIOperation\n"), false)
	tamperSrv := httptest.NewServer(&tamperingHandler{inner: fs})
	defer tamperSrv.Close()

	client := newTestClient(t, tamperSrv.URL, ca.Certificate)

	csr, _, err := testca.NewClientCSR("device-tamper")
	if err != nil {
		t.Fatalf("new CSR: %v", err)
	}
	tx, err := client.Enrol(context.Background(), csr)
	if err != nil {
		t.Fatalf("Enrol: %v", err)
	}
	if _, err := tx.Send(context.Background()); err == nil {
		t.Fatal("expected Send to reject a response with a tampered recipientNonce")
	}
}

// tamperingHandler wraps fakeServer's PKIOperation responses, flipping
// the first byte of the recipientNonce signed attribute's value without
// touching the ASN.1 framing, so the CertRep still parses but carries a
// tampered recipientNonce.
type tamperingHandler struct {
	inner *fakeServer
}

func (h *tamperingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("operation") != "PKIOperation" {
		h.inner.ServeHTTP(w, r)
		return
	}
	rec := httptest.NewRecorder()
	h.inner.ServeHTTP(rec, r)
	for k, vs := range rec.Header() {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	body := append([]byte(nil), rec.Body.Bytes()...)
	oid, err := asn1.Marshal(oidSCEPRecipientNonce)
	if err != nil {
		panic(err)
	}
	// The OID is followed by the attribute's SET header and the nonce's
	// OCTET STRING header, two bytes each, before the nonce value.
	if i := bytes.Index(body, oid); i >= 0 && i+len(oid)+4 < len(body) {
		body[i+len(oid)+4] ^= 0xFF
	}
	w.WriteHeader(rec.Code)
	w.Write(body)
}

func newTestClient(t *testing.T, endpoint string, ca *x509.Certificate) *Client {
	t.Helper()
	return newTestClientWithCallback(t, endpoint, func(cert *x509.Certificate) bool { return cert.Equal(ca) })
}

func newTestClientWithCallback(t *testing.T, endpoint string, callback TrustCallback) *Client {
	t.Helper()
	csr, key, err := testca.NewClientCSR("test-client")
	if err != nil {
		t.Fatalf("new client CSR: %v", err)
	}
	identityCert, err := testca.SelfSignedIdentity(csr.Subject.CommonName, key)
	if err != nil {
		t.Fatalf("self-signed identity: %v", err)
	}

	client, err := NewClient(endpoint, ClientIdentity{Certificate: identityCert, PrivateKey: key}, callback, WithLogger(nopLogger{}))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}
