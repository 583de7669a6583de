package scep

import (
	"crypto/rsa"
	"crypto/x509"

	"go.mozilla.org/pkcs7"
)

// PkiMessage is the logical record of a decoded exchange: messageType,
// transactionID, nonces, optional pkiStatus/failInfo, and an opaque
// payload (still CMS-enveloped; the transaction engine decrypts it with
// the envelope codec once the message signature has been verified).
type PkiMessage struct {
	MessageType    MessageType
	TransactionID  TransactionID
	SenderNonce    SenderNonce
	RecipientNonce RecipientNonce
	PKIStatus      PKIStatus
	FailInfo       FailInfo
	Profile        string

	// EnvelopedPayload is the still-encrypted CMS enveloped-data content;
	// empty for a FAILURE CertRep, which carries no payload.
	EnvelopedPayload []byte

	// Raw is the signed-data bytes this message was parsed from, or that
	// encodePKIMessage produced.
	Raw []byte
}

// messageEncodeOptions carries everything encodePKIMessage needs to
// build a signed CMS message. Grounded on tasuku-revol-scep/scep.go's
// NewCSRRequest and mdm-server/internal/scep/scep.go's sendSCEPSuccess,
// both of which assemble an ExtraSignedAttributes list in exactly this
// shape.
type messageEncodeOptions struct {
	MessageType      MessageType
	TransactionID    TransactionID
	SenderNonce      SenderNonce
	RecipientNonce   RecipientNonce // set only when replying to a request
	PKIStatus        PKIStatus      // set only when encoding a CertRep
	FailInfo         FailInfo       // set only when PKIStatus == StatusFailure
	Profile          string         // optional CA profile, carried as an attribute when non-empty
	EnvelopedPayload []byte         // CMS enveloped-data content, or nil
	SignerCert       *x509.Certificate
	SignerKey        *rsa.PrivateKey
	Digest           DigestAlgorithm
}

// encodePKIMessage wraps an enveloped payload (or no payload, for a
// FAILURE CertRep) in CMS signed-data carrying the SCEP authenticated
// attribute set.
func encodePKIMessage(opts messageEncodeOptions) (*PkiMessage, error) {
	sd, err := pkcs7.NewSignedData(opts.EnvelopedPayload)
	if err != nil {
		return nil, newProtocolError("create signed-data for PKI message", err)
	}

	attrs := []pkcs7.Attribute{
		{Type: oidSCEPTransactionID, Value: string(opts.TransactionID)},
		{Type: oidSCEPMessageType, Value: string(opts.MessageType)},
		{Type: oidSCEPSenderNonce, Value: []byte(opts.SenderNonce)},
	}
	if opts.RecipientNonce != nil {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPRecipientNonce, Value: []byte(opts.RecipientNonce)})
	}
	if opts.PKIStatus != "" {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPPKIStatus, Value: string(opts.PKIStatus)})
	}
	if opts.PKIStatus == StatusFailure {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPFailInfo, Value: string(opts.FailInfo)})
	}
	if opts.Profile != "" {
		attrs = append(attrs, pkcs7.Attribute{Type: oidSCEPProfile, Value: opts.Profile})
	}

	sd.SetDigestAlgorithm(digestOID(opts.Digest))
	if err := sd.AddSigner(opts.SignerCert, opts.SignerKey, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	}); err != nil {
		return nil, newProtocolError("sign PKI message", err)
	}
	sd.AddCertificate(opts.SignerCert)

	raw, err := sd.Finish()
	if err != nil {
		return nil, newProtocolError("finish PKI message", err)
	}

	return &PkiMessage{
		MessageType:      opts.MessageType,
		TransactionID:    opts.TransactionID,
		SenderNonce:      opts.SenderNonce,
		RecipientNonce:   opts.RecipientNonce,
		PKIStatus:        opts.PKIStatus,
		FailInfo:         opts.FailInfo,
		Profile:          opts.Profile,
		EnvelopedPayload: opts.EnvelopedPayload,
		Raw:              raw,
	}, nil
}

// decodePKIMessage parses and verifies a CMS signed-data PKI message.
// expectedSigner pins the signer to a certificate the caller already
// trusts (the CA, or the signing RA) rather than trusting whatever
// certificate the message happens to embed — the same defensive
// substitution tasuku-revol-scep/scep.go documents (RFC 2315 §9.1: a
// sender may omit certificates it expects the verifier to already
// have).
func decodePKIMessage(data []byte, expectedSigner *x509.Certificate) (*PkiMessage, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, newProtocolError("parse PKI message", err)
	}
	if expectedSigner != nil {
		p7.Certificates = []*x509.Certificate{expectedSigner}
	}
	if len(p7.Certificates) == 0 {
		return nil, newProtocolError("PKI message is unsigned", nil)
	}
	if err := p7.Verify(); err != nil {
		return nil, newProtocolError("verify PKI message signature", err)
	}

	var transactionID string
	if err := p7.UnmarshalSignedAttribute(oidSCEPTransactionID, &transactionID); err != nil {
		return nil, newProtocolError("missing transactionID attribute", err)
	}
	var msgType string
	if err := p7.UnmarshalSignedAttribute(oidSCEPMessageType, &msgType); err != nil {
		return nil, newProtocolError("missing messageType attribute", err)
	}

	msg := &PkiMessage{
		MessageType:      MessageType(msgType),
		TransactionID:    TransactionID(transactionID),
		EnvelopedPayload: p7.Content,
		Raw:              data,
	}

	switch msg.MessageType {
	case MessageCertRep:
		var status string
		if err := p7.UnmarshalSignedAttribute(oidSCEPPKIStatus, &status); err != nil {
			return nil, newProtocolError("missing pkiStatus attribute", err)
		}
		msg.PKIStatus = PKIStatus(status)
		if !msg.PKIStatus.valid() {
			return nil, newProtocolError("unknown pkiStatus "+status, nil)
		}

		var recipientNonce []byte
		if err := p7.UnmarshalSignedAttribute(oidSCEPRecipientNonce, &recipientNonce); err != nil || len(recipientNonce) == 0 {
			return nil, newProtocolError("missing recipientNonce attribute", err)
		}
		msg.RecipientNonce = recipientNonce

		if msg.PKIStatus == StatusFailure {
			var failInfo string
			if err := p7.UnmarshalSignedAttribute(oidSCEPFailInfo, &failInfo); err != nil || failInfo == "" {
				return nil, newProtocolError("FAILURE response missing failInfo attribute", err)
			}
			msg.FailInfo = FailInfo(failInfo)
		}
	case MessagePKCSReq, MessageRenewalReq, MessageCertPoll, MessageGetCert, MessageGetCRL:
		var senderNonce []byte
		if err := p7.UnmarshalSignedAttribute(oidSCEPSenderNonce, &senderNonce); err != nil || len(senderNonce) == 0 {
			return nil, newProtocolError("missing senderNonce attribute", err)
		}
		msg.SenderNonce = senderNonce
	default:
		return nil, newProtocolError("unknown messageType "+msgType, nil)
	}

	return msg, nil
}

// decodeSignedCertificateBag verifies a CMS signed-data structure whose
// embedded certificates field carries a certificate bag (rather than a
// PKI message with SCEP attributes) and whose signer is pinned to
// expectedSigner. Used for GetNextCACert, which RFC 8894 §4.6.2 defines
// as a signed-data over an empty content with the new chain carried in
// the certificates field.
func decodeSignedCertificateBag(data []byte, expectedSigner *x509.Certificate) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, newProtocolError("parse signed certificate bag", err)
	}

	// expectedSigner travels in the certificates field alongside the new
	// chain so the signature can be verified; it is not itself part of
	// the rollover chain being announced.
	var newChain []*x509.Certificate
	for _, c := range p7.Certificates {
		if !c.Equal(expectedSigner) {
			newChain = append(newChain, c)
		}
	}

	p7.Certificates = []*x509.Certificate{expectedSigner}
	if err := p7.Verify(); err != nil {
		return nil, newProtocolError("verify signed certificate bag", err)
	}
	if len(newChain) == 0 {
		return nil, newProtocolError("signed certificate bag carries no certificates", nil)
	}
	return newChain, nil
}

// degenerateCertificates builds a degenerate CMS certificate bag (a
// signed-data with no signers) containing certs, as used for GetCACert
// and a CertRep SUCCESS payload.
func degenerateCertificates(certs []*x509.Certificate) ([]byte, error) {
	var der []byte
	for _, c := range certs {
		der = append(der, c.Raw...)
	}
	bag, err := pkcs7.DegenerateCertificate(der)
	if err != nil {
		return nil, newProtocolError("build degenerate certificate bag", err)
	}
	return bag, nil
}

// parseCertificateBag extracts the certificates out of a degenerate CMS
// bag (or any signed-data carrying certificates).
func parseCertificateBag(data []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, newProtocolError("parse certificate bag", err)
	}
	return p7.Certificates, nil
}
