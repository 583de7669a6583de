package scep

import (
	"bytes"
	"testing"

	"scepclient/internal/testca"
)

func TestEnvelopeRoundTripAES(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	payload := []byte("this is a CSR, pretend")
	enveloped, err := encryptEnvelope(payload, ca.Certificate, CipherAES128CBC)
	if err != nil {
		t.Fatalf("encryptEnvelope: %v", err)
	}

	plain, err := decryptEnvelope(enveloped, ca.Certificate, ca.PrivateKey)
	if err != nil {
		t.Fatalf("decryptEnvelope: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", plain, payload)
	}
}

func TestEnvelopeRoundTripDES3(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	payload := []byte("another payload")
	enveloped, err := encryptEnvelope(payload, ca.Certificate, CipherDES3)
	if err != nil {
		t.Fatalf("encryptEnvelope: %v", err)
	}

	plain, err := decryptEnvelope(enveloped, ca.Certificate, ca.PrivateKey)
	if err != nil {
		t.Fatalf("decryptEnvelope: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", plain, payload)
	}
}

func TestDecryptEnvelopeWrongKeyFails(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	other, err := testca.NewCA("Other", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	enveloped, err := encryptEnvelope([]byte("secret"), ca.Certificate, CipherAES128CBC)
	if err != nil {
		t.Fatalf("encryptEnvelope: %v", err)
	}

	if _, err := decryptEnvelope(enveloped, other.Certificate, other.PrivateKey); err == nil {
		t.Error("expected decryption with the wrong identity to fail")
	}
}
