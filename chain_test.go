package scep

import (
	"crypto/x509"
	"testing"

	"scepclient/internal/testca"
)

func TestResolveChainSingleCert(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}

	chain, err := resolveChain([]*x509.Certificate{ca.Certificate})
	if err != nil {
		t.Fatalf("resolveChain: %v", err)
	}
	if chain.CA != ca.Certificate {
		t.Error("expected selectCA=CA")
	}
	if chain.Recipient() != ca.Certificate {
		t.Error("expected selectRecipient=CA")
	}
}

func TestResolveChainCAAndRAPair(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	ra, _, err := ca.IssueRA("Acme", testca.RASigning)
	if err != nil {
		t.Fatalf("issue RA: %v", err)
	}

	chain, err := resolveChain([]*x509.Certificate{ra, ca.Certificate})
	if err != nil {
		t.Fatalf("resolveChain: %v", err)
	}
	if chain.CA != ca.Certificate {
		t.Error("expected selectCA=CA")
	}
	if chain.Recipient() != ra {
		t.Error("expected selectRecipient=RA")
	}
}

func TestResolveChainEntrustTriple(t *testing.T) {
	ca, err := testca.NewCA("Acme", 10)
	if err != nil {
		t.Fatalf("new CA: %v", err)
	}
	signRA, _, err := ca.IssueRA("Acme", testca.RASigning)
	if err != nil {
		t.Fatalf("issue signing RA: %v", err)
	}
	encRA, _, err := ca.IssueRA("Acme", testca.RAEncryption)
	if err != nil {
		t.Fatalf("issue encryption RA: %v", err)
	}

	chain, err := resolveChain([]*x509.Certificate{ca.Certificate, signRA, encRA})
	if err != nil {
		t.Fatalf("resolveChain: %v", err)
	}
	if chain.Recipient() != encRA {
		t.Error("expected selectRecipient=RA_enc")
	}
	if chain.SignRA != signRA {
		t.Error("expected signing RA to be recognized")
	}
}

func TestResolveChainForbiddenSize(t *testing.T) {
	if _, err := resolveChain(nil); err == nil {
		t.Error("expected error for zero-size chain")
	}
}
