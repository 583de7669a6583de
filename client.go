package scep

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"net/http"
	"net/url"
	"sync"
)

// ClientIdentity is the certificate/key pair a Client signs and
// decrypts with. Both halves must be RSA.
type ClientIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey

	// RenewalOf, when set, names the certificate this identity renews;
	// Enrol uses it to pick RenewalReq over PKCSReq when the CA
	// advertises Renewal.
	RenewalOf *x509.Certificate
}

// Client binds an identity, endpoint, and trust callback together and
// exposes the enrollment and query operations. A Client is safe for
// concurrent use: its two caches are guarded, and transport instances
// are created fresh per call.
type Client struct {
	endpoint   *url.URL
	identity   ClientIdentity
	trust      TrustCallback
	profile    string
	cipherPref *CipherAlgorithm
	httpClient *http.Client
	logger     Logger

	capsMu    sync.RWMutex
	capsCache map[string]Capabilities

	verified *trustCache

	caMu    sync.RWMutex
	caChain *CertificateChain
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithProfile selects a CA profile, carried on every wire operation.
func WithProfile(profile string) Option {
	return func(c *Client) { c.profile = profile }
}

// WithPreferredCipher narrows the negotiated content-encryption
// algorithm, subject to the CA actually advertising it.
func WithPreferredCipher(alg CipherAlgorithm) Option {
	return func(c *Client) { c.cipherPref = &alg }
}

// WithHTTPClient overrides the *http.Client the transport adapter uses.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the default zerolog-backed Logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient constructs a Client against endpoint, validating the
// configuration-time invariants a SCEP client must enforce: the endpoint must
// be an absolute http(s) URL with no query or fragment, identity and
// key must both be present and RSA, and a trust callback is mandatory.
func NewClient(rawEndpoint string, identity ClientIdentity, trust TrustCallback, opts ...Option) (*Client, error) {
	if rawEndpoint == "" {
		return nil, newConfigError("endpoint", errRequired)
	}
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return nil, newConfigError("endpoint", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newConfigError("endpoint", errNonHTTPScheme)
	}
	if u.RawQuery != "" {
		return nil, newConfigError("endpoint", errQueryNotAllowed)
	}
	if u.Fragment != "" {
		return nil, newConfigError("endpoint", errFragmentNotAllowed)
	}
	if identity.Certificate == nil {
		return nil, newConfigError("identity.Certificate", errRequired)
	}
	if identity.PrivateKey == nil {
		return nil, newConfigError("identity.PrivateKey", errRequired)
	}
	if _, ok := identity.Certificate.PublicKey.(*rsa.PublicKey); !ok {
		return nil, newConfigError("identity.Certificate", errMustBeRSA)
	}
	if trust == nil {
		return nil, newConfigError("trust", errRequired)
	}

	c := &Client{
		endpoint:  u,
		identity:  identity,
		trust:     trust,
		capsCache: make(map[string]Capabilities),
		verified:  newTrustCache(),
		logger:    NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) transport() Transport {
	return NewHTTPTransport(c.endpoint, c.httpClient, c.logger)
}

// GetCapabilities returns the CA's advertised capability set, cached
// per profile for the lifetime of the Client.
func (c *Client) GetCapabilities(ctx context.Context) (Capabilities, error) {
	c.capsMu.RLock()
	cached, ok := c.capsCache[c.profile]
	c.capsMu.RUnlock()
	if ok {
		return cached, nil
	}

	caps, err := fetchCapabilities(ctx, c.transport(), c.profile)
	if err != nil {
		return Capabilities{}, err
	}
	if c.cipherPref != nil {
		caps = caps.WithPreferredCipher(*c.cipherPref)
	}

	c.capsMu.Lock()
	c.capsCache[c.profile] = caps
	c.capsMu.Unlock()
	return caps, nil
}

// GetCACertificate fetches and resolves the CA/RA chain, then runs the
// trust callback on the CA certificate. A negative verdict fails with
// a TrustError; a positive one is memoized for this Client instance.
func (c *Client) GetCACertificate(ctx context.Context) (CertificateChain, error) {
	chain, err := fetchCACertificate(ctx, c.transport(), c.profile)
	if err != nil {
		return CertificateChain{}, err
	}
	if !c.verified.check(chain.CA, c.trust) {
		return CertificateChain{}, &TrustError{Subject: chain.CA.Subject.String()}
	}

	c.caMu.Lock()
	c.caChain = &chain
	c.caMu.Unlock()
	return chain, nil
}

// GetRolloverCertificate fetches the CA's next-generation chain via
// GetNextCACert, requiring the capability to be advertised.
func (c *Client) GetRolloverCertificate(ctx context.Context) (CertificateChain, error) {
	caps, err := c.GetCapabilities(ctx)
	if err != nil {
		return CertificateChain{}, err
	}
	if !caps.RolloverSupported() {
		return CertificateChain{}, &UnsupportedError{Operation: "GetNextCACert"}
	}

	current, err := c.currentCA(ctx)
	if err != nil {
		return CertificateChain{}, err
	}
	return fetchNextCACertificate(ctx, c.transport(), c.profile, current)
}

func (c *Client) currentCA(ctx context.Context) (*x509.Certificate, error) {
	c.caMu.RLock()
	chain := c.caChain
	c.caMu.RUnlock()
	if chain != nil {
		return chain.CA, nil
	}
	fresh, err := c.GetCACertificate(ctx)
	if err != nil {
		return nil, err
	}
	return fresh.CA, nil
}

// Enrol prepares an EnrollmentTransaction for csr. It does not send;
// the caller drives Send and, if necessary, Poll.
func (c *Client) Enrol(ctx context.Context, csr *x509.CertificateRequest) (*EnrollmentTransaction, error) {
	chain, err := c.GetCACertificate(ctx)
	if err != nil {
		return nil, err
	}
	caps, err := c.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	t := &transaction{
		transport:    c.transport(),
		chain:        chain,
		usePost:      caps.PostSupported(),
		cipher:       caps.StrongestCipher(),
		digest:       caps.StrongestDigest(),
		profile:      c.profile,
		identityCert: c.identity.Certificate,
		identityKey:  c.identity.PrivateKey,
		logger:       c.logger,
	}
	return &EnrollmentTransaction{
		transaction: t,
		csr:         csr,
		renewalOf:   c.identity.RenewalOf,
		renewalCap:  caps.RenewalSupported(),
	}, nil
}

func (c *Client) nonEnrollment(ctx context.Context) (*NonEnrollmentTransaction, error) {
	chain, err := c.GetCACertificate(ctx)
	if err != nil {
		return nil, err
	}
	caps, err := c.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}

	t := &transaction{
		transport:    c.transport(),
		chain:        chain,
		usePost:      caps.PostSupported(),
		cipher:       caps.StrongestCipher(),
		digest:       caps.StrongestDigest(),
		profile:      c.profile,
		identityCert: c.identity.Certificate,
		identityKey:  c.identity.PrivateKey,
		logger:       c.logger,
	}
	return &NonEnrollmentTransaction{transaction: t}, nil
}

// GetCertificate queries the certificate identified by serial under
// the CA's issuer name.
func (c *Client) GetCertificate(ctx context.Context, serial *big.Int) ([]*x509.Certificate, error) {
	t, err := c.nonEnrollment(ctx)
	if err != nil {
		return nil, err
	}
	return t.GetCert(ctx, serial)
}

// GetCRL queries the CRL covering the certificate identified by
// serial.
func (c *Client) GetCRL(ctx context.Context, serial *big.Int) (*x509.RevocationList, error) {
	t, err := c.nonEnrollment(ctx)
	if err != nil {
		return nil, err
	}
	return t.GetCRL(ctx, serial)
}
