package scep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// operation is the SCEP "operation" query parameter, fixed by the
// protocol (draft-gutmann-scep-02 §4).
type operation string

const (
	opGetCACaps     operation = "GetCACaps"
	opGetCACert     operation = "GetCACert"
	opGetNextCACert operation = "GetNextCACert"
	opPKIOperation  operation = "PKIOperation"
)

// Response content types fixed by the protocol for the operations whose
// body shape is unambiguous. GetCACert is deliberately absent: its
// response is either a bare DER certificate or a CMS certificate bag
// depending on whether an RA is configured, and fetchCACertificate
// dispatches on parse success rather than on this header.
const (
	contentTypeCACaps     = "text/plain"
	contentTypeNextCACert = "application/x-x509-next-ca-cert"
	contentTypePKIMessage = "application/x-pki-message"
)

// rawResponse is what Transport hands back: the response bytes and the
// content-type header the server reported, which callers check with
// expectContentType for the operations that have a fixed content type.
type rawResponse struct {
	ContentType string
	Body        []byte
}

// expectContentType fails with a protocol error when resp carries a
// Content-Type header that doesn't match want. A response with no
// Content-Type header at all is tolerated, since some CA implementations
// omit it; an explicit wrong value is not.
func expectContentType(resp *rawResponse, want string) error {
	if resp.ContentType == "" {
		return nil
	}
	got, _, err := mime.ParseMediaType(resp.ContentType)
	if err != nil {
		got = resp.ContentType
	}
	if got != want {
		return newProtocolError(fmt.Sprintf("unexpected content type %q, want %q", resp.ContentType, want), nil)
	}
	return nil
}

// Transport is the boundary between the SCEP client logic and the
// bytes-on-the-wire: two verbs, no retries, no
// interpretation of the response body. Grounded on mdm-server's plain
// net/http client call sites, generalized into an interface so tests
// can substitute an in-memory transport without standing up a listener.
type Transport interface {
	Get(ctx context.Context, op operation, query url.Values) (*rawResponse, error)
	Post(ctx context.Context, op operation, body []byte) (*rawResponse, error)
}

// HTTPTransport is the default Transport, built on net/http.
type HTTPTransport struct {
	Endpoint   *url.URL
	HTTPClient *http.Client
	Logger     Logger
}

// NewHTTPTransport returns an HTTPTransport against endpoint, using
// client if non-nil or a default http.Client with a conservative
// timeout otherwise.
func NewHTTPTransport(endpoint *url.URL, client *http.Client, logger Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &HTTPTransport{Endpoint: endpoint, HTTPClient: client, Logger: logger}
}

func (t *HTTPTransport) Get(ctx context.Context, op operation, query url.Values) (*rawResponse, error) {
	u := *t.Endpoint
	q := u.Query()
	q.Set("operation", string(op))
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	requestID := uuid.NewString()
	t.Logger.Debug("scep GET", "request_id", requestID, "operation", string(op), "url", u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, newIOError("build GET request", err)
	}
	return t.do(req, requestID)
}

func (t *HTTPTransport) Post(ctx context.Context, op operation, body []byte) (*rawResponse, error) {
	u := *t.Endpoint
	q := u.Query()
	q.Set("operation", string(op))
	u.RawQuery = q.Encode()

	requestID := uuid.NewString()
	t.Logger.Debug("scep POST", "request_id", requestID, "operation", string(op), "bytes", len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, newIOError("build POST request", err)
	}
	req.Header.Set("Content-Type", "application/x-pki-message")
	return t.do(req, requestID)
}

func (t *HTTPTransport) do(req *http.Request, requestID string) (*rawResponse, error) {
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		t.Logger.Error("scep request failed", err, "request_id", requestID)
		return nil, newIOError(fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newIOError("read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Logger.Error("scep server returned non-200", nil, "request_id", requestID, "status", resp.StatusCode)
		return nil, newIOError(fmt.Sprintf("server returned %s", resp.Status), nil)
	}

	t.Logger.Debug("scep response", "request_id", requestID, "status", resp.StatusCode, "bytes", len(data))
	return &rawResponse{ContentType: resp.Header.Get("Content-Type"), Body: data}, nil
}
