package ias

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DevelopmentURL is the IAS API for development SPIDs.
	DevelopmentURL = "https://api.trustedservices.intel.com/sgx/dev/attestation/v4"
	// ProductionURL is the IAS API for production SPIDs.
	ProductionURL = "https://api.trustedservices.intel.com/sgx/attestation/v4"
	// DefaultTimeout bounds every IAS request.
	DefaultTimeout = 30 * time.Second

	// subscriptionHeader carries the API subscription key.
	subscriptionHeader = "Ocp-Apim-Subscription-Key"
	// signatureHeader carries the base64 RSA-SHA256 signature of a report.
	signatureHeader = "X-IASReport-Signature"
	// certificateHeader carries the URL encoded PEM signing chain.
	certificateHeader = "X-IASReport-Signing-Certificate"
	// requestIDHeader identifies a request in IAS logs.
	requestIDHeader = "Request-ID"

	sigrlPath  = "sigrl"
	reportPath = "report"

	maxResponseSize = 2 << 20
	sigRLCacheSize  = 32 << 20
)

type iasAPI interface {
	do(ctx context.Context, method string, uri *url.URL, body []byte) (respBody []byte, header http.Header, err error)
}

// Client is a client for the IAS v4 API.
type Client struct {
	api     iasAPI
	baseURL *url.URL
	timeout time.Duration
	rootCA  *x509.Certificate
	log     zerolog.Logger

	sigRLs *fastcache.Cache
	group  singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRootCA enables report signature verification against root.
func WithRootCA(root *x509.Certificate) Option {
	return func(c *Client) {
		c.rootCA = root
	}
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if api, ok := c.api.(*httpAPI); ok {
			api.client = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New returns a client for the API at baseURL.
func New(baseURL, subscription string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing IAS URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("IAS URL %q must be absolute", baseURL)
	}

	c := &Client{
		api: &httpAPI{
			client:       http.DefaultClient,
			subscription: subscription,
		},
		baseURL: u,
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
		sigRLs:  fastcache.New(sigRLCacheSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LoadRootCA parses the PEM report signing root certificate.
func LoadRootCA(pemCert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemCert)
	if block == nil {
		return nil, errors.New("no PEM block found in root CA")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root CA: %w", err)
	}
	return cert, nil
}

// GetSigRL retrieves the SigRL for gid. Lists are cached per group and
// concurrent lookups of the same group share one request.
func (c *Client) GetSigRL(ctx context.Context, gid [4]byte) ([]byte, error) {
	key := groupID(gid)

	// cached values carry a marker byte so an empty list is a hit
	if v := c.sigRLs.GetBig(nil, []byte(key)); len(v) > 0 {
		return v[1:], nil
	}

	// The shared fetch must not die with whichever caller started it.
	ch := c.group.DoChan(key, func() (any, error) {
		sigRL, err := c.fetchSigRL(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		c.sigRLs.SetBig([]byte(key), append([]byte{1}, sigRL...))
		return sigRL, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sigRL := res.Val.([]byte)
		c.log.Debug().Str("gid", key).Bool("shared", res.Shared).Int("size", len(sigRL)).Msg("fetched SigRL")
		return sigRL, nil
	}
}

func (c *Client) fetchSigRL(ctx context.Context, gid string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respBody, _, err := c.api.do(ctx, http.MethodGet, c.endpoint(sigrlPath, gid), nil)
	if err != nil {
		return nil, fmt.Errorf("getting SigRL for group %s: %w", gid, err)
	}
	sigRL, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(respBody)))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding SigRL: %v", ErrMalformedReport, err)
	}
	return sigRL, nil
}

// VerifyQuote submits ev to IAS and returns the parsed report.
func (c *Client) VerifyQuote(ctx context.Context, ev Evidence) (*Report, error) {
	req := struct {
		Quote       string `json:"isvEnclaveQuote"`
		PSEManifest string `json:"pseManifest,omitempty"`
		Nonce       string `json:"nonce,omitempty"`
	}{
		Quote: base64.StdEncoding.EncodeToString(ev.Quote),
		Nonce: ev.Nonce,
	}
	if len(ev.PSEManifest) > 0 {
		req.PSEManifest = base64.StdEncoding.EncodeToString(ev.PSEManifest)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling report request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	respBody, header, err := c.api.do(ctx, http.MethodPost, c.endpoint(reportPath), body)
	if err != nil {
		return nil, fmt.Errorf("submitting quote: %w", err)
	}
	c.log.Debug().Str("request_id", header.Get(requestIDHeader)).Msg("received attestation report")

	if c.rootCA != nil {
		if err := c.verifySignature(respBody, header); err != nil {
			return nil, err
		}
	}

	var report Report
	if err := json.Unmarshal(respBody, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if ev.Nonce != "" && report.Nonce != ev.Nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidReport)
	}
	if len(ev.Quote) >= QuoteBodySize && !bytes.Equal(report.QuoteBody, ev.Quote[:QuoteBodySize]) {
		return nil, fmt.Errorf("%w: quote body does not match the submitted quote", ErrInvalidReport)
	}
	return &report, nil
}

// verifySignature checks the report signature with the leaf of the
// signing chain, and the chain against the configured root.
func (c *Client) verifySignature(respBody []byte, header http.Header) error {
	sig, err := base64.StdEncoding.DecodeString(header.Get(signatureHeader))
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: missing or malformed signature header", ErrReportSignature)
	}
	chain, err := issuerChainFromCertHeader(header.Get(certificateHeader))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportSignature, err)
	}

	leaf := chain[0]
	roots := x509.NewCertPool()
	roots.AddCert(c.rootCA)
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		if !cert.Equal(c.rootCA) {
			intermediates.AddCert(cert)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		return fmt.Errorf("%w: checking signing certificate: %v", ErrReportSignature, err)
	}
	if err := leaf.CheckSignature(x509.SHA256WithRSA, respBody, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrReportSignature, err)
	}
	return nil
}

func (c *Client) endpoint(elem ...string) *url.URL {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return &u
}

// issuerChainFromCertHeader parses the URL encoded PEM chain IAS returns
// next to a report.
func issuerChainFromCertHeader(header string) ([]*x509.Certificate, error) {
	pemChain, err := url.QueryUnescape(header)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate chain header: %w", err)
	}

	var chain []*x509.Certificate
	rest := []byte(pemChain)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no certificates in chain header")
	}
	return chain, nil
}

// groupID renders a wire order GID the way IAS expects it in the SigRL
// path: big endian hex.
func groupID(gid [4]byte) string {
	be := [4]byte{gid[3], gid[2], gid[1], gid[0]}
	return hex.EncodeToString(be[:])
}

type httpAPI struct {
	client       *http.Client
	subscription string
}

func (a *httpAPI) do(ctx context.Context, method string, uri *url.URL, body []byte) ([]byte, http.Header, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(subscriptionHeader, a.subscription)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sending request: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// continue
	case http.StatusBadRequest:
		return nil, nil, fmt.Errorf("%w: evidence rejected as invalid (%s)", ErrRequest, resp.Status)
	case http.StatusUnauthorized:
		return nil, nil, fmt.Errorf("%w: subscription key rejected (%s)", ErrRequest, resp.Status)
	default:
		return nil, nil, fmt.Errorf("%w: status %s", ErrRequest, resp.Status)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading response: %v", ErrRequest, err)
	}
	return respBody, resp.Header, nil
}
