package pia

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServerListURL = "https://serverlist.piaservers.net/vpninfo/servers/v4"

	DefaultTokenPort = 443
	DefaultKeyPort   = 1337
	DefaultTimeout   = 10 * time.Second

	maxBodySize = 4 << 20
)

const serverListPublicKey = `-----BEGIN RSA PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAzLYHwX5Ug/oUObZ5eH5P
rEwmfj4E/YEfSKLgFSsyRGGsVmmjiXBmSbX2s3xbj/ofuvYtkMkP/VPFHy9E/8ox
Y+cRjPzydxz46LPY7jpEw1NHZjOyTeUero5e1nkLhiQqO/cMVYmUnuVcuFfZyZvc
8Apx5fBrIp2oWpF/G9tpUZfUUJaaHiXDtuYP8o8VhYtyjuUu3h7rkQFoMxvuoOFH
6nkc0VQmBsHvCfq4T9v8gyiBtQRy543leapTBMT34mxVIQ4ReGLPVit/6sNLoGLb
gSnGe9Bk/a5V/5vlqeemWF0hgoRtUxMtU1hFbe7e8tSq1j+mu0SHMyKHiHd+OsmU
IQIDAQAB
-----END RSA PUBLIC KEY-----`

func verifySignature(publicKeyPEM string, message, signature []byte) error {
	derBlock, _ := pem.Decode([]byte(publicKeyPEM))
	if derBlock == nil {
		return errors.New("invalid public key")
	}
	publicKey, err := x509.ParsePKIXPublicKey(derBlock.Bytes)
	if err != nil {
		return err
	}

	hashed := sha256.Sum256(message)

	rawSignature, err := base64.StdEncoding.DecodeString(string(signature))
	if err != nil {
		return err
	}

	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], rawSignature)
	default:
		return errors.New("unknown public key type")
	}
}

// resolveKey carries the address to dial instead of the URL host.
type resolveKey struct{}

func withResolve(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, resolveKey{}, addr)
}

type Client struct {
	// HTTPClient talks to the metadata and gateway servers. It dials the
	// address stored in the request context while TLS and the Host header
	// use the server's common name.
	HTTPClient *http.Client
	// ListClient fetches the public server list.
	ListClient *http.Client

	serverListURL string
	listKey       string
	verifyList    bool
	tokenPort     int
	keyPort       int
	timeout       time.Duration
	rootCAs       *x509.CertPool
}

type Option func(*Client)

// WithRootCAs pins the CA bundle used to verify metadata and gateway servers.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) { c.rootCAs = pool }
}

// WithTimeout bounds every HTTP request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithServerListURL(u string) Option {
	return func(c *Client) { c.serverListURL = u }
}

// WithSignatureCheck makes Refresh verify the signature that trails the server list.
func WithSignatureCheck(enabled bool) Option {
	return func(c *Client) { c.verifyList = enabled }
}

// WithPorts overrides the token and addKey ports.
func WithPorts(token, key int) Option {
	return func(c *Client) {
		c.tokenPort = token
		c.keyPort = key
	}
}

func withListPublicKey(pemKey string) Option {
	return func(c *Client) { c.listKey = pemKey }
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		serverListURL: ServerListURL,
		listKey:       serverListPublicKey,
		tokenPort:     DefaultTokenPort,
		keyPort:       DefaultKeyPort,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.rootCAs == nil {
		p, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("system cert pool: %w", err)
		}
		c.rootCAs = p
	}

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if value := ctx.Value(resolveKey{}); value != nil {
				resolved, ok := value.(string)
				if !ok {
					return nil, errors.New("invalid resolve address")
				}
				addr = resolved
			}
			return dialer.DialContext(ctx, network, addr)
		},
		// Hostname checks happen in VerifyConnection because PIA certificates
		// carry the server name in the subject CN only.
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec
			VerifyConnection:   verifyPinned(c.rootCAs),
			MinVersion:         tls.VersionTLS12,
		},
		TLSHandshakeTimeout: c.timeout,
		DisableKeepAlives:   true,
	}

	c.HTTPClient = &http.Client{Timeout: c.timeout, Transport: tr}
	c.ListClient = &http.Client{Timeout: c.timeout}
	return c, nil
}

// LoadCAFile reads a PEM bundle into a fresh pool.
func LoadCAFile(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	p := x509.NewCertPool()
	if !p.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return p, nil
}

func verifyPinned(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("server presented no certificates")
		}
		leaf := cs.PeerCertificates[0]
		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		}); err != nil {
			return err
		}
		if err := leaf.VerifyHostname(cs.ServerName); err == nil {
			return nil
		}
		if strings.EqualFold(leaf.Subject.CommonName, cs.ServerName) {
			return nil
		}
		return fmt.Errorf("certificate is not valid for %s", cs.ServerName)
	}
}

// Refresh downloads the server list and indexes it by region.
// Only the first line of the response is JSON; the rest is a signature
// which is ignored unless signature checking is enabled.
func (c *Client) Refresh(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverListURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	resp, err := c.ListClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: server list returned %s", ErrDirectoryUnavailable, resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDirectoryUnavailable, err)
	}

	servers, err := ParseServerList(b)
	if err != nil {
		return nil, err
	}

	if c.verifyList {
		first, rest, _ := bytes.Cut(b, []byte("\n"))
		if err := verifySignature(c.listKey, bytes.TrimSpace(first), bytes.TrimSpace(rest)); err != nil {
			return nil, fmt.Errorf("%w: signature: %w", ErrDirectoryUnavailable, err)
		}
	}

	return NewCatalog(servers, time.Now()), nil
}

// ParseServerList decodes the first line of a server list response.
func ParseServerList(b []byte) (*Servers, error) {
	first, _, _ := bytes.Cut(b, []byte("\n"))
	first = bytes.TrimSpace(first)
	if len(first) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrDirectoryUnavailable)
	}

	var servers Servers
	if err := json.Unmarshal(first, &servers); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrDirectoryUnavailable, err)
	}
	return &servers, nil
}

// hostPort leaves the port off for 443. The Host header is always the bare
// common name.
func hostPort(host string, port int) string {
	if port == 443 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// GenerateToken exchanges account credentials for a short-lived token at
// the region's metadata server.
func (c *Client) GenerateToken(ctx context.Context, meta Endpoint, username, password string) (string, error) {
	u := &url.URL{
		Scheme: "https",
		Host:   hostPort(meta.CommonName, c.tokenPort),
		Path:   "/authv3/generateToken",
	}

	req, err := http.NewRequestWithContext(
		withResolve(ctx, net.JoinHostPort(meta.IP, strconv.Itoa(c.tokenPort))),
		http.MethodGet, u.String(), nil,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	req.Host = meta.CommonName
	req.SetBasicAuth(username, password)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrAuthenticationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrAuthenticationFailed, resp.Status)
	}

	var body struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrAuthenticationFailed, err)
	}
	if body.Status != "OK" || body.Token == "" {
		return "", fmt.Errorf("%w: status %q", ErrAuthenticationFailed, body.Status)
	}

	return body.Token, nil
}

// AddKey registers a WireGuard public key with the region's gateway and
// returns the tunnel parameters issued for it.
func (c *Client) AddKey(ctx context.Context, gateway Endpoint, token, publicKey string) (*AddedKey, error) {
	values := url.Values{}
	values.Set("pt", token)
	values.Set("pubkey", publicKey)

	u := &url.URL{
		Scheme:   "https",
		Host:     hostPort(gateway.CommonName, c.keyPort),
		Path:     "/addKey",
		RawQuery: values.Encode(),
	}

	req, err := http.NewRequestWithContext(
		withResolve(ctx, net.JoinHostPort(gateway.IP, strconv.Itoa(c.keyPort))),
		http.MethodGet, u.String(), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRegistrationFailed, err)
	}
	req.Host = gateway.CommonName

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRegistrationFailed, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrKeyRegistrationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s body=%s", ErrKeyRegistrationFailed, resp.Status, strings.TrimSpace(string(b)))
	}

	var body AddedKey
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w body=%s", ErrKeyRegistrationFailed, err, strings.TrimSpace(string(b)))
	}
	if body.Status != "OK" {
		return nil, fmt.Errorf("%w: status %q body=%s", ErrKeyRegistrationFailed, body.Status, strings.TrimSpace(string(b)))
	}

	return &body, nil
}
