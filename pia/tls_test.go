package pia

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// issueCNOnly creates a CA and a leaf for cn that carries the name in the
// subject only, the way PIA's servers present it.
func issueCNOnly(t *testing.T, cn string) (*x509.CertPool, tls.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return pool, tls.Certificate{Certificate: [][]byte{leafDER}, PrivateKey: leafKey}
}

func newCNOnlyAPI(t *testing.T, cn string, handler http.HandlerFunc) (*Client, Endpoint) {
	t.Helper()

	pool, cert := issueCNOnly(t, cn)
	ts := httptest.NewUnstartedServer(handler)
	ts.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	ts.StartTLS()
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c, err := NewClient(WithRootCAs(pool), WithPorts(port, port))
	require.NoError(t, err)
	return c, Endpoint{CommonName: cn, IP: "127.0.0.1"}
}

func TestClient_CommonNameOnlyCertificates(t *testing.T) {
	const cn = "newyork401"

	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, cn, r.Host)
		switch r.URL.Path {
		case "/authv3/generateToken":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK", "token": "tok"})
		case "/addKey":
			_ = json.NewEncoder(w).Encode(AddedKey{
				Status:     "OK",
				ServerKey:  "server-key",
				PeerIP:     "10.1.2.3",
				DNSServers: []string{"10.0.0.242", "10.0.0.243"},
			})
		default:
			http.NotFound(w, r)
		}
	}

	t.Run("accepts a subject CN matching the server name", func(t *testing.T) {
		c, ep := newCNOnlyAPI(t, cn, handler)

		token, err := c.GenerateToken(context.Background(), ep, "p1234567", "secret")
		require.NoError(t, err)
		assert.Equal(t, "tok", token)

		added, err := c.AddKey(context.Background(), ep, token, "pubkey")
		require.NoError(t, err)
		assert.Equal(t, "server-key", added.ServerKey)
	})

	t.Run("rejects a subject CN for another server", func(t *testing.T) {
		c, ep := newCNOnlyAPI(t, cn, func(w http.ResponseWriter, r *http.Request) {
			t.Error("request should not reach the handler")
		})
		ep.CommonName = "other"

		_, err := c.GenerateToken(context.Background(), ep, "p1234567", "secret")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
		assert.Contains(t, err.Error(), "certificate is not valid for other")

		_, err = c.AddKey(context.Background(), ep, "tok", "pubkey")
		assert.ErrorIs(t, err, ErrKeyRegistrationFailed)
	})
}

func TestVerifyPinned(t *testing.T) {
	pool, cert := issueCNOnly(t, "newyork401")
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Empty(t, leaf.DNSNames)

	verify := verifyPinned(pool)
	assert.NoError(t, verify(tls.ConnectionState{ServerName: "newyork401", PeerCertificates: []*x509.Certificate{leaf}}))
	assert.NoError(t, verify(tls.ConnectionState{ServerName: "NewYork401", PeerCertificates: []*x509.Certificate{leaf}}))
	assert.Error(t, verify(tls.ConnectionState{ServerName: "other", PeerCertificates: []*x509.Certificate{leaf}}))
	assert.Error(t, verify(tls.ConnectionState{ServerName: "newyork401"}))

	other, _ := issueCNOnly(t, "newyork401")
	assert.Error(t, verifyPinned(other)(tls.ConnectionState{ServerName: "newyork401", PeerCertificates: []*x509.Certificate{leaf}}))
}
