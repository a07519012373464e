// Package testutil provides test helpers for key material, fake mail hosts
// and recording senders.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// DKIMKey is an RSA signing key together with the DNS TXT record that
// publishes its public half.
type DKIMKey struct {
	Private *rsa.PrivateKey
	// Record is the value of the <selector>._domainkey TXT record.
	Record string
}

var (
	dkimOnce sync.Once
	dkimKey  *rsa.PrivateKey
	dkimErr  error
)

// NewDKIMKey returns a 2048-bit RSA key shared by every test in the process,
// since generating one is slow.
func NewDKIMKey(t *testing.T) DKIMKey {
	t.Helper()
	dkimOnce.Do(func() {
		dkimKey, dkimErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if dkimErr != nil {
		t.Fatalf("generate dkim key: %v", dkimErr)
	}

	pub, err := x509.MarshalPKIXPublicKey(&dkimKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal dkim public key: %v", err)
	}
	return DKIMKey{
		Private: dkimKey,
		Record:  "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub),
	}
}

// KeyFormat selects the on-disk encoding written by WriteDKIMKey.
type KeyFormat int

// Supported key encodings.
const (
	PEMPKCS1 KeyFormat = iota
	PEMPKCS8
	DER
)

// WriteDKIMKey writes key into a temporary directory and returns the path.
func WriteDKIMKey(t *testing.T, key DKIMKey, format KeyFormat) string {
	t.Helper()

	var data []byte
	name := "dkim.pem"
	switch format {
	case PEMPKCS1:
		data = pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key.Private),
		})
	case PEMPKCS8:
		der, err := x509.MarshalPKCS8PrivateKey(key.Private)
		if err != nil {
			t.Fatalf("marshal pkcs8: %v", err)
		}
		data = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	case DER:
		der, err := x509.MarshalPKCS8PrivateKey(key.Private)
		if err != nil {
			t.Fatalf("marshal pkcs8: %v", err)
		}
		data = der
		name = "dkim.der"
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write dkim key: %v", err)
	}
	return path
}

// TLSPair holds a self-signed certificate as server and client configs plus
// the PEM files it was written to.
type TLSPair struct {
	Server   *tls.Config
	Client   *tls.Config
	CertFile string
	KeyFile  string
}

// NewTLSPair generates a self-signed ECDSA certificate for localhost.
func NewTLSPair(t *testing.T) TLSPair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	return TLSPair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		Client: &tls.Config{
			RootCAs:    pool,
			ServerName: "localhost",
			MinVersion: tls.VersionTLS12,
		},
		CertFile: certFile,
		KeyFile:  keyFile,
	}
}
