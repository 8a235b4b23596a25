package events

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Certs contains the TLS client and server certs and keys for configuring mTLS between the engine and the receiver.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

type Cert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// ServerTLSConfig requires clients to present a certificate signed by the CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ReadPEMFiles reads a CA certificate, a certificate and its key.
func ReadPEMFiles(caFile, certFile, keyFile string) (ca, cert, key []byte, err error) {
	if ca, err = os.ReadFile(caFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	if cert, err = os.ReadFile(certFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading cert: %w", err)
	}
	if key, err = os.ReadFile(keyFile); err != nil {
		return nil, nil, nil, fmt.Errorf("reading key: %w", err)
	}
	return ca, cert, key, nil
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}

func buildCACert(subject pkix.Name, validFor time.Duration) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, fmt.Errorf("getting random serial number: %w", err)
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	return CACert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)}),
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

func buildCert(ca CACert, subject pkix.Name, hosts []string, validFor time.Duration) (Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return Cert{}, fmt.Errorf("getting random serial number: %w", err)
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}

	return Cert{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
	}, nil
}

// GenerateCerts generates a CA and a server and client certificate signed by it.
// The server certificate is valid for the given hosts, which may be DNS names or IP addresses.
func GenerateCerts(hosts []string, validFor time.Duration) (*Certs, error) {
	ca, err := buildCACert(pkix.Name{CommonName: "flowcluster CA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildCert(ca, pkix.Name{CommonName: "flowcluster"}, hosts, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildCert(ca, pkix.Name{CommonName: "flowcluster-engine"}, nil, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{Server: server, Client: client, CA: ca}, nil
}

// WriteFiles writes the PEM files of the certs into dir.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := map[string][]byte{
		"ca.pem":         c.CA.CertPEMBytes,
		"server.pem":     c.Server.CertPEMBytes,
		"server-key.pem": c.Server.KeyPEMBytes,
		"client.pem":     c.Client.CertPEMBytes,
		"client-key.pem": c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
