package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// generatedCertLifetime is how long a self-signed certificate is valid.
const generatedCertLifetime = 365 * 24 * time.Hour

// TLSConfig enables HTTPS for the API server.
type TLSConfig struct {
	// CertPath and KeyPath are a PEM certificate and private key.
	CertPath string `mapstructure:"cert_path" yaml:"cert_path,omitempty"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path,omitempty"`

	// GenerateCert makes a self-signed certificate when CertPath and KeyPath
	// are unset or do not exist yet. When they are set, the generated pair is
	// written there and reused on the next start.
	GenerateCert bool `mapstructure:"generate_cert" yaml:"generate_cert,omitempty"`

	// Hosts are extra DNS names or IP addresses for a generated certificate,
	// on top of localhost and the loopback addresses.
	Hosts []string `mapstructure:"hosts" yaml:"hosts,omitempty"`
}

func (c *TLSConfig) Validate() error {
	var errs []error
	switch {
	case (c.CertPath == "") != (c.KeyPath == ""):
		errs = append(errs, errors.New("cert_path and key_path must both be set or both be empty"))
	case c.CertPath == "" && !c.GenerateCert:
		errs = append(errs, errors.New("no certificate configured: set cert_path and key_path, or set generate_cert to true"))
	case !c.GenerateCert:
		for name, path := range map[string]string{"cert_path": c.CertPath, "key_path": c.KeyPath} {
			if _, err := os.Stat(path); err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", name, path, err))
			}
		}
	}
	if len(c.Hosts) > 0 && !c.GenerateCert {
		errs = append(errs, errors.New("hosts only applies with generate_cert"))
	}
	return errors.Join(errs...)
}

// TLSResult is a server TLS config plus any certificate files NewTLS wrote.
type TLSResult struct {
	Config       *tls.Config
	WrittenFiles []string
}

// NewTLS loads or generates the server certificate. Call Validate first.
func (c *TLSConfig) NewTLS() (TLSResult, error) {
	var res TLSResult
	cert, err := c.certificate(&res)
	if err != nil {
		return TLSResult{}, err
	}
	res.Config = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return res, nil
}

func (c *TLSConfig) certificate(res *TLSResult) (tls.Certificate, error) {
	havePaths := c.CertPath != "" && c.KeyPath != ""
	if havePaths && fileExists(c.CertPath) && fileExists(c.KeyPath) {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load certificate: %w", err)
		}
		return cert, nil
	}
	if !c.GenerateCert {
		return tls.Certificate{}, errors.New("certificate files not found")
	}

	certPEM, keyPEM, err := selfSignedPEM(c.Hosts, time.Now())
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	if havePaths {
		if err := os.WriteFile(c.CertPath, certPEM, 0o644); err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
		}
		if err := os.WriteFile(c.KeyPath, keyPEM, 0o600); err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to write private key: %w", err)
		}
		res.WrittenFiles = []string{c.CertPath, c.KeyPath}
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// selfSignedPEM returns a P-256 certificate for localhost, the loopback
// addresses and hosts, with its PKCS#8 key.
func selfSignedPEM(hosts []string, now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"pgprobe"}, CommonName: "pgprobe"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(generatedCertLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		nil
}
