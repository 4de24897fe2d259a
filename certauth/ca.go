package certauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// CertificateAuthority manages a local certificate authority which issues
// leaf certificates for LAN addresses.
type CertificateAuthority struct {
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
}

// Leaf is a certificate issued by the CA together with its own private key.
type Leaf struct {
	Key         *ecdsa.PrivateKey
	Certificate *x509.Certificate
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// NewCA creates a new certificate authority.
func NewCA() (*CertificateAuthority, error) {
	// adapted from https://golang.org/src/crypto/tls/generate_cert.go
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, errors.Wrap(err, "generate CA key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, errors.Wrap(err, "generate serial")
	}

	hostname, _ := os.Hostname()

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"lantls development CA"},
			OrganizationalUnit: []string{hostname},
			CommonName:         "lantls " + hostname,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().AddDate(10, 0, 0),

		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	// create self-signed certificate
	derCert, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, errors.Wrap(err, "create CA certificate")
	}

	cert, err := x509.ParseCertificate(derCert)
	if err != nil {
		return nil, err
	}

	ca := &CertificateAuthority{
		Key:         key,
		Certificate: cert,
	}

	return ca, nil
}

// Load loads a certificate authority from files.
func Load(certfile, keyfile string) (*CertificateAuthority, error) {
	key, err := LoadPrivateKey(keyfile)
	if err != nil {
		return nil, err
	}

	cert, err := LoadCertificate(certfile)
	if err != nil {
		return nil, err
	}

	ca := &CertificateAuthority{
		Key:         key,
		Certificate: cert,
	}

	return ca, nil
}

// WriteCertificate creates filename and writes the certificate c to it,
// encoded in PEM.
func WriteCertificate(filename string, c *x509.Certificate) error {
	crt := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	return os.WriteFile(filename, crt, 0644)
}

// LoadCertificate loads a PEM-encoded certificate from filename.
func LoadCertificate(filename string) (*x509.Certificate, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	return parseCertificate(buf)
}

func parseCertificate(buf []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}

	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate not found: wanted type %q, got %q",
			"CERTIFICATE", block.Type)
	}

	return x509.ParseCertificate(block.Bytes)
}

// WritePrivateKey creates filename and writes the private key k to it, encoded
// in PEM (PKCS#8).
func WritePrivateKey(filename string, k crypto.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(k)
	if err != nil {
		return errors.Wrap(err, "marshal private key")
	}

	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(filename, key, 0600)
}

// LoadPrivateKey loads a PEM-encoded RSA private key from filename.
func LoadPrivateKey(filename string) (*rsa.PrivateKey, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	return parsePrivateKey(buf)
}

func parsePrivateKey(buf []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}

		key, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("wanted RSA key, got %T", k)
		}
		return key, nil
	}

	return nil, fmt.Errorf("key not found: wanted type %q, got %q",
		"PRIVATE KEY", block.Type)
}

// Save saves a certificate authority to files.
func (ca *CertificateAuthority) Save(certfile, keyfile string) error {
	err := WriteCertificate(certfile, ca.Certificate)
	if err != nil {
		return err
	}

	err = WritePrivateKey(keyfile, ca.Key)
	if err != nil {
		return err
	}

	return nil
}

// NewCertificate creates a new leaf certificate for the given host names or
// IP addresses. Each leaf gets a fresh P-256 key.
func (ca *CertificateAuthority) NewCertificate(commonName string, names []string) (*Leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate leaf key")
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, errors.Wrap(err, "generate serial")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"lantls development certificate"},
			CommonName:   commonName,
		},
		NotBefore: time.Now().Add(-time.Hour),
		// stay below the 825 day limit enforced by macOS and iOS
		NotAfter: time.Now().AddDate(2, 3, 0),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	for _, name := range names {
		// try to parse an IP address to find out if we should insert a DNS name or an IP address
		ip := net.ParseIP(name)
		if ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	derCert, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, key.Public(), ca.Key)
	if err != nil {
		return nil, errors.Wrap(err, "create leaf certificate")
	}

	cert, err := x509.ParseCertificate(derCert)
	if err != nil {
		return nil, err
	}

	return &Leaf{Key: key, Certificate: cert}, nil
}

// Save writes the leaf certificate and its key to files.
func (l *Leaf) Save(certfile, keyfile string) error {
	err := WriteCertificate(certfile, l.Certificate)
	if err != nil {
		return err
	}

	return WritePrivateKey(keyfile, l.Key)
}
