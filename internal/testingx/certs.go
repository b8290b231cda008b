package testingx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/m-lab/go/rtx"
)

// TestCert is a certificate generated for testing purposes.
type TestCert struct {
	Cert    *x509.Certificate
	DER     []byte
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// NewCA generates a certification authority.
func NewCA(name string) *TestCert {
	template := &x509.Certificate{
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		NotAfter:              time.Now().Add(time.Hour),
		NotBefore:             time.Now().Add(-time.Hour),
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: name},
	}
	return sign(template, nil)
}

// NewLeaf generates a server or client certificate, self-signed
// when ca is nil and signed by ca otherwise.
func NewLeaf(name string, dnsNames []string, ca *TestCert) *TestCert {
	template := &x509.Certificate{
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
		},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		NotAfter:     time.Now().Add(time.Hour),
		NotBefore:    time.Now().Add(-time.Hour),
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: name},
	}
	return sign(template, ca)
}

// TLSCertificate returns the tls.Certificate form.
func (c *TestCert) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.DER},
		Leaf:        c.Cert,
		PrivateKey:  c.Key,
	}
}

func sign(template *x509.Certificate, ca *TestCert) *TestCert {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	rtx.Must(err, "cannot generate key")
	parent, signer := template, key
	if ca != nil {
		parent, signer = ca.Cert, ca.Key
	}
	der, err := x509.CreateCertificate(
		rand.Reader, template, parent, &key.PublicKey, signer,
	)
	rtx.Must(err, "cannot create certificate")
	cert, err := x509.ParseCertificate(der)
	rtx.Must(err, "cannot parse certificate")
	keyDER, err := x509.MarshalECPrivateKey(key)
	rtx.Must(err, "cannot marshal key")
	return &TestCert{
		Cert: cert,
		DER:  der,
		Key:  key,
		CertPEM: pem.EncodeToMemory(&pem.Block{
			Type: "CERTIFICATE", Bytes: der,
		}),
		KeyPEM: pem.EncodeToMemory(&pem.Block{
			Type: "EC PRIVATE KEY", Bytes: keyDER,
		}),
	}
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	rtx.Must(err, "cannot generate serial number")
	return serial
}
