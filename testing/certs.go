package testing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// SelfSignedCA generates an in-memory certificate authority for tests.
func SelfSignedCA(t *testing.T) ([]byte, *x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("error while generating CA key: %s", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Unit Test Root CA",
			Organization: []string{"OCSPdash"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("error while creating CA certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("error while parsing CA certificate: %s", err)
	}
	return der, cert, key
}

// IssuedCert issues an intermediate from the given CA, optionally
// carrying OCSP and issuer urls in its AIA extension.
func IssuedCert(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, ocspUrl, issuerUrl string) ([]byte, *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("error while generating key: %s", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("Unit Test Intermediate %d", serial),
			Organization: []string{"OCSPdash"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if ocspUrl != "" {
		tmpl.OCSPServer = []string{ocspUrl}
	}
	if issuerUrl != "" {
		tmpl.IssuingCertificateURL = []string{issuerUrl}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("error while creating certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("error while parsing certificate: %s", err)
	}
	return der, cert
}

// OCSPResponder serves signed OCSP responses for the given subject.
func OCSPResponder(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, subject *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: subject.SerialNumber,
			ThisUpdate:   thisUpdate,
			NextUpdate:   nextUpdate,
		}
		der, err := ocsp.CreateResponse(ca, ca, tmpl, caKey)
		if err != nil {
			t.Fatalf("error while creating OCSP response: %s", err)
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		if _, err := w.Write(der); err != nil {
			t.Fatalf("error while writing OCSP response: %s", err)
		}
	}
}
