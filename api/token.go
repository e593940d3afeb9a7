package api

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

var (
	// namespace for deriving a location's key id from its public key
	NamespaceKeyID = uuid.MustParse("c81dcfc6-2131-4d05-8ea4-4e5ad8123696")

	BadSigningMethodErr = errors.New("token is not ECDSA-signed")
	MissingKeyIDErr     = errors.New("token has no key id header")
	NotECDSAKeyErr      = errors.New("location public key is not an ECDSA key")
	NoPEMBlockErr       = errors.New("no PEM block found")
)

// KeyID derives the stable identifier of a location public key (PKIX DER).
func KeyID(publicKey []byte) string {
	return uuid.NewSHA1(NamespaceKeyID, publicKey).String()
}

// PublicKeyFromPEM extracts the PKIX DER bytes of a PEM-encoded ECDSA
// public key, the format locations are registered with.
func PublicKeyFromPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, NoPEMBlockErr
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return nil, NotECDSAKeyErr
	}
	return block.Bytes, nil
}

// ResultPayload is one submitted probe outcome. The server classifies;
// agents only report what they observed.
type ResultPayload struct {
	ResponderID uint     `json:"responder_id"`
	ChainID     uint     `json:"chain_id"`
	Retrieved   string   `json:"retrieved"`
	PingMs      *float64 `json:"ping_ms"`
	OcspMs      *float64 `json:"ocsp_ms"`
	Failure     string   `json:"failure"`
	CertStatus  string   `json:"cert_status"`
	NextUpdate  string   `json:"next_update,omitempty"`
	IssuerMatch bool     `json:"issuer_match"`
	Detail      string   `json:"detail,omitempty"`
}

type SubmitClaims struct {
	Results []ResultPayload `json:"res"`
	jwt.StandardClaims
}

// Sign wraps submitted results in an ES512 JWT carrying the location's
// key id, the format accepted by the results endpoint.
func Sign(results []ResultPayload, key *ecdsa.PrivateKey) (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	claims := SubmitClaims{
		Results: results,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES512, claims)
	token.Header["kid"] = KeyID(pub)
	return token.SignedString(key)
}

// PublicKeyFunc resolves a kid header to a registered public key.
type PublicKeyFunc func(keyID string) ([]byte, error)

// Verify parses and verifies a submission token against the key registry.
func Verify(tokenString string, lookup PublicKeyFunc) (*SubmitClaims, string, error) {
	var keyID string
	claims := &SubmitClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, BadSigningMethodErr
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, MissingKeyIDErr
		}
		keyID = kid

		der, err := lookup(kid)
		if err != nil {
			return nil, err
		}
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, err
		}
		ecdsaPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, NotECDSAKeyErr
		}
		return ecdsaPub, nil
	})
	if err != nil {
		return nil, "", err
	}
	return claims, keyID, nil
}
