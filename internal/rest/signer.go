package rest

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// signer produces the signature parameter for a signed request payload.
type signer interface {
	Sign(payload string) string
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s ed25519Signer) Sign(payload string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, []byte(payload)))
}

type hmacSigner struct {
	secret []byte
}

func (s hmacSigner) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseEd25519PEM loads a PKCS#8 encoded Ed25519 private key.
func parseEd25519PEM(data string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want ed25519", parsed)
	}
	return key, nil
}

func newSigner(creds Credentials) (signer, error) {
	switch {
	case creds.PrivateKeyPEM != "":
		key, err := parseEd25519PEM(creds.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		return ed25519Signer{key: key}, nil
	case creds.Secret != "":
		return hmacSigner{secret: []byte(creds.Secret)}, nil
	default:
		return nil, nil
	}
}
