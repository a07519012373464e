package message

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadSigningKey reads an RSA private key from a PEM (PKCS#1 or PKCS#8) or
// raw DER file. Other key types are rejected since signatures are always
// rsa-sha256.
func LoadSigningKey(path string) (crypto.Signer, error) {
	if path == "" {
		return nil, errors.New("dkim private key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dkim private key: %w", err)
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	signer, err := parsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing dkim private key %s: %w", path, err)
	}
	return signer, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T, want RSA", key)
	}
	return rsaKey, nil
}
