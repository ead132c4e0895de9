package alipay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnsupportedKey = errors.New("unsupported key format")

// ParsePrivateKey parses a base64 DER merchant key, accepting both PKCS#1
// and PKCS#8 encodings since the gateway console hands out either.
func ParsePrivateKey(b64 string) (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(normalizeKey(b64))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return key, nil
}

// ParsePublicKey parses a base64 DER PKIX public key.
func ParsePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(normalizeKey(b64))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return key, nil
}

// SignParams produces an RSA2 (SHA256withRSA) signature over the sorted
// parameter string, base64 encoded. The sign field itself and empty values
// are excluded, per the gateway signing rules.
func SignParams(params map[string]string, key *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(signContent(params)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyParams checks a base64 RSA2 signature against the sorted parameter
// string of params, excluding sign and sign_type.
func VerifyParams(params map[string]string, sign string, key *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %w", err)
	}
	digest := sha256.Sum256([]byte(signContent(params)))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig)
}

// signContent builds the canonical "k=v&k=v" string: keys sorted, sign and
// sign_type dropped, empty values skipped. Notification verification drops
// sign_type; request signing never includes a sign field to begin with, so
// one canonical form serves both.
func signContent(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

func normalizeKey(s string) string {
	replacer := strings.NewReplacer("\n", "", "\r", "", " ", "")
	s = replacer.Replace(s)
	for _, armor := range []string{
		"-----BEGINRSAPRIVATEKEY-----", "-----ENDRSAPRIVATEKEY-----",
		"-----BEGINPRIVATEKEY-----", "-----ENDPRIVATEKEY-----",
		"-----BEGINPUBLICKEY-----", "-----ENDPUBLICKEY-----",
	} {
		s = strings.ReplaceAll(s, armor, "")
	}
	return s
}
