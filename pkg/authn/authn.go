// Package authn implements the signature-based authentication
// procedure of spec.md §4.3: verify an Authorization: Signature
// header against either the PIV token's 9e public key (asymmetric
// algorithms) or the newest unexpired recovery token (hmac-sha256),
// falling back to a configured operator admin key.
package authn

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/ssh"

	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
)

// Authenticator verifies signed requests.
type Authenticator struct {
	// AdminPublicKeyLine, if set, is an OpenSSH authorized_keys line
	// used as the last-resort verification key (spec.md §4.3 step 4).
	AdminPublicKeyLine string
}

// Skip reports whether authentication should be skipped entirely:
// spec.md §4.3 step 1, "no PIV token loaded and the route is
// create-PIV-token".
func Skip(pivLoaded bool, isCreatePIVTokenRoute bool) bool {
	return !pivLoaded && isCreatePIVTokenRoute
}

// Authenticate verifies sig against signedString, dispatching on
// algorithm family: hmac-* against the newest unexpired recovery
// token, everything else against the PIV token's 9e key. Falls back
// to the configured admin key on failure.
func (a *Authenticator) Authenticate(sig *ParsedSignature, signedString []byte, piv *models.PIVToken, tokens []*models.RecoveryToken) error {
	if sig == nil {
		return apierrors.Unauthorizedf("missing signature")
	}

	var primaryErr error
	if isHMACAlgorithm(sig.Algorithm) {
		primaryErr = verifyHMAC(sig, signedString, tokens)
	} else {
		primaryErr = verifyAsymmetric(sig, signedString, piv)
	}
	if primaryErr == nil {
		return nil
	}

	if a.AdminPublicKeyLine != "" {
		if err := verifySSHLine(a.AdminPublicKeyLine, sig, signedString); err == nil {
			return nil
		}
	}
	return apierrors.Unauthorizedf("signature verification failed: %v", primaryErr)
}

func isHMACAlgorithm(alg string) bool {
	switch alg {
	case "hmac-sha256", "hmac-sha1":
		return true
	default:
		return false
	}
}

// newestUnexpiredToken implements the Open Question resolution in
// SPEC_FULL.md §4.3: sort by created ascending, then walk backward
// from the newest, skipping any token whose expired is set.
func newestUnexpiredToken(tokens []*models.RecoveryToken) *models.RecoveryToken {
	sorted := make([]*models.RecoveryToken, len(tokens))
	copy(sorted, tokens)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Created.Before(sorted[j].Created) })
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Expired == nil {
			return sorted[i]
		}
	}
	return nil
}

func verifyHMAC(sig *ParsedSignature, signedString []byte, tokens []*models.RecoveryToken) error {
	tok := newestUnexpiredToken(tokens)
	if tok == nil {
		return fmt.Errorf("no unexpired recovery token available for hmac verification")
	}
	keyBytes, err := hex.DecodeString(tok.Token)
	if err != nil {
		return fmt.Errorf("stored recovery token is not valid hex: %w", err)
	}
	var h crypto.Hash
	switch sig.Algorithm {
	case "hmac-sha256":
		h = crypto.SHA256
	default:
		h = crypto.SHA1
	}
	mac := hmac.New(h.New, keyBytes)
	mac.Write(signedString)
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(sig.Signature)
	if err != nil {
		given = []byte(sig.Signature)
	}
	if !hmac.Equal(expected, given) && !hmac.Equal(expected, mustBase64Fallback(sig.Signature)) {
		return fmt.Errorf("hmac mismatch")
	}
	return nil
}

func verifyAsymmetric(sig *ParsedSignature, signedString []byte, piv *models.PIVToken) error {
	if piv == nil {
		return fmt.Errorf("no PIV token loaded")
	}
	return verifySSHLine(piv.PubKeys.Slot9E, sig, signedString)
}

func verifySSHLine(line string, sig *ParsedSignature, signedString []byte) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return fmt.Errorf("invalid public key material: %w", err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return fmt.Errorf("key type does not expose a crypto.PublicKey")
	}
	rawSig, err := decodeSignature(sig.Signature)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(signedString)
	switch key := cryptoPub.CryptoPublicKey().(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], rawSig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], rawSig) {
			return fmt.Errorf("ecdsa signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key algorithm %T", key)
	}
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64DecodeLoose(s)
}

func mustBase64Fallback(s string) []byte {
	b, err := base64DecodeLoose(s)
	if err != nil {
		return nil
	}
	return b
}

// ParsePKIXPublicKey parses a DER-encoded X.509 public key, for admin
// tooling that provisions an operator key outside the SSH-line format.
func ParsePKIXPublicKey(der []byte) (crypto.PublicKey, error) {
	return x509.ParsePKIXPublicKey(der)
}

func base64DecodeLoose(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
