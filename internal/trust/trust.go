// Package trust builds and verifies the canonical signed messages exchanged
// between provider and payer: delivery attestations ("traces") and signed
// mirror endpoints.
//
// Both parties must build byte-identical messages before signing or
// verifying, so the formats below are fixed:
//
//	assured-trace|<callId>|<responseHashHex>|<deliveredAtMillis>
//	assured-mirror|<serviceId>|<mirrorUrl>
//	assured-request|<METHOD>|<requestURI>|<bodyHashHex>|<unixMillis>
//
// Keys and signatures travel base58-encoded.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// SigAlg is advertised in payment requirements.
const SigAlg = "ed25519"

const (
	tracePrefix   = "assured-trace"
	mirrorPrefix  = "assured-mirror"
	requestPrefix = "assured-request"
)

var ErrInvalidKey = errors.New("trust: invalid key")

// TraceMessage returns the canonical delivery attestation message.
func TraceMessage(callID, responseHashHex string, deliveredAtMillis int64) []byte {
	return []byte(strings.Join([]string{
		tracePrefix, callID, responseHashHex, strconv.FormatInt(deliveredAtMillis, 10),
	}, "|"))
}

// MirrorMessage returns the canonical mirror advertisement message.
func MirrorMessage(serviceID, mirrorURL string) []byte {
	return []byte(mirrorPrefix + "|" + serviceID + "|" + mirrorURL)
}

// RequestMessage returns the canonical message a caller signs to prove it
// holds the key behind its claimed identity.
func RequestMessage(method, requestURI, bodyHashHex string, atMillis int64) []byte {
	return []byte(strings.Join([]string{
		requestPrefix, strings.ToUpper(method), requestURI, bodyHashHex, strconv.FormatInt(atMillis, 10),
	}, "|"))
}

// HashHex returns the lowercase hex SHA-256 of payload, the content address
// used for response and chunk hashes.
func HashHex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Sign signs message with key.
func Sign(message []byte, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, message)
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under publicKey. Malformed keys and undersized signatures yield false.
func Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// VerifyEncoded is Verify over base58-encoded signature and public key.
func VerifyEncoded(message []byte, signatureB58, publicKeyB58 string) bool {
	sig, err := base58.Decode(signatureB58)
	if err != nil {
		return false
	}
	pub, err := base58.Decode(publicKeyB58)
	if err != nil {
		return false
	}
	return Verify(message, sig, pub)
}

// Signer holds a provider's signing key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSignerFromSeed builds a signer from a 32-byte Ed25519 seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv}, nil
}

// ParseSeed decodes a seed given as 64 hex characters or base58.
func ParseSeed(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) == 2*ed25519.SeedSize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is neither 32-byte hex nor base58", ErrInvalidKey)
	}
	return b, nil
}

// Seed returns the signer's seed as hex, for keygen output.
func (s *Signer) Seed() string {
	return hex.EncodeToString(s.priv.Seed())
}

// PublicKey returns the raw public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Address returns the base58 public key, the provider identity on the wire.
func (s *Signer) Address() string {
	return base58.Encode(s.PublicKey())
}

// SignEncoded signs message and returns the base58 signature.
func (s *Signer) SignEncoded(message []byte) string {
	return base58.Encode(Sign(message, s.priv))
}

// SignTrace attests that responseHashHex was delivered for callID at deliveredAtMillis.
func (s *Signer) SignTrace(callID, responseHashHex string, deliveredAtMillis int64) string {
	return s.SignEncoded(TraceMessage(callID, responseHashHex, deliveredAtMillis))
}

// SignRequest signs the canonical request message.
func (s *Signer) SignRequest(method, requestURI, bodyHashHex string, atMillis int64) string {
	return s.SignEncoded(RequestMessage(method, requestURI, bodyHashHex, atMillis))
}

// Mirror is a signed alternate endpoint for a service.
type Mirror struct {
	URL string `json:"url"`
	Sig string `json:"sig"`
}

// SignMirrors signs each mirror URL for serviceID.
func (s *Signer) SignMirrors(serviceID string, urls []string) []Mirror {
	if len(urls) == 0 {
		return nil
	}
	out := make([]Mirror, 0, len(urls))
	for _, u := range urls {
		out = append(out, Mirror{URL: u, Sig: s.SignEncoded(MirrorMessage(serviceID, u))})
	}
	return out
}

// DecodePublicKey validates a base58 public key.
func DecodePublicKey(b58 string) (ed25519.PublicKey, error) {
	b, err := base58.Decode(b58)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.PublicKey(b), nil
}
