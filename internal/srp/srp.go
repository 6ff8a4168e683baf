// Package srp implements the server and client halves of the SRP-6
// password proof used by the logon handshake: SHA-1 hashing and the
// RFC 5054 1024-bit group, with big numbers exchanged as uppercase hex
// and salts as 16 random bytes rendered in lowercase hex.
package srp

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrAuthFailed covers every SRP precondition violation: malformed hex,
// degenerate public values, proof mismatch. Callers must not be able to
// distinguish the cases.
var ErrAuthFailed = errors.New("authentication failed")

// RFC 5054, appendix A: the 1024-bit group. Pinned for wire compatibility
// with existing clients.
const groupHex = "EEAF0AB9ADB38DD69C33F80AFA8FC5E86072618775FF3C0B9EA2314C9C256576" +
	"D674DF7496EA81D3383B4813D692C6E0E0D5D8E250B98BE48E495C1D6089DAD1" +
	"5DC7D7B46154D6B6CE8EF4AD69B15D4982559B297BCF1885C529F566660E57EC" +
	"68EDBC3C05726CC02FD4CBF4976EAA9AFD5138FE8376435B9FC61D2FC0EB06E3"

const saltLen = 16

var (
	groupN = mustHex(groupHex)
	groupG = big.NewInt(2)
)

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad group constant")
	}
	return n
}

// hexBN renders n the way the wire expects: uppercase, padded to whole
// bytes, no extra leading zeros.
func hexBN(n *big.Int) string {
	s := strings.ToUpper(n.Text(16))
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return s
}

func parseBN(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("bad big-number hex: %w", ErrAuthFailed)
	}
	return n, nil
}

func hashSHA1(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func randomInt(bits int) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		if n.Sign() != 0 {
			return n, nil
		}
	}
}

func randomSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// privateKey derives x = H(salt || H(username ":" password)).
func privateKey(salt []byte, username, password string) *big.Int {
	inner := hashSHA1([]byte(username + ":" + password))
	return new(big.Int).SetBytes(hashSHA1(salt, inner))
}

// GenerateVerifier produces a fresh salt and the verifier v = g^x mod N
// for an account. Both are returned in their wire encodings.
func GenerateVerifier(username, password string) (saltHex, verifierHex string, err error) {
	salt, err := randomSalt()
	if err != nil {
		return "", "", err
	}
	x := privateKey(salt, username, password)
	v := new(big.Int).Exp(groupG, x, groupN)
	return hex.EncodeToString(salt), hexBN(v), nil
}

// Server holds the server-side state of one handshake. Create it lazily
// when the auth-info packet arrives; it is owned by a single session and
// never shared.
type Server struct {
	v    *big.Int // password verifier
	b    *big.Int // server ephemeral private
	bPub *big.Int // B = g^b mod N
	aPub *big.Int // client public A
	u    *big.Int // scrambling parameter H(A|B)
	key  *big.Int // session key S

	saltHex string
}

// NewServer returns an empty handshake state.
func NewServer() *Server {
	return &Server{}
}

// LoadVerifier installs the salt and verifier of a known account.
func (s *Server) LoadVerifier(saltHex, verifierHex string) error {
	v, err := parseBN(verifierHex)
	if err != nil {
		return err
	}
	s.saltHex = saltHex
	s.v = v
	return nil
}

// GenerateEphemeral picks a fresh b and computes B = g^b mod N.
func (s *Server) GenerateEphemeral() error {
	b, err := randomInt(256)
	if err != nil {
		return err
	}
	s.b = b
	s.bPub = new(big.Int).Exp(groupG, b, groupN)
	return nil
}

// GenerateFakeChallenge installs a random salt and verifier and a real
// ephemeral, so the challenge for an unknown account has exactly the
// shape of a genuine one.
func (s *Server) GenerateFakeChallenge() error {
	salt, err := randomSalt()
	if err != nil {
		return err
	}
	v, err := randomInt(256)
	if err != nil {
		return err
	}
	s.saltHex = hex.EncodeToString(salt)
	s.v = v
	return s.GenerateEphemeral()
}

// ProcessClientPublic ingests the client's A, derives u = H(A|B) over the
// hex encodings and the session key S = (A * v^u)^b mod N.
func (s *Server) ProcessClientPublic(aHex string) error {
	if s.v == nil || s.b == nil {
		return fmt.Errorf("no challenge issued: %w", ErrAuthFailed)
	}
	a, err := parseBN(aHex)
	if err != nil {
		return err
	}
	if new(big.Int).Mod(a, groupN).Sign() == 0 {
		return fmt.Errorf("degenerate client public: %w", ErrAuthFailed)
	}
	s.aPub = a
	s.u = new(big.Int).SetBytes(hashSHA1([]byte(hexBN(s.aPub) + hexBN(s.bPub))))

	vu := new(big.Int).Exp(s.v, s.u, groupN)
	avu := new(big.Int).Mul(s.aPub, vu)
	avu.Mod(avu, groupN)
	s.key = new(big.Int).Exp(avu, s.b, groupN)
	return nil
}

// VerifyProof checks the client's M1 = H(hex(A) | hex(B) | hex(S)) in
// constant time. It never reveals why a proof was rejected.
func (s *Server) VerifyProof(m1Hex string) bool {
	if s.key == nil {
		return false
	}
	expected := proofHex(s.aPub, s.bPub, s.key)
	claimed := strings.ToLower(m1Hex)
	if len(claimed) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(claimed), []byte(expected)) == 1
}

// SaltHex returns the salt of the current challenge.
func (s *Server) SaltHex() string { return s.saltHex }

// PublicHex returns B, the server ephemeral public value.
func (s *Server) PublicHex() string {
	if s.bPub == nil {
		return ""
	}
	return hexBN(s.bPub)
}

// DeriveRegistrationVerifier derives the verifier persisted when a
// first-seen username completes a proof against a fake challenge. The
// exchange carries no password material the server could recover, so the
// verifier is bound to the proof transcript instead:
// v = g^H(salt | A | M1) mod N.
func DeriveRegistrationVerifier(saltHex, aHex, m1Hex string) string {
	x := new(big.Int).SetBytes(hashSHA1([]byte(saltHex + strings.ToUpper(aHex) + strings.ToLower(m1Hex))))
	return hexBN(new(big.Int).Exp(groupG, x, groupN))
}

func proofHex(aPub, bPub, key *big.Int) string {
	digest := hashSHA1([]byte(hexBN(aPub) + hexBN(bPub) + hexBN(key)))
	return hex.EncodeToString(digest)
}
