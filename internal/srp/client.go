package srp

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// Client holds the client-side state of one handshake. It mirrors what a
// standard SRP-6 client does against this server: A = g^a, then
// S = B^(a + u*x) mod N from the challenge salt and B.
type Client struct {
	a    *big.Int
	aPub *big.Int
}

// NewClient returns an empty client handshake state.
func NewClient() *Client {
	return &Client{}
}

// GenerateEphemeral picks a fresh a and returns A = g^a mod N in hex.
func (c *Client) GenerateEphemeral() (string, error) {
	a, err := randomInt(256)
	if err != nil {
		return "", err
	}
	c.a = a
	c.aPub = new(big.Int).Exp(groupG, a, groupN)
	return hexBN(c.aPub), nil
}

// ComputeProof derives the session key from the server challenge and the
// account credentials and returns M1, the proof sent in SID_LOGON_PROOF.
func (c *Client) ComputeProof(saltHex, bHex, username, password string) (string, error) {
	if c.a == nil {
		return "", fmt.Errorf("no client ephemeral: %w", ErrAuthFailed)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("bad salt hex: %w", ErrAuthFailed)
	}
	bPub, err := parseBN(bHex)
	if err != nil {
		return "", err
	}
	if new(big.Int).Mod(bPub, groupN).Sign() == 0 {
		return "", fmt.Errorf("degenerate server public: %w", ErrAuthFailed)
	}

	x := privateKey(salt, username, password)
	u := new(big.Int).SetBytes(hashSHA1([]byte(hexBN(c.aPub) + hexBN(bPub))))

	// S = B^(a + u*x) mod N
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	key := new(big.Int).Exp(bPub, exp, groupN)

	return proofHex(c.aPub, bPub, key), nil
}
