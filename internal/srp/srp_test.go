package srp

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestVerifierRoundTrip(t *testing.T) {
	saltHex, verifierHex, err := GenerateVerifier("alice", "pw")
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}
	if len(saltHex) != 32 {
		t.Errorf("salt hex length = %d, want 32", len(saltHex))
	}
	if saltHex != strings.ToLower(saltHex) {
		t.Errorf("salt hex not lowercase: %s", saltHex)
	}
	if verifierHex != strings.ToUpper(verifierHex) {
		t.Errorf("verifier hex not uppercase")
	}

	srv := NewServer()
	if err := srv.LoadVerifier(saltHex, verifierHex); err != nil {
		t.Fatalf("LoadVerifier: %v", err)
	}
	if err := srv.GenerateEphemeral(); err != nil {
		t.Fatalf("GenerateEphemeral: %v", err)
	}

	cli := NewClient()
	aHex, err := cli.GenerateEphemeral()
	if err != nil {
		t.Fatalf("client ephemeral: %v", err)
	}
	m1, err := cli.ComputeProof(srv.SaltHex(), srv.PublicHex(), "alice", "pw")
	if err != nil {
		t.Fatalf("ComputeProof: %v", err)
	}

	if err := srv.ProcessClientPublic(aHex); err != nil {
		t.Fatalf("ProcessClientPublic: %v", err)
	}
	if !srv.VerifyProof(m1) {
		t.Error("valid proof rejected")
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	saltHex, verifierHex, err := GenerateVerifier("carol", "pw")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer()
	if err := srv.LoadVerifier(saltHex, verifierHex); err != nil {
		t.Fatal(err)
	}
	if err := srv.GenerateEphemeral(); err != nil {
		t.Fatal(err)
	}

	cli := NewClient()
	aHex, err := cli.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	m1, err := cli.ComputeProof(srv.SaltHex(), srv.PublicHex(), "carol", "wrong")
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.ProcessClientPublic(aHex); err != nil {
		t.Fatal(err)
	}
	if srv.VerifyProof(m1) {
		t.Error("proof for wrong password accepted")
	}
}

func TestFakeChallengeShape(t *testing.T) {
	real := NewServer()
	saltHex, verifierHex, err := GenerateVerifier("alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := real.LoadVerifier(saltHex, verifierHex); err != nil {
		t.Fatal(err)
	}
	if err := real.GenerateEphemeral(); err != nil {
		t.Fatal(err)
	}

	fake := NewServer()
	if err := fake.GenerateFakeChallenge(); err != nil {
		t.Fatal(err)
	}

	// Same field shapes: 16-byte lowercase salt, uppercase B bounded by |N|.
	if len(fake.SaltHex()) != len(real.SaltHex()) {
		t.Errorf("fake salt length %d != real %d", len(fake.SaltHex()), len(real.SaltHex()))
	}
	if _, err := hex.DecodeString(fake.SaltHex()); err != nil {
		t.Errorf("fake salt not hex: %v", err)
	}
	for _, b := range []string{real.PublicHex(), fake.PublicHex()} {
		if b == "" || len(b) > 256 || len(b)%2 != 0 {
			t.Errorf("challenge B has unexpected width %d", len(b))
		}
		if b != strings.ToUpper(b) {
			t.Errorf("challenge B not uppercase")
		}
	}
}

func TestFakeChallengeRejectsProof(t *testing.T) {
	srv := NewServer()
	if err := srv.GenerateFakeChallenge(); err != nil {
		t.Fatal(err)
	}

	cli := NewClient()
	aHex, err := cli.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	m1, err := cli.ComputeProof(srv.SaltHex(), srv.PublicHex(), "bob", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.ProcessClientPublic(aHex); err != nil {
		t.Fatal(err)
	}
	if srv.VerifyProof(m1) {
		t.Error("proof against a fake verifier should not verify")
	}
}

func TestDegenerateClientPublic(t *testing.T) {
	srv := NewServer()
	if err := srv.GenerateFakeChallenge(); err != nil {
		t.Fatal(err)
	}

	for _, a := range []string{"0", groupHex, "zzzz"} {
		if err := srv.ProcessClientPublic(a); !errors.Is(err, ErrAuthFailed) {
			t.Errorf("ProcessClientPublic(%.8s...) = %v, want ErrAuthFailed", a, err)
		}
	}
}

func TestProcessWithoutChallenge(t *testing.T) {
	srv := NewServer()
	if err := srv.ProcessClientPublic("AB"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("ProcessClientPublic without challenge = %v, want ErrAuthFailed", err)
	}
	if srv.VerifyProof("00") {
		t.Error("VerifyProof without key should fail")
	}
}

func TestProofCaseInsensitive(t *testing.T) {
	saltHex, verifierHex, err := GenerateVerifier("dave", "pw")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer()
	if err := srv.LoadVerifier(saltHex, verifierHex); err != nil {
		t.Fatal(err)
	}
	if err := srv.GenerateEphemeral(); err != nil {
		t.Fatal(err)
	}

	cli := NewClient()
	aHex, err := cli.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	m1, err := cli.ComputeProof(srv.SaltHex(), srv.PublicHex(), "dave", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.ProcessClientPublic(aHex); err != nil {
		t.Fatal(err)
	}
	if !srv.VerifyProof(strings.ToUpper(m1)) {
		t.Error("uppercase proof rejected")
	}
}

func TestDeriveRegistrationVerifierDeterministic(t *testing.T) {
	v1 := DeriveRegistrationVerifier("aa", "BB", "cc")
	v2 := DeriveRegistrationVerifier("aa", "bb", "CC")
	if v1 != v2 {
		t.Error("derivation should be case-normalised over A and M1")
	}
	if v1 == DeriveRegistrationVerifier("ab", "BB", "cc") {
		t.Error("different salts must derive different verifiers")
	}
}

func TestHexBNPadding(t *testing.T) {
	cases := map[int64]string{
		0x0F:   "0F",
		0x100:  "0100",
		0xABCD: "ABCD",
	}
	for in, want := range cases {
		if got := hexBN(big.NewInt(in)); got != want {
			t.Errorf("hexBN(%#x) = %q, want %q", in, got, want)
		}
	}
}
