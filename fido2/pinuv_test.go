package fido2

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// Known answer: PIN "1234" under an all-zero shared secret. The cipher is
// AES-256-CBC with a zero key and zero IV over "1234" padded to 64 octets.
func TestEncryptPinKnownAnswer(t *testing.T) {
	var secret [32]byte
	got, err := encryptPin("1234", secret)
	if err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "3984c445bd0c92d43a7649804f598b4c"+
		"1fabefbc40039e3ccfe775b0d6a898b6"+
		"adc3af6851062bba7419f72d94140230"+
		"fad951ad07b20f0b665036d61bab2542")
	if !bytes.Equal(got, want) {
		t.Fatalf("ciphertext mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestEncryptPinHashKnownAnswer(t *testing.T) {
	var secret [32]byte
	got, err := encryptPinHash("1234", secret)
	if err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "17b762254700d105d57b526fd9bb6ffd")
	if !bytes.Equal(got, want) {
		t.Fatalf("ciphertext mismatch: got %x want %x", got, want)
	}
	if len(got) != 16 {
		t.Fatalf("pin hash ciphertext is %d octets", len(got))
	}
}

func TestPinAuthTruncation(t *testing.T) {
	key := make([]byte, 32)
	var secret [32]byte
	enc, err := encryptPin("1234", secret)
	if err != nil {
		t.Fatal(err)
	}
	got := pinAuth(key, enc)
	want := mustHex(t, "9d1529b799990a15c412e0ed2b83b583")
	if !bytes.Equal(got, want) {
		t.Fatalf("pinAuth mismatch: got %x want %x", got, want)
	}
}

func TestAesCBCRoundTrip(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("0123456789abcdef0123456789abcdef"))
	plaintext := make([]byte, 48)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	ct, err := aesCBC(secret, plaintext, true)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := aesCBC(secret, ct, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("decrypt(encrypt(x)) != x")
	}
}

func TestAesCBCRejectsPartialBlocks(t *testing.T) {
	var secret [32]byte
	if _, err := aesCBC(secret, make([]byte, 17), false); !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
}

func TestValidatePin(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	cases := []struct {
		pin string
		ok  bool
	}{
		{"12", false},
		{"123", false},
		{"1234", true},
		{string(long[:63]), true},
		{string(long), false},
	}
	for _, c := range cases {
		err := validatePin(c.pin)
		if c.ok && err != nil {
			t.Errorf("pin %q rejected: %v", c.pin, err)
		}
		if !c.ok && !errors.Is(err, ErrPinLength) {
			t.Errorf("pin of length %d accepted", len(c.pin))
		}
	}
}

// Both sides of the key agreement must land on the same shared secret.
func TestSharedSecretDerivation(t *testing.T) {
	authKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authPub := authKey.PublicKey().Bytes()

	dev := &mockDevice{t: t}
	dev.handler = func(cid [4]byte, cmd byte, payload []byte) [][]byte {
		body, err := ctapMarshal(clientPinReply{
			KeyAgreement: &coseKey{
				Kty: 2, Alg: -25, Crv: 1,
				X: authPub[1:33],
				Y: authPub[33:65],
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		return frames(cid, cmd, append([]byte{0x00}, body...))
	}

	cid := [4]byte{0x01, 0x02, 0x03, 0x04}
	session, err := newPinSession(dev, cid, DefaultTimeouts())
	if err != nil {
		t.Fatal(err)
	}
	defer session.destroy()

	// Recompute the secret from the authenticator's side.
	point := append([]byte{0x04}, append(session.platformKey.X, session.platformKey.Y...)...)
	platformPub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		t.Fatal(err)
	}
	xCoord, err := authKey.ECDH(platformPub)
	if err != nil {
		t.Fatal(err)
	}
	expected := sha256.Sum256(xCoord)
	if session.shared != expected {
		t.Fatal("platform and authenticator derived different secrets")
	}
}

func TestSessionDestroyZeroizes(t *testing.T) {
	session := &pinSession{
		platformKey: coseKey{X: []byte{1, 2, 3}, Y: []byte{4, 5, 6}},
	}
	session.shared[0] = 0xAB
	session.destroy()
	if session.shared != [32]byte{} {
		t.Fatal("shared secret not wiped")
	}
	for _, b := range append(session.platformKey.X, session.platformKey.Y...) {
		if b != 0 {
			t.Fatal("platform key not wiped")
		}
	}
}
