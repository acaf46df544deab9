package fido2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rainzhang05/sk-manager-extension/transport"
)

// clientPIN subcommands (PIN protocol 1).
const (
	pinSubGetRetries      = 0x01
	pinSubGetKeyAgreement = 0x02
	pinSubSetPin          = 0x03
	pinSubChangePin       = 0x04
	pinSubGetPinToken     = 0x05
)

var (
	ErrPinLength = fmt.Errorf("PIN must be 4 to 63 characters")
	ErrCrypto    = fmt.Errorf("crypto failure")
)

type clientPinRequest struct {
	PinProtocol  uint8    `cbor:"1,keyasint"`
	SubCommand   uint8    `cbor:"2,keyasint"`
	KeyAgreement *coseKey `cbor:"3,keyasint,omitempty"`
	PinHashEnc   []byte   `cbor:"4,keyasint,omitempty"`
	NewPinEnc    []byte   `cbor:"5,keyasint,omitempty"`
	PinAuth      []byte   `cbor:"6,keyasint,omitempty"`
}

type clientPinReply struct {
	KeyAgreement *coseKey `cbor:"1,keyasint,omitempty"`
	PinToken     []byte   `cbor:"2,keyasint,omitempty"`
	Retries      *uint8   `cbor:"3,keyasint,omitempty"`
	PowerCycle   *bool    `cbor:"5,keyasint,omitempty"`
}

// pinSession is the short-lived PIN/UV Auth v1 state: the platform ephemeral
// key and the shared secret derived from the authenticator's key-agreement
// key. It lives for one operation.
type pinSession struct {
	shared      [32]byte
	platformKey coseKey
}

func validatePin(pin string) error {
	if len(pin) < 4 || len(pin) > 63 {
		return ErrPinLength
	}
	return nil
}

// newPinSession asks the authenticator for its key-agreement key and runs
// ECDH on P-256. The shared secret is SHA-256 of the x-coordinate; the
// ephemeral scalar does not outlive this function.
func newPinSession(dev transport.HIDDevice, cid [4]byte, timeouts Timeouts) (*pinSession, error) {
	body, err := ctapMarshal(clientPinRequest{
		PinProtocol: 1,
		SubCommand:  pinSubGetKeyAgreement,
	})
	if err != nil {
		return nil, err
	}
	resp, err := exchangeCBOR(dev, cid, ctap2ClientPin, body, timeouts)
	if err != nil {
		return nil, err
	}

	var reply clientPinReply
	if err := ctapUnmarshal(resp, &reply); err != nil {
		return nil, err
	}
	if reply.KeyAgreement == nil {
		return nil, fmt.Errorf("key agreement missing from clientPIN reply")
	}
	if len(reply.KeyAgreement.X) != 32 || len(reply.KeyAgreement.Y) != 32 {
		return nil, fmt.Errorf("%w: bad authenticator key coordinates", ErrCrypto)
	}

	// Uncompressed SEC1 point 04 || x || y.
	point := make([]byte, 0, 65)
	point = append(point, 0x04)
	point = append(point, reply.KeyAgreement.X...)
	point = append(point, reply.KeyAgreement.Y...)
	authPub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, errors.Wrapf(ErrCrypto, "authenticator public key: %v", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrapf(ErrCrypto, "ephemeral key: %v", err)
	}
	xCoord, err := ephemeral.ECDH(authPub)
	if err != nil {
		return nil, errors.Wrapf(ErrCrypto, "ecdh: %v", err)
	}

	session := &pinSession{shared: sha256.Sum256(xCoord)}
	for i := range xCoord {
		xCoord[i] = 0
	}

	pub := ephemeral.PublicKey().Bytes()
	session.platformKey = coseKey{
		Kty: 2,
		Alg: -25,
		Crv: 1,
		X:   append([]byte(nil), pub[1:33]...),
		Y:   append([]byte(nil), pub[33:65]...),
	}
	return session, nil
}

// destroy wipes the session material.
func (s *pinSession) destroy() {
	for i := range s.shared {
		s.shared[i] = 0
	}
	for i := range s.platformKey.X {
		s.platformKey.X[i] = 0
	}
	for i := range s.platformKey.Y {
		s.platformKey.Y[i] = 0
	}
}

// aesCBC runs AES-256-CBC with an all-zero IV and no padding, both ways.
func aesCBC(key [32]byte, data []byte, encrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: data length %d not a block multiple", ErrCrypto, len(data))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrapf(ErrCrypto, "aes: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// encryptPin pads the UTF-8 PIN with zeros to exactly 64 octets and
// encrypts it under the shared secret.
func encryptPin(pin string, secret [32]byte) ([]byte, error) {
	if len(pin) > 63 {
		return nil, ErrPinLength
	}
	padded := make([]byte, 64)
	copy(padded, pin)
	return aesCBC(secret, padded, true)
}

// encryptPinHash encrypts the first 16 octets of SHA-256(pin).
func encryptPinHash(pin string, secret [32]byte) ([]byte, error) {
	digest := sha256.Sum256([]byte(pin))
	return aesCBC(secret, digest[:16], true)
}

// pinAuth is HMAC-SHA-256 truncated to its leading 16 octets.
func pinAuth(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:16]
}

// getPinToken retrieves and decrypts the PIN token used to authenticate
// credential management subcommands until the next power cycle.
func (s *pinSession) getPinToken(dev transport.HIDDevice, cid [4]byte, pin string, timeouts Timeouts) ([]byte, error) {
	encHash, err := encryptPinHash(pin, s.shared)
	if err != nil {
		return nil, err
	}
	body, err := ctapMarshal(clientPinRequest{
		PinProtocol:  1,
		SubCommand:   pinSubGetPinToken,
		KeyAgreement: &s.platformKey,
		PinHashEnc:   encHash,
	})
	if err != nil {
		return nil, err
	}
	resp, err := exchangeCBOR(dev, cid, ctap2ClientPin, body, timeouts)
	if err != nil {
		return nil, err
	}

	var reply clientPinReply
	if err := ctapUnmarshal(resp, &reply); err != nil {
		return nil, err
	}
	if len(reply.PinToken) == 0 {
		return nil, fmt.Errorf("PIN token missing from clientPIN reply")
	}
	return aesCBC(s.shared, reply.PinToken, false)
}

// setPin sends the initial PIN, authenticated with the shared secret.
func (s *pinSession) setPin(dev transport.HIDDevice, cid [4]byte, newPin string, timeouts Timeouts) error {
	newPinEnc, err := encryptPin(newPin, s.shared)
	if err != nil {
		return err
	}
	body, err := ctapMarshal(clientPinRequest{
		PinProtocol:  1,
		SubCommand:   pinSubSetPin,
		KeyAgreement: &s.platformKey,
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth(s.shared[:], newPinEnc),
	})
	if err != nil {
		return err
	}
	_, err = exchangeCBOR(dev, cid, ctap2ClientPin, body, timeouts)
	return err
}

// changePin proves knowledge of the current PIN while setting the new one;
// the MAC covers newPinEnc || pinHashEnc.
func (s *pinSession) changePin(dev transport.HIDDevice, cid [4]byte, currentPin, newPin string, timeouts Timeouts) error {
	newPinEnc, err := encryptPin(newPin, s.shared)
	if err != nil {
		return err
	}
	pinHashEnc, err := encryptPinHash(currentPin, s.shared)
	if err != nil {
		return err
	}
	body, err := ctapMarshal(clientPinRequest{
		PinProtocol:  1,
		SubCommand:   pinSubChangePin,
		KeyAgreement: &s.platformKey,
		PinHashEnc:   pinHashEnc,
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth(s.shared[:], append(append([]byte(nil), newPinEnc...), pinHashEnc...)),
	})
	if err != nil {
		return err
	}
	_, err = exchangeCBOR(dev, cid, ctap2ClientPin, body, timeouts)
	return err
}
