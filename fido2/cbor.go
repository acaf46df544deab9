package fido2

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// CTAP2 canonical form on the way out, strict decoding on the way in.
var (
	ctapEnc cbor.EncMode
	ctapDec cbor.DecMode
)

func init() {
	var err error
	ctapEnc, err = cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	ctapDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func ctapMarshal(v interface{}) ([]byte, error) {
	data, err := ctapEnc.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cbor encode")
	}
	return data, nil
}

func ctapUnmarshal(data []byte, v interface{}) error {
	if err := ctapDec.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "cbor decode")
	}
	return nil
}

// coseKey is a COSE_Key restricted to what PIN/UV Auth v1 uses: EC2 on
// P-256 with the ECDH-ES+HKDF-256 algorithm identifier.
type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}
