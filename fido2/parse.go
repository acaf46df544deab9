package fido2

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rainzhang05/sk-manager-extension/transport"
)

type getInfoReply struct {
	Versions                     []string         `cbor:"1,keyasint,omitempty"`
	Extensions                   []string         `cbor:"2,keyasint,omitempty"`
	AAGUID                       []byte           `cbor:"3,keyasint,omitempty"`
	Options                      map[string]bool  `cbor:"4,keyasint,omitempty"`
	MaxMsgSize                   *uint32          `cbor:"5,keyasint,omitempty"`
	PinProtocols                 []uint8          `cbor:"6,keyasint,omitempty"`
	MaxCredentialCountInList     *uint32          `cbor:"7,keyasint,omitempty"`
	MaxCredentialIDLength        *uint32          `cbor:"8,keyasint,omitempty"`
	Transports                   []string         `cbor:"9,keyasint,omitempty"`
	Algorithms                   []algorithmEntry `cbor:"10,keyasint,omitempty"`
	MaxAuthenticatorConfigLength *uint32          `cbor:"14,keyasint,omitempty"`
	DefaultCredProtect           *uint8           `cbor:"15,keyasint,omitempty"`
}

type algorithmEntry struct {
	Alg  int    `cbor:"alg"`
	Type string `cbor:"type"`
}

// COSE algorithm identifiers the host can name.
var coseAlgorithmNames = map[int]string{
	-7:   "ES256",
	-8:   "EdDSA",
	-257: "RS256",
}

func parseGetInfo(body []byte) (*Info, error) {
	var reply getInfoReply
	if err := ctapUnmarshal(body, &reply); err != nil {
		return nil, err
	}

	info := &Info{
		Versions:                     reply.Versions,
		Extensions:                   reply.Extensions,
		AAGUID:                       formatAAGUID(reply.AAGUID),
		MaxMsgSize:                   reply.MaxMsgSize,
		PinProtocols:                 reply.PinProtocols,
		MaxCredentialCountInList:     reply.MaxCredentialCountInList,
		MaxCredentialIDLength:        reply.MaxCredentialIDLength,
		Transports:                   reply.Transports,
		MaxAuthenticatorConfigLength: reply.MaxAuthenticatorConfigLength,
		DefaultCredProtect:           reply.DefaultCredProtect,
	}
	if len(info.Versions) == 0 {
		info.Versions = []string{"FIDO_2_0"}
	}
	if info.Extensions == nil {
		info.Extensions = []string{}
	}
	if len(info.Transports) == 0 {
		info.Transports = []string{"usb"}
	}
	if info.PinProtocols == nil {
		info.PinProtocols = []uint8{}
	}

	seen := make(map[string]bool)
	for _, entry := range reply.Algorithms {
		name, ok := coseAlgorithmNames[entry.Alg]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		info.Algorithms = append(info.Algorithms, name)
	}
	if len(info.Algorithms) == 0 {
		info.Algorithms = []string{"ES256"}
	}

	if reply.Options != nil {
		info.Options.Plat = reply.Options["plat"]
		info.Options.RK = reply.Options["rk"]
		info.Options.UP = reply.Options["up"]
		if v, ok := reply.Options["clientPin"]; ok {
			info.Options.ClientPin = &v
		}
		if v, ok := reply.Options["uv"]; ok {
			info.Options.UV = &v
		}
	}
	return info, nil
}

//	credential management wire types

type credMgmtRequest struct {
	SubCommand  uint8           `cbor:"1,keyasint"`
	Params      cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	PinProtocol *uint8          `cbor:"3,keyasint,omitempty"`
	PinAuth     []byte          `cbor:"4,keyasint,omitempty"`
}

type rpEntity struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name"`
}

type userEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name"`
	DisplayName string `cbor:"displayName"`
}

type credentialDescriptor struct {
	ID   []byte `cbor:"id"`
	Type string `cbor:"type"`
}

type credMgmtReply struct {
	RP           *rpEntity             `cbor:"3,keyasint,omitempty"`
	Total        *uint32               `cbor:"5,keyasint,omitempty"`
	User         *userEntity           `cbor:"6,keyasint,omitempty"`
	CredentialID *credentialDescriptor `cbor:"7,keyasint,omitempty"`
	PublicKey    cbor.RawMessage       `cbor:"8,keyasint,omitempty"`
	CredProtect  *uint8                `cbor:"10,keyasint,omitempty"`
}

type enumerateCredsParams struct {
	ID string `cbor:"id"`
}

type deleteCredentialParams struct {
	CredentialDescriptor credentialDescriptor `cbor:"credentialDescriptor"`
}

// credMgmt sends one credential management subcommand. Begin-style
// subcommands carry pinAuth over the encoded parameter map; Next-style
// continuations carry neither protocol nor auth.
func (c *Client) credMgmt(dev transport.HIDDevice, cid [4]byte, subCmd uint8, params cbor.RawMessage, token []byte) (*credMgmtReply, error) {
	req := credMgmtRequest{SubCommand: subCmd, Params: params}
	if token != nil {
		proto := uint8(1)
		req.PinProtocol = &proto
		req.PinAuth = pinAuth(token, params)
	}
	body, err := ctapMarshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := exchangeCBOR(dev, cid, ctap2CredentialMgmt, body, c.timeouts)
	if err != nil {
		return nil, err
	}
	var reply credMgmtReply
	if len(resp) > 0 {
		if err := ctapUnmarshal(resp, &reply); err != nil {
			return nil, err
		}
	}
	return &reply, nil
}

func (c *Client) enumerateRps(dev transport.HIDDevice, cid [4]byte, token []byte) ([]rpEntity, error) {
	reply, err := c.credMgmt(dev, cid, credSubEnumerateRpsBegin, nil, token)
	if err != nil {
		// CTAP2_ERR_NO_CREDENTIALS: an empty store is not an error.
		var ctapErr *CtapError
		if errors.As(err, &ctapErr) && ctapErr.Status == 0x2E {
			return nil, nil
		}
		return nil, err
	}
	if reply.RP == nil {
		return nil, nil
	}

	rps := []rpEntity{*reply.RP}
	total := uint32(1)
	if reply.Total != nil {
		total = *reply.Total
	}
	for i := uint32(1); i < total; i++ {
		next, err := c.credMgmt(dev, cid, credSubEnumerateRpsNext, nil, nil)
		if err != nil {
			return nil, err
		}
		if next.RP == nil {
			return nil, fmt.Errorf("relying party %d missing from enumeration", i)
		}
		rps = append(rps, *next.RP)
	}
	return rps, nil
}

func (c *Client) enumerateRpCredentials(dev transport.HIDDevice, cid [4]byte, token []byte, rp rpEntity) ([]Credential, error) {
	params, err := ctapMarshal(enumerateCredsParams{ID: rp.ID})
	if err != nil {
		return nil, err
	}
	reply, err := c.credMgmt(dev, cid, credSubEnumerateCredsBegin, params, token)
	if err != nil {
		return nil, err
	}
	if reply.CredentialID == nil {
		return nil, nil
	}

	creds := []Credential{credentialFromReply(rp, reply)}
	total := uint32(1)
	if reply.Total != nil {
		total = *reply.Total
	}
	for i := uint32(1); i < total; i++ {
		next, err := c.credMgmt(dev, cid, credSubEnumerateCredsNext, nil, nil)
		if err != nil {
			return nil, err
		}
		if next.CredentialID == nil {
			return nil, fmt.Errorf("credential %d missing from enumeration", i)
		}
		creds = append(creds, credentialFromReply(rp, next))
	}
	return creds, nil
}

// credentialFromReply flattens one enumeration entry. Unknown reply fields
// are ignored by decoding.
func credentialFromReply(rp rpEntity, reply *credMgmtReply) Credential {
	cred := Credential{
		RPID:        rp.ID,
		RPName:      rp.Name,
		CredProtect: reply.CredProtect,
	}
	if reply.User != nil {
		cred.UserID = hex.EncodeToString(reply.User.ID)
		cred.UserName = reply.User.Name
		cred.UserDisplayName = reply.User.DisplayName
	}
	if reply.CredentialID != nil {
		cred.CredentialID = hex.EncodeToString(reply.CredentialID.ID)
	}
	if len(reply.PublicKey) > 0 {
		cred.PublicKey = fmt.Sprintf("COSE_Key(%s)", hex.EncodeToString(reply.PublicKey))
	}
	return cred
}
