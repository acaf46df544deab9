// Package fido2 is the CTAP2 client: channel allocation and framing over
// CTAPHID, the PIN/UV Auth v1 protocol, and the credential management
// profile.
package fido2

import (
	"encoding/hex"
	"fmt"

	"github.com/karalabe/hid"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/rainzhang05/sk-manager-extension/device"
)

var log = logging.MustGetLogger("fido2")

// CTAP2 command bytes.
const (
	ctap2GetInfo       = 0x04
	ctap2ClientPin     = 0x06
	ctap2Reset         = 0x07
	ctap2CredentialMgmt = 0x0A
)

// Credential management subcommands.
const (
	credSubEnumerateRpsBegin   = 0x02
	credSubEnumerateRpsNext    = 0x03
	credSubEnumerateCredsBegin = 0x04
	credSubEnumerateCredsNext  = 0x05
	credSubDeleteCredential    = 0x06
)

var ErrPinRequired = fmt.Errorf("PIN required")

// Client drives CTAP2 conversations over handles leased from the device
// manager. A fresh channel is allocated per operation.
type Client struct {
	mgr      *device.Manager
	timeouts Timeouts
}

func NewClient(mgr *device.Manager, timeouts Timeouts) *Client {
	return &Client{mgr: mgr, timeouts: timeouts}
}

// Info is the decoded GET_INFO reply.
type Info struct {
	Versions                     []string `json:"versions"`
	Extensions                   []string `json:"extensions"`
	AAGUID                       string   `json:"aaguid"`
	Options                      Options  `json:"options"`
	MaxMsgSize                   *uint32  `json:"max_msg_size"`
	PinProtocols                 []uint8  `json:"pin_protocols"`
	MaxCredentialCountInList     *uint32  `json:"max_credential_count_in_list"`
	MaxCredentialIDLength        *uint32  `json:"max_credential_id_length"`
	Transports                   []string `json:"transports"`
	Algorithms                   []string `json:"algorithms"`
	MaxAuthenticatorConfigLength *uint32  `json:"max_authenticator_config_length"`
	DefaultCredProtect           *uint8   `json:"default_cred_protect"`
}

type Options struct {
	Plat      bool  `json:"plat"`
	RK        bool  `json:"rk"`
	ClientPin *bool `json:"client_pin"`
	UP        bool  `json:"up"`
	UV        *bool `json:"uv"`
}

type PinRetries struct {
	Retries            uint8 `json:"retries"`
	PowerCycleRequired bool  `json:"power_cycle_required"`
}

type Credential struct {
	RPID            string `json:"rp_id"`
	RPName          string `json:"rp_name"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	UserDisplayName string `json:"user_display_name"`
	CredentialID    string `json:"credential_id"`
	PublicKey       string `json:"public_key,omitempty"`
	CredProtect     *uint8 `json:"cred_protect,omitempty"`
}

// GetInfo issues GET_INFO and decodes the reply map.
func (c *Client) GetInfo(deviceID string) (*Info, error) {
	log.Debugf("getting authenticator info for %s", deviceID)

	var info *Info
	err := c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		resp, err := exchangeCBOR(dev, cid, ctap2GetInfo, nil, c.timeouts)
		if err != nil {
			return err
		}
		info, err = parseGetInfo(resp)
		return err
	})
	return info, err
}

// GetPinRetries reads the remaining PIN retry count.
func (c *Client) GetPinRetries(deviceID string) (*PinRetries, error) {
	log.Debugf("getting PIN retries for %s", deviceID)

	var retries *PinRetries
	err := c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		body, err := ctapMarshal(clientPinRequest{PinProtocol: 1, SubCommand: pinSubGetRetries})
		if err != nil {
			return err
		}
		resp, err := exchangeCBOR(dev, cid, ctap2ClientPin, body, c.timeouts)
		if err != nil {
			return err
		}
		var reply clientPinReply
		if err := ctapUnmarshal(resp, &reply); err != nil {
			return err
		}
		if reply.Retries == nil {
			return fmt.Errorf("retries missing from clientPIN reply")
		}
		retries = &PinRetries{Retries: *reply.Retries}
		if reply.PowerCycle != nil {
			retries.PowerCycleRequired = *reply.PowerCycle
		}
		return nil
	})
	return retries, err
}

// SetPin sets the initial PIN. Length constraints are enforced before any
// cryptographic operation or I/O.
func (c *Client) SetPin(deviceID, newPin string) error {
	if err := validatePin(newPin); err != nil {
		return err
	}
	log.Debugf("setting PIN on %s", deviceID)

	return c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		session, err := newPinSession(dev, cid, c.timeouts)
		if err != nil {
			return err
		}
		defer session.destroy()
		return session.setPin(dev, cid, newPin, c.timeouts)
	})
}

// ChangePin replaces the current PIN with a new one.
func (c *Client) ChangePin(deviceID, currentPin, newPin string) error {
	if err := validatePin(currentPin); err != nil {
		return err
	}
	if err := validatePin(newPin); err != nil {
		return err
	}
	log.Debugf("changing PIN on %s", deviceID)

	return c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		session, err := newPinSession(dev, cid, c.timeouts)
		if err != nil {
			return err
		}
		defer session.destroy()
		return session.changePin(dev, cid, currentPin, newPin, c.timeouts)
	})
}

// ListCredentials enumerates resident credentials grouped by relying party.
// Without a PIN the device is not contacted and the list is empty.
func (c *Client) ListCredentials(deviceID, pin string) ([]Credential, error) {
	if pin == "" {
		log.Debugf("no PIN supplied, returning empty credential list")
		return []Credential{}, nil
	}
	if err := validatePin(pin); err != nil {
		return nil, err
	}
	log.Debugf("listing credentials on %s", deviceID)

	credentials := []Credential{}
	err := c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		session, err := newPinSession(dev, cid, c.timeouts)
		if err != nil {
			return err
		}
		defer session.destroy()
		token, err := session.getPinToken(dev, cid, pin, c.timeouts)
		if err != nil {
			return err
		}

		rps, err := c.enumerateRps(dev, cid, token)
		if err != nil {
			return err
		}
		for _, rp := range rps {
			creds, err := c.enumerateRpCredentials(dev, cid, token, rp)
			if err != nil {
				return err
			}
			credentials = append(credentials, creds...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credentials, nil
}

// DeleteCredential removes one resident credential by its hex-encoded id.
func (c *Client) DeleteCredential(deviceID, credentialIDHex, pin string) error {
	if pin == "" {
		return ErrPinRequired
	}
	if err := validatePin(pin); err != nil {
		return err
	}
	credentialID, err := hex.DecodeString(credentialIDHex)
	if err != nil {
		return fmt.Errorf("credential id is not valid hex: %v", err)
	}
	log.Debugf("deleting credential on %s", deviceID)

	return c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		session, err := newPinSession(dev, cid, c.timeouts)
		if err != nil {
			return err
		}
		defer session.destroy()
		token, err := session.getPinToken(dev, cid, pin, c.timeouts)
		if err != nil {
			return err
		}

		params, err := ctapMarshal(deleteCredentialParams{
			CredentialDescriptor: credentialDescriptor{
				ID:   credentialID,
				Type: "public-key",
			},
		})
		if err != nil {
			return err
		}
		_, err = c.credMgmt(dev, cid, credSubDeleteCredential, params, token)
		return err
	})
}

// ResetDevice issues RESET; the authenticator requires a fresh power cycle
// and user presence, both its concern.
func (c *Client) ResetDevice(deviceID string) error {
	log.Debugf("resetting authenticator %s", deviceID)

	return c.mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid, err := AllocateChannel(dev)
		if err != nil {
			return err
		}
		_, err = exchangeCBOR(dev, cid, ctap2Reset, nil, c.timeouts)
		return err
	})
}

func formatAAGUID(raw []byte) string {
	if len(raw) != 16 {
		return uuid.Nil.String()
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil.String()
	}
	return id.String()
}
