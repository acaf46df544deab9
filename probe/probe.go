// Package probe asks a token which application profiles it speaks. Every
// per-capability failure is swallowed: a probe can only answer false, never
// fail.
package probe

import (
	"bytes"

	"github.com/ebfe/scard"
	"github.com/karalabe/hid"
	"github.com/op/go-logging"

	"github.com/rainzhang05/sk-manager-extension/device"
	"github.com/rainzhang05/sk-manager-extension/fido2"
	"github.com/rainzhang05/sk-manager-extension/transport"
)

var log = logging.MustGetLogger("probe")

// Support is the capability record for one device.
type Support struct {
	Fido2   bool `json:"fido2"`
	U2F     bool `json:"u2f"`
	PIV     bool `json:"piv"`
	OpenPGP bool `json:"openpgp"`
	OTP     bool `json:"otp"`
	NDEF    bool `json:"ndef"`
}

var (
	pivAID     = []byte{0xA0, 0x00, 0x00, 0x03, 0x08}
	openpgpAID = []byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01}
	ndefAID    = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
)

// probeTimeouts keeps detection snappy; nothing here waits on the user.
var probeTimeouts = fido2.Timeouts{FirstMs: 1000, ContinuationMs: 1000}

// Detect probes all six capabilities. Probes for the wrong transport kind
// fail fast with a lease error and read as unsupported.
func Detect(mgr *device.Manager, deviceID string) Support {
	log.Infof("detecting protocols on %s", deviceID)

	support := Support{
		Fido2:   detectFido2(mgr, deviceID),
		U2F:     detectU2F(mgr, deviceID),
		PIV:     detectSelect(mgr, deviceID, pivAID, "PIV"),
		OpenPGP: detectSelect(mgr, deviceID, openpgpAID, "OpenPGP"),
		OTP:     detectOTP(mgr, deviceID),
		NDEF:    detectSelect(mgr, deviceID, ndefAID, "NDEF"),
	}

	log.Infof("detection complete: fido2=%v u2f=%v piv=%v openpgp=%v otp=%v ndef=%v",
		support.Fido2, support.U2F, support.PIV, support.OpenPGP, support.OTP, support.NDEF)
	return support
}

// allocateOrBroadcast falls back to the broadcast channel when INIT fails.
// Non-standard, but some tokens answer probes on it anyway.
func allocateOrBroadcast(dev hid.Device) [4]byte {
	cid, err := fido2.AllocateChannel(dev)
	if err != nil {
		log.Debugf("channel allocation failed, probing on broadcast: %v", err)
		return [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
	}
	return cid
}

func detectFido2(mgr *device.Manager, deviceID string) bool {
	supported := false
	err := mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid := allocateOrBroadcast(dev)
		_, err := fido2.ProbeGetInfo(dev, cid, probeTimeouts)
		supported = err == nil
		return nil
	})
	if err != nil {
		log.Debugf("fido2 probe: %v", err)
		return false
	}
	return supported
}

// detectU2F pings the channel, then wraps the legacy VERSION APDU in a
// CTAPHID_MSG frame and looks for the U2F_V2 marker.
func detectU2F(mgr *device.Manager, deviceID string) bool {
	supported := false
	err := mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid := allocateOrBroadcast(dev)
		if _, err := fido2.ProbePing(dev, cid, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE}, probeTimeouts); err != nil {
			log.Debugf("u2f ping: %v", err)
		}

		versionAPDU := []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00}
		resp, err := fido2.ProbeMsg(dev, cid, versionAPDU, probeTimeouts)
		if err != nil {
			log.Debugf("u2f version: %v", err)
			return nil
		}
		supported = bytes.Contains(resp, []byte("U2F_V2"))
		return nil
	})
	if err != nil {
		log.Debugf("u2f probe: %v", err)
		return false
	}
	return supported
}

func detectSelect(mgr *device.Manager, deviceID string, aid []byte, name string) bool {
	supported := false
	err := mgr.WithCCID(deviceID, func(card *scard.Card) error {
		apdu := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}, aid...)
		resp, err := transport.TransmitAPDU(card, apdu)
		if err != nil {
			log.Debugf("%s select: %v", name, err)
			return nil
		}
		sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
		supported = sw1 == 0x90 && sw2 == 0x00
		return nil
	})
	if err != nil {
		log.Debugf("%s probe: %v", name, err)
		return false
	}
	return supported
}

// detectOTP emits the vendor status command but reports false regardless:
// the reply format is undocumented, so the conservative verdict stands
// until it is.
func detectOTP(mgr *device.Manager, deviceID string) bool {
	err := mgr.WithHID(deviceID, func(dev hid.Device) error {
		cid := allocateOrBroadcast(dev)
		vendorAPDU := []byte{0x00, 0x01, 0x00, 0x00, 0x00}
		if _, err := fido2.ProbeMsg(dev, cid, vendorAPDU, probeTimeouts); err != nil {
			log.Debugf("otp vendor command: %v", err)
		}
		return nil
	})
	if err != nil {
		log.Debugf("otp probe: %v", err)
	}
	return false
}
