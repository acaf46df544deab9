// Package piv reads the PIV card application: SELECT, data-object retrieval
// with response chaining, and an activity log of every APDU issued.
package piv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ebfe/scard"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/rainzhang05/sk-manager-extension/device"
	"github.com/rainzhang05/sk-manager-extension/transport"
)

var log = logging.MustGetLogger("piv")

// PIV application identifier (NIST SP 800-73).
var pivAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08}

// PIV data object tags.
var (
	tagDiscovery    = []byte{0x7E}
	tagCHUID        = []byte{0x5F, 0xC1, 0x02}
	tagCertPivAuth  = []byte{0x5F, 0xC1, 0x05}
	tagCertCardAuth = []byte{0x5F, 0xC1, 0x01}
	tagCertDigSig   = []byte{0x5F, 0xC1, 0x0A}
	tagCertKeyMgmt  = []byte{0x5F, 0xC1, 0x0B}
)

const (
	insSelect      = 0xA4
	insGetData     = 0xCB
	insGetResponse = 0xC0
)

// LogStatus classifies one logged APDU exchange.
type LogStatus int

const (
	StatusOK LogStatus = iota
	StatusMoreData
	StatusError
)

func (s LogStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusMoreData:
		return "MORE_DATA"
	default:
		return "ERROR"
	}
}

func (s LogStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// APDULog records one APDU exchange, GET RESPONSE follow-ups included.
type APDULog struct {
	Command     string    `json:"command"`
	CommandHex  string    `json:"command_hex"`
	ResponseHex string    `json:"response_hex"`
	SW1         byte      `json:"sw1"`
	SW2         byte      `json:"sw2"`
	Status      LogStatus `json:"status"`
	Description string    `json:"description"`
}

type Info struct {
	Selected     bool          `json:"selected"`
	CHUID        *string       `json:"chuid"`
	Discovery    *Discovery    `json:"discovery"`
	Certificates []Certificate `json:"certificates"`
}

type Discovery struct {
	PIVCardApplicationAID *string `json:"piv_card_application_aid"`
	PinUsagePolicy        *string `json:"pin_usage_policy"`
}

// Certificate is one slot's record. Data is opaque hex; the host does not
// verify X.509.
type Certificate struct {
	Slot            string  `json:"slot"`
	SlotName        string  `json:"slot_name"`
	Present         bool    `json:"present"`
	CertificateData *string `json:"certificate_data"`
}

// Result pairs the structured info with the APDU activity log.
type Result struct {
	Info        *Info
	ActivityLog []APDULog
}

// Client reads PIV data over handles leased from the device manager.
type Client struct {
	mgr *device.Manager
}

func NewClient(mgr *device.Manager) *Client {
	return &Client{mgr: mgr}
}

func bytesToHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func buildSelectAPDU(aid []byte) []byte {
	apdu := []byte{0x00, insSelect, 0x04, 0x00, byte(len(aid))}
	return append(apdu, aid...)
}

func buildGetDataAPDU(tag []byte) []byte {
	data := append([]byte{0x5C, byte(len(tag))}, tag...)
	apdu := []byte{0x00, insGetData, 0x3F, 0xFF, byte(len(data))}
	apdu = append(apdu, data...)
	return append(apdu, 0x00)
}

func buildGetResponseAPDU(le byte) []byte {
	return []byte{0x00, insGetResponse, 0x00, 0x00, le}
}

func logStatus(sw1, sw2 byte) LogStatus {
	switch {
	case sw1 == 0x90 && sw2 == 0x00:
		return StatusOK
	case sw1 == 0x61:
		return StatusMoreData
	default:
		return StatusError
	}
}

func appendLog(activity *[]APDULog, command string, apdu, response []byte, sw1, sw2 byte) {
	*activity = append(*activity, APDULog{
		Command:     command,
		CommandHex:  bytesToHex(apdu),
		ResponseHex: bytesToHex(response),
		SW1:         sw1,
		SW2:         sw2,
		Status:      logStatus(sw1, sw2),
		Description: DescribeStatusWord(sw1, sw2),
	})
}

// transmitChained issues one APDU and follows 61 XX response chaining with
// GET RESPONSE until 90 00. A 6A 82 on the initial command yields an empty
// body: optional data objects may simply be absent.
func transmitChained(card transport.Card, apdu []byte, command string, activity *[]APDULog) ([]byte, error) {
	log.Debugf("transmitting %s: %s", command, bytesToHex(apdu))

	resp, err := transport.TransmitAPDU(card, apdu)
	if err != nil {
		return nil, err
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	body := append([]byte(nil), resp[:len(resp)-2]...)
	appendLog(activity, command, apdu, resp, sw1, sw2)

	for sw1 == 0x61 {
		getResponse := buildGetResponseAPDU(sw2)
		chunk, err := transport.TransmitAPDU(card, getResponse)
		if err != nil {
			return nil, err
		}
		sw1, sw2 = chunk[len(chunk)-2], chunk[len(chunk)-1]
		body = append(body, chunk[:len(chunk)-2]...)
		appendLog(activity, command+" (GET RESPONSE)", getResponse, chunk, sw1, sw2)

		if sw1 != 0x90 && sw1 != 0x61 {
			return nil, &SWError{SW1: sw1, SW2: sw2}
		}
	}

	if sw1 != 0x90 || sw2 != 0x00 {
		if sw1 == 0x6A && sw2 == 0x82 {
			return nil, nil
		}
		return nil, &SWError{SW1: sw1, SW2: sw2}
	}
	return body, nil
}

// GetData selects the PIV application and retrieves Discovery, CHUID, and
// the four certificate slots, returning the parsed info alongside the
// complete APDU activity log.
func (c *Client) GetData(deviceID string) (*Result, error) {
	log.Infof("reading PIV data from %s", deviceID)

	result := &Result{
		Info:        &Info{Certificates: []Certificate{}},
		ActivityLog: []APDULog{},
	}
	err := c.mgr.WithCCID(deviceID, func(card *scard.Card) error {
		return c.getData(card, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) getData(card transport.Card, result *Result) error {
	info := result.Info
	activity := &result.ActivityLog

	if _, err := transmitChained(card, buildSelectAPDU(pivAID), "SELECT PIV Application", activity); err != nil {
		return err
	}
	if last := (*activity)[len(*activity)-1]; last.Status != StatusOK {
		return &SWError{SW1: last.SW1, SW2: last.SW2}
	}
	info.Selected = true

	// Discovery and CHUID are optional objects; their absence is recorded,
	// not raised.
	if data, err := transmitChained(card, buildGetDataAPDU(tagDiscovery), "GET DATA (Discovery Object)", activity); err != nil {
		log.Warningf("discovery object: %v", err)
	} else if len(data) > 0 {
		info.Discovery = parseDiscovery(data)
	}

	if data, err := transmitChained(card, buildGetDataAPDU(tagCHUID), "GET DATA (CHUID)", activity); err != nil {
		log.Warningf("chuid: %v", err)
	} else if len(data) > 0 {
		info.CHUID = parseCHUID(data)
	}

	slots := []struct {
		slot, name string
		tag        []byte
	}{
		{"9A", "PIV Authentication", tagCertPivAuth},
		{"9E", "Card Authentication", tagCertCardAuth},
		{"9C", "Digital Signature", tagCertDigSig},
		{"9D", "Key Management", tagCertKeyMgmt},
	}
	for _, s := range slots {
		cert := Certificate{Slot: s.slot, SlotName: s.name}
		data, err := transmitChained(card, buildGetDataAPDU(s.tag), fmt.Sprintf("GET DATA (Certificate %s)", s.slot), activity)
		if err != nil {
			log.Debugf("certificate %s: %v", s.slot, err)
		} else if raw := extractCertificate(data); raw != nil {
			cert.Present = true
			hexData := bytesToHex(raw)
			cert.CertificateData = &hexData
		}
		info.Certificates = append(info.Certificates, cert)
	}

	log.Infof("PIV data retrieval complete, %d APDU(s) executed", len(*activity))
	return nil
}

// Select selects the PIV application and reports whether the card accepted
// it.
func (c *Client) Select(deviceID string) (bool, error) {
	log.Debugf("selecting PIV application on %s", deviceID)

	selected := false
	err := c.mgr.WithCCID(deviceID, func(card *scard.Card) error {
		var activity []APDULog
		if _, err := transmitChained(card, buildSelectAPDU(pivAID), "SELECT PIV Application", &activity); err != nil {
			return err
		}
		last := activity[len(activity)-1]
		selected = last.SW1 == 0x90 && last.SW2 == 0x00
		return nil
	})
	if err != nil {
		return false, err
	}
	return selected, nil
}

func parseDiscovery(data []byte) *Discovery {
	discovery := &Discovery{}
	outer, ok := findTag(parseTLV(data), 0x7E)
	if !ok {
		return discovery
	}
	for _, entry := range parseTLV(outer) {
		switch {
		case len(entry.tag) == 1 && entry.tag[0] == 0x4F:
			aid := bytesToHex(entry.value)
			discovery.PIVCardApplicationAID = &aid
		case len(entry.tag) == 2 && entry.tag[0] == 0x5F && entry.tag[1] == 0x2F:
			policy := bytesToHex(entry.value)
			discovery.PinUsagePolicy = &policy
		}
	}
	return discovery
}

// parseCHUID digs the 16-octet GUID (inner tag 34) out of the CHUID object
// and formats it as a canonical UUID. When the GUID is absent the whole
// object is reported as hex.
func parseCHUID(data []byte) *string {
	if outer, ok := findTag(parseTLV(data), 0x53); ok {
		if guid, ok := findTag(parseTLV(outer), 0x34); ok && len(guid) == 16 {
			if id, err := uuid.FromBytes(guid); err == nil {
				formatted := id.String()
				return &formatted
			}
		}
	}
	fallback := bytesToHex(data)
	return &fallback
}
