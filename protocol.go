package skm

import (
	"encoding/json"
	"fmt"

	"github.com/rainzhang05/sk-manager-extension/device"
	"github.com/rainzhang05/sk-manager-extension/fido2"
	"github.com/rainzhang05/sk-manager-extension/piv"
	"github.com/rainzhang05/sk-manager-extension/probe"
)

// Request is one message from the front-end. Params stays raw until the
// dispatcher knows which command it carries.
type Request struct {
	ID      uint32          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     uint32      `json:"id"`
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func SuccessResponse(id uint32, result interface{}) *Response {
	return &Response{
		ID:     id,
		Status: "ok",
		Result: result,
	}
}

func ErrorResponse(id uint32, code string, err error) *Response {
	return &Response{
		ID:     id,
		Status: "error",
		Error: &ErrorInfo{
			Code:    code,
			Message: err.Error(),
		},
	}
}

//	per-command parameter objects

type DeviceParams struct {
	DeviceID string `json:"deviceId"`
}

type SendHIDParams struct {
	DeviceID string `json:"deviceId"`
	Data     []int  `json:"data"`
}

type ReceiveHIDParams struct {
	DeviceID string `json:"deviceId"`
	Timeout  *int   `json:"timeout"`
}

type TransmitAPDUParams struct {
	DeviceID string `json:"deviceId"`
	APDU     []int  `json:"apdu"`
}

type SetPinParams struct {
	DeviceID string `json:"deviceId"`
	NewPin   string `json:"newPin"`
}

type ChangePinParams struct {
	DeviceID   string `json:"deviceId"`
	CurrentPin string `json:"currentPin"`
	NewPin     string `json:"newPin"`
}

type ListCredentialsParams struct {
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
}

type DeleteCredentialParams struct {
	DeviceID     string `json:"deviceId"`
	CredentialID string `json:"credentialId"`
	Pin          string `json:"pin"`
}

//	per-command results

type PingResult struct {
	Message string `json:"message"`
}

type VersionResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ListDevicesResult struct {
	Devices []device.Device `json:"devices"`
}

type OpenCloseResult struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
}

type SendHIDResult struct {
	BytesSent int `json:"bytesSent"`
}

type ReceiveHIDResult struct {
	Data []int `json:"data"`
}

type TransmitAPDUResult struct {
	Response []int `json:"response"`
}

type DetectProtocolsResult struct {
	Protocols probe.Support `json:"protocols"`
}

type Fido2InfoResult struct {
	Info *fido2.Info `json:"info"`
}

type Fido2PinRetriesResult struct {
	Retries *fido2.PinRetries `json:"retries"`
}

type Fido2CredentialsResult struct {
	Credentials []fido2.Credential `json:"credentials"`
}

type PivDataResult struct {
	Info        *piv.Info     `json:"info"`
	ActivityLog []piv.APDULog `json:"activityLog"`
}

type PivSelectResult struct {
	Selected bool `json:"selected"`
}

// OctetsToBytes converts a JSON array of octets into raw bytes, rejecting
// anything outside 0..255.
func OctetsToBytes(octets []int) ([]byte, error) {
	out := make([]byte, len(octets))
	for i, v := range octets {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("octet %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func BytesToOctets(data []byte) []int {
	out := make([]int, len(data))
	for i, b := range data {
		out[i] = int(b)
	}
	return out
}
