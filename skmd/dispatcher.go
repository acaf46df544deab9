package skmd

import (
	"encoding/json"
	"fmt"

	skm "github.com/rainzhang05/sk-manager-extension"
	"github.com/rainzhang05/sk-manager-extension/device"
	"github.com/rainzhang05/sk-manager-extension/fido2"
	"github.com/rainzhang05/sk-manager-extension/piv"
	"github.com/rainzhang05/sk-manager-extension/probe"
	"github.com/rainzhang05/sk-manager-extension/transport"

	"github.com/ebfe/scard"
	"github.com/karalabe/hid"
)

// Dispatcher resolves command names to operations. It owns the single
// DeviceManager instance and passes it by reference into every call.
type Dispatcher struct {
	mgr           *device.Manager
	fido          *fido2.Client
	piv           *piv.Client
	hidReadMs     int
}

func NewDispatcher(cfg skm.Config) *Dispatcher {
	mgr := device.NewManager(cfg.Readers.ExtraMatches)
	timeouts := fido2.Timeouts{
		FirstMs:        cfg.CtapFirstTimeoutMs(),
		ContinuationMs: cfg.CtapContinuationTimeoutMs(),
	}
	return &Dispatcher{
		mgr:       mgr,
		fido:      fido2.NewClient(mgr, timeouts),
		piv:       piv.NewClient(mgr),
		hidReadMs: cfg.HIDReadTimeoutMs(),
	}
}

// Shutdown releases every OS handle the manager still holds.
func (d *Dispatcher) Shutdown() {
	d.mgr.Close()
}

func invalidParams(id uint32, why string) *skm.Response {
	return skm.ErrorResponse(id, skm.ErrorInvalidParams, fmt.Errorf("%s", why))
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(raw, v)
}

// Dispatch handles one request and always produces a response.
func (d *Dispatcher) Dispatch(req *skm.Request) *skm.Response {
	log.Debugf("handling %s (id %d)", req.Command, req.ID)

	switch req.Command {
	case "ping":
		return skm.SuccessResponse(req.ID, skm.PingResult{Message: "pong"})
	case "getVersion":
		return skm.SuccessResponse(req.ID, skm.VersionResult{
			Name:    skm.HostName,
			Version: skm.CURRENT_VERSION.String(),
		})
	case "listDevices":
		return skm.SuccessResponse(req.ID, skm.ListDevicesResult{Devices: d.mgr.ListDevices()})
	case "openDevice":
		return d.handleOpenDevice(req)
	case "closeDevice":
		return d.handleCloseDevice(req)
	case "sendHid":
		return d.handleSendHid(req)
	case "receiveHid":
		return d.handleReceiveHid(req)
	case "transmitApdu":
		return d.handleTransmitApdu(req)
	case "detectProtocols":
		return d.handleDetectProtocols(req)
	case "fido2GetInfo":
		return d.handleFido2GetInfo(req)
	case "fido2GetPinRetries":
		return d.handleFido2GetPinRetries(req)
	case "fido2SetPin":
		return d.handleFido2SetPin(req)
	case "fido2ChangePin":
		return d.handleFido2ChangePin(req)
	case "fido2ListCredentials":
		return d.handleFido2ListCredentials(req)
	case "fido2DeleteCredential":
		return d.handleFido2DeleteCredential(req)
	case "fido2ResetDevice":
		return d.handleFido2ResetDevice(req)
	case "pivGetData":
		return d.handlePivGetData(req)
	case "pivSelect":
		return d.handlePivSelect(req)
	default:
		return skm.ErrorResponse(req.ID, skm.ErrorUnknownCommand, fmt.Errorf("unknown command: %s", req.Command))
	}
}

func (d *Dispatcher) deviceIDParam(req *skm.Request) (string, *skm.Response) {
	var params skm.DeviceParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" {
		return "", invalidParams(req.ID, "missing deviceId parameter")
	}
	return params.DeviceID, nil
}

func (d *Dispatcher) handleOpenDevice(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	if err := d.mgr.OpenDevice(deviceID); err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorDeviceOpen, err)
	}
	return skm.SuccessResponse(req.ID, skm.OpenCloseResult{Success: true, DeviceID: deviceID})
}

func (d *Dispatcher) handleCloseDevice(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	if err := d.mgr.CloseDevice(deviceID); err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorDeviceClose, err)
	}
	return skm.SuccessResponse(req.ID, skm.OpenCloseResult{Success: true, DeviceID: deviceID})
}

func (d *Dispatcher) handleSendHid(req *skm.Request) *skm.Response {
	var params skm.SendHIDParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" {
		return invalidParams(req.ID, "missing deviceId or data parameter")
	}
	data, err := skm.OctetsToBytes(params.Data)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}

	var sent int
	err = d.mgr.WithHID(params.DeviceID, func(dev hid.Device) error {
		var err error
		sent, err = transport.SendHID(dev, data)
		return err
	})
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorHIDSend, err)
	}
	return skm.SuccessResponse(req.ID, skm.SendHIDResult{BytesSent: sent})
}

func (d *Dispatcher) handleReceiveHid(req *skm.Request) *skm.Response {
	var params skm.ReceiveHIDParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" {
		return invalidParams(req.ID, "missing deviceId parameter")
	}
	timeout := d.hidReadMs
	if params.Timeout != nil && *params.Timeout > 0 {
		timeout = *params.Timeout
	}

	var data []byte
	err := d.mgr.WithHID(params.DeviceID, func(dev hid.Device) error {
		var err error
		data, err = transport.ReceiveHID(dev, timeout)
		return err
	})
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorHIDReceive, err)
	}
	return skm.SuccessResponse(req.ID, skm.ReceiveHIDResult{Data: skm.BytesToOctets(data)})
}

func (d *Dispatcher) handleTransmitApdu(req *skm.Request) *skm.Response {
	var params skm.TransmitAPDUParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" {
		return invalidParams(req.ID, "missing deviceId or apdu parameter")
	}
	apdu, err := skm.OctetsToBytes(params.APDU)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}

	var response []byte
	err = d.mgr.WithCCID(params.DeviceID, func(card *scard.Card) error {
		var err error
		response, err = transport.TransmitAPDU(card, apdu)
		return err
	})
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorAPDUTransmit, err)
	}
	return skm.SuccessResponse(req.ID, skm.TransmitAPDUResult{Response: skm.BytesToOctets(response)})
}

func (d *Dispatcher) handleDetectProtocols(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	return skm.SuccessResponse(req.ID, skm.DetectProtocolsResult{Protocols: probe.Detect(d.mgr, deviceID)})
}

func (d *Dispatcher) handleFido2GetInfo(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	info, err := d.fido.GetInfo(deviceID)
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorFido2GetInfo, err)
	}
	return skm.SuccessResponse(req.ID, skm.Fido2InfoResult{Info: info})
}

func (d *Dispatcher) handleFido2GetPinRetries(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	retries, err := d.fido.GetPinRetries(deviceID)
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorFido2GetPinRetries, err)
	}
	return skm.SuccessResponse(req.ID, skm.Fido2PinRetriesResult{Retries: retries})
}

func (d *Dispatcher) handleFido2SetPin(req *skm.Request) *skm.Response {
	var params skm.SetPinParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" || params.NewPin == "" {
		return invalidParams(req.ID, "missing deviceId or newPin parameter")
	}
	if err := d.fido.SetPin(params.DeviceID, params.NewPin); err != nil {
		if err == fido2.ErrPinLength {
			return skm.ErrorResponse(req.ID, skm.ErrorInvalidParams, err)
		}
		return skm.ErrorResponse(req.ID, skm.ErrorFido2SetPin, err)
	}
	return skm.SuccessResponse(req.ID, nil)
}

func (d *Dispatcher) handleFido2ChangePin(req *skm.Request) *skm.Response {
	var params skm.ChangePinParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" || params.CurrentPin == "" || params.NewPin == "" {
		return invalidParams(req.ID, "missing deviceId, currentPin, or newPin parameter")
	}
	if err := d.fido.ChangePin(params.DeviceID, params.CurrentPin, params.NewPin); err != nil {
		if err == fido2.ErrPinLength {
			return skm.ErrorResponse(req.ID, skm.ErrorInvalidParams, err)
		}
		return skm.ErrorResponse(req.ID, skm.ErrorFido2ChangePin, err)
	}
	return skm.SuccessResponse(req.ID, nil)
}

func (d *Dispatcher) handleFido2ListCredentials(req *skm.Request) *skm.Response {
	var params skm.ListCredentialsParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" {
		return invalidParams(req.ID, "missing deviceId parameter")
	}
	credentials, err := d.fido.ListCredentials(params.DeviceID, params.Pin)
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorFido2ListCredentials, err)
	}
	return skm.SuccessResponse(req.ID, skm.Fido2CredentialsResult{Credentials: credentials})
}

func (d *Dispatcher) handleFido2DeleteCredential(req *skm.Request) *skm.Response {
	var params skm.DeleteCredentialParams
	if err := decodeParams(req.Params, &params); err != nil || params.DeviceID == "" || params.CredentialID == "" {
		return invalidParams(req.ID, "missing deviceId or credentialId parameter")
	}
	if err := d.fido.DeleteCredential(params.DeviceID, params.CredentialID, params.Pin); err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorFido2DeleteCredential, err)
	}
	return skm.SuccessResponse(req.ID, nil)
}

func (d *Dispatcher) handleFido2ResetDevice(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	if err := d.fido.ResetDevice(deviceID); err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorFido2Reset, err)
	}
	return skm.SuccessResponse(req.ID, nil)
}

func (d *Dispatcher) handlePivGetData(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	result, err := d.piv.GetData(deviceID)
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorPivGetData, err)
	}
	return skm.SuccessResponse(req.ID, skm.PivDataResult{Info: result.Info, ActivityLog: result.ActivityLog})
}

func (d *Dispatcher) handlePivSelect(req *skm.Request) *skm.Response {
	deviceID, errResp := d.deviceIDParam(req)
	if errResp != nil {
		return errResp
	}
	selected, err := d.piv.Select(deviceID)
	if err != nil {
		return skm.ErrorResponse(req.ID, skm.ErrorPivSelect, err)
	}
	return skm.SuccessResponse(req.ID, skm.PivSelectResult{Selected: selected})
}
