package skm

// Symbolic error codes surfaced at the dispatcher boundary. The front-end
// branches on the code; the message is for humans.
const (
	ErrorInvalidParams          = "INVALID_PARAMS"
	ErrorUnknownCommand         = "UNKNOWN_COMMAND"
	ErrorInvalidRequest         = "INVALID_REQUEST"
	ErrorDeviceEnumeration      = "DEVICE_ENUMERATION_FAILED"
	ErrorDeviceOpen             = "DEVICE_OPEN_FAILED"
	ErrorDeviceClose            = "DEVICE_CLOSE_FAILED"
	ErrorHIDSend                = "HID_SEND_FAILED"
	ErrorHIDReceive             = "HID_RECEIVE_FAILED"
	ErrorAPDUTransmit           = "APDU_TRANSMIT_FAILED"
	ErrorProtocolDetection      = "PROTOCOL_DETECTION_FAILED"
	ErrorFido2GetInfo           = "FIDO2_GET_INFO_FAILED"
	ErrorFido2GetPinRetries     = "FIDO2_GET_PIN_RETRIES_FAILED"
	ErrorFido2SetPin            = "FIDO2_SET_PIN_FAILED"
	ErrorFido2ChangePin         = "FIDO2_CHANGE_PIN_FAILED"
	ErrorFido2ListCredentials   = "FIDO2_LIST_CREDENTIALS_FAILED"
	ErrorFido2DeleteCredential  = "FIDO2_DELETE_CREDENTIAL_FAILED"
	ErrorFido2Reset             = "FIDO2_RESET_FAILED"
	ErrorPivGetData             = "PIV_GET_DATA_FAILED"
	ErrorPivSelect              = "PIV_SELECT_FAILED"
)
