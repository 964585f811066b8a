package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type discriminators.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// Frame is a parsed OCPP-J wire frame. Exactly one of the payload fields is
// meaningful depending on Type:
//
//	CALL       [2, uniqueId, action, payload]
//	CALLRESULT [3, uniqueId, payload]
//	CALLERROR  [4, uniqueId, errorCode, errorDescription, errorDetails]
type Frame struct {
	Type             int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     map[string]interface{}
}

// ParseFrame decodes raw bytes into a Frame, enforcing the OCPP-J array shape.
func ParseFrame(raw []byte) (*Frame, error) {
	var msg []json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, NewError(ErrorProtocolError, fmt.Sprintf("invalid OCPP message: %v", err))
	}
	if len(msg) < 3 {
		return nil, NewError(ErrorProtocolError, "OCPP message too short")
	}

	f := &Frame{}
	if err := json.Unmarshal(msg[0], &f.Type); err != nil {
		return nil, NewError(ErrorProtocolError, "invalid message type")
	}
	if err := json.Unmarshal(msg[1], &f.UniqueID); err != nil {
		return nil, NewError(ErrorProtocolError, "invalid unique id")
	}

	switch f.Type {
	case CallMessage:
		if len(msg) < 4 {
			return nil, NewError(ErrorProtocolError, "CALL frame requires action and payload")
		}
		if err := json.Unmarshal(msg[2], &f.Action); err != nil {
			return nil, NewError(ErrorProtocolError, "invalid action")
		}
		f.Payload = msg[3]
	case CallResultMessage:
		f.Payload = msg[2]
	case CallErrorMessage:
		if err := json.Unmarshal(msg[2], &f.ErrorCode); err != nil {
			return nil, NewError(ErrorProtocolError, "invalid error code")
		}
		if len(msg) > 3 {
			if err := json.Unmarshal(msg[3], &f.ErrorDescription); err != nil {
				return nil, NewError(ErrorProtocolError, "invalid error description")
			}
		}
		if len(msg) > 4 {
			// Details are best-effort; a null or malformed object is tolerated.
			_ = json.Unmarshal(msg[4], &f.ErrorDetails)
		}
	default:
		return nil, NewError(ErrorProtocolError, fmt.Sprintf("unknown message type %d", f.Type))
	}

	return f, nil
}

// MarshalCall encodes a CALL frame.
func MarshalCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{CallMessage, uniqueID, action, payload})
}

// MarshalCallResult encodes a CALLRESULT frame.
func MarshalCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{CallResultMessage, uniqueID, payload})
}

// MarshalCallError encodes a CALLERROR frame.
func MarshalCallError(uniqueID string, e *Error) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{CallErrorMessage, uniqueID, e.Code, e.Description, details})
}
