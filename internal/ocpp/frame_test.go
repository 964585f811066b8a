package ocpp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFrame_Call(t *testing.T) {
	raw := []byte(`[2,"msg-1","BootNotification",{"chargePointVendor":"Acme"}]`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.Type != CallMessage {
		t.Errorf("expected type %d, got %d", CallMessage, f.Type)
	}
	if f.UniqueID != "msg-1" {
		t.Errorf("expected unique id 'msg-1', got '%s'", f.UniqueID)
	}
	if f.Action != "BootNotification" {
		t.Errorf("expected action 'BootNotification', got '%s'", f.Action)
	}
	var payload map[string]string
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if payload["chargePointVendor"] != "Acme" {
		t.Errorf("expected vendor 'Acme', got '%s'", payload["chargePointVendor"])
	}
}

func TestParseFrame_CallResult(t *testing.T) {
	raw := []byte(`[3,"msg-2",{"status":"Accepted"}]`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.Type != CallResultMessage {
		t.Errorf("expected type %d, got %d", CallResultMessage, f.Type)
	}
	if f.UniqueID != "msg-2" {
		t.Errorf("expected unique id 'msg-2', got '%s'", f.UniqueID)
	}
}

func TestParseFrame_CallError(t *testing.T) {
	raw := []byte(`[4,"msg-3","NotImplemented","no such action",{"detail":1}]`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.Type != CallErrorMessage {
		t.Errorf("expected type %d, got %d", CallErrorMessage, f.Type)
	}
	if f.ErrorCode != ErrorNotImplemented {
		t.Errorf("expected error code NotImplemented, got '%s'", f.ErrorCode)
	}
	if f.ErrorDescription != "no such action" {
		t.Errorf("expected description 'no such action', got '%s'", f.ErrorDescription)
	}
	if f.ErrorDetails["detail"] != float64(1) {
		t.Errorf("expected detail 1, got %v", f.ErrorDetails["detail"])
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"foo":"bar"}`},
		{"too short", `[2,"id"]`},
		{"unknown type", `[9,"id",{}]`},
		{"call without payload", `[2,"id","Heartbeat"]`},
		{"non numeric type", `["two","id",{}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tc.raw)); err == nil {
				t.Errorf("expected error for %s", tc.raw)
			}
		})
	}
}

func TestMarshalCall_NilPayload(t *testing.T) {
	data, err := MarshalCall("id-1", "Heartbeat", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.HasSuffix(string(data), `"Heartbeat",{}]`) {
		t.Errorf("expected empty object payload, got %s", data)
	}
}

func TestMarshalCallError_RoundTrip(t *testing.T) {
	data, err := MarshalCallError("id-2", NewError(ErrorGenericError, "boom"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("expected frame to parse, got %v", err)
	}
	if f.ErrorCode != ErrorGenericError {
		t.Errorf("expected GenericError, got '%s'", f.ErrorCode)
	}
	if f.ErrorDescription != "boom" {
		t.Errorf("expected description 'boom', got '%s'", f.ErrorDescription)
	}
}
