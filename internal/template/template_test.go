package template

import (
	"encoding/json"
	"testing"
)

func TestStringList_SingleString(t *testing.T) {
	var s StringList
	if err := json.Unmarshal([]byte(`"ws://csms:8080/ocpp"`), &s); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(s) != 1 || s[0] != "ws://csms:8080/ocpp" {
		t.Errorf("expected single element list, got %v", s)
	}
}

func TestStringList_Array(t *testing.T) {
	var s StringList
	if err := json.Unmarshal([]byte(`["ws://a","ws://b"]`), &s); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(s) != 2 {
		t.Errorf("expected 2 elements, got %d", len(s))
	}
}

func TestPowerValues_At_WrapsAround(t *testing.T) {
	var p PowerValues
	if err := json.Unmarshal([]byte(`[11000,22000]`), &p); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.At(1) != 11000 {
		t.Errorf("expected 11000 for index 1, got %f", p.At(1))
	}
	if p.At(2) != 22000 {
		t.Errorf("expected 22000 for index 2, got %f", p.At(2))
	}
	if p.At(3) != 11000 {
		t.Errorf("expected wrap-around to 11000 for index 3, got %f", p.At(3))
	}
}

func TestPowerValues_SingleNumber(t *testing.T) {
	var p PowerValues
	if err := json.Unmarshal([]byte(`50000`), &p); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.At(7) != 50000 {
		t.Errorf("expected every index to yield 50000, got %f", p.At(7))
	}
}

func TestTemplate_Validate(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			"valid with connectors",
			`{"chargePointModel":"M","chargePointVendor":"V","power":22000,"Connectors":{"1":{}}}`,
			false,
		},
		{
			"valid with number of connectors",
			`{"chargePointModel":"M","chargePointVendor":"V","power":22000,"numberOfConnectors":2}`,
			false,
		},
		{
			"missing vendor",
			`{"chargePointModel":"M","power":22000,"Connectors":{"1":{}}}`,
			true,
		},
		{
			"both connectors and evses",
			`{"chargePointModel":"M","chargePointVendor":"V","power":22000,"Connectors":{"1":{}},"Evses":{"1":{"Connectors":{"1":{}}}}}`,
			true,
		},
		{
			"no connectors at all",
			`{"chargePointModel":"M","chargePointVendor":"V","power":22000}`,
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse([]byte(tc.raw))
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestTemplate_ATGConfiguration(t *testing.T) {
	raw := `{
		"chargePointModel": "M",
		"chargePointVendor": "V",
		"power": 22000,
		"numberOfConnectors": 1,
		"AutomaticTransactionGenerator": {
			"enable": true,
			"minDuration": 60,
			"maxDuration": 120,
			"probabilityOfStart": 0.8,
			"stopAfterHours": 0.5,
			"requireAuthorize": true
		}
	}`
	tmpl, err := parse([]byte(raw))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cfg := tmpl.AutomaticTransactionGenerator
	if cfg == nil {
		t.Fatal("expected ATG configuration, got nil")
	}
	if !cfg.Enable {
		t.Error("expected generator to be enabled")
	}
	if cfg.ProbabilityOfStart != 0.8 {
		t.Errorf("expected probability 0.8, got %f", cfg.ProbabilityOfStart)
	}
	if !cfg.RequireAuthorize {
		t.Error("expected requireAuthorize to be set")
	}
}
