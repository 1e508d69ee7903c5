package model

import (
	"encoding/json"
	"testing"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"critical", SeverityCritical, false},
		{" High ", SeverityHigh, false},
		{"LOW", SeverityLow, false},
		{"info", SeverityInfo, false},
		{"severe", SeverityInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSeverity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSeverity(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSeverityJSON(t *testing.T) {
	f := Finding{Layer: LayerValidation, Kind: KindDynamicExec, Severity: SeverityHigh}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["severity"] != "HIGH" {
		t.Errorf("severity encoded as %v, want HIGH", raw["severity"])
	}
}

func TestMappingKey(t *testing.T) {
	tests := []struct {
		f    Finding
		want string
	}{
		{Finding{Layer: LayerRisk, Kind: KindSignature, Ref: "ps-iex"}, "signature:ps-iex"},
		{Finding{Layer: LayerValidation, Kind: KindDynamicExec}, "finding:dynamic-exec-sink"},
		{Finding{Layer: LayerExecution, Kind: KindContainmentViolation}, "anomaly:containment-violation"},
	}
	for _, tt := range tests {
		if got := tt.f.MappingKey(); got != tt.want {
			t.Errorf("MappingKey() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseDialect(t *testing.T) {
	if d, err := ParseDialect(""); err != nil || d != DialectPowerShell {
		t.Errorf("empty dialect = %q, %v; want powershell", d, err)
	}
	if d, err := ParseDialect("bash"); err != nil || d != DialectPOSIX {
		t.Errorf("bash dialect = %q, %v; want posix", d, err)
	}
	if _, err := ParseDialect("cmd.exe"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(nil); got != SeverityInfo {
		t.Errorf("MaxSeverity(nil) = %s", got)
	}
	got := MaxSeverity([]Finding{{Severity: SeverityLow}, {Severity: SeverityHigh}, {Severity: SeverityMedium}})
	if got != SeverityHigh {
		t.Errorf("MaxSeverity = %s, want HIGH", got)
	}
}
