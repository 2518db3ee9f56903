package manifest

import (
	"errors"
	"testing"
)

func TestScanDirectives(t *testing.T) {
	source := []byte(`#!/bin/sh
# param msg
# param path
# requires -util common.sh
# requires -native result
# Requires -Become
# requires -version 3.2
echo hi
# a plain comment mentioning param names is ignored
`)

	d := Scan(source)

	if len(d.Params) != 2 || d.Params[0] != "msg" || d.Params[1] != "path" {
		t.Errorf("params: got %v", d.Params)
	}
	if len(d.Utils) != 1 || d.Utils[0] != "common.sh" {
		t.Errorf("utils: got %v", d.Utils)
	}
	if len(d.Natives) != 1 || d.Natives[0] != "result" {
		t.Errorf("natives: got %v", d.Natives)
	}
	if !d.Become {
		t.Error("become not detected")
	}
	if d.MinVersion != "3.2" {
		t.Errorf("min version: got %q", d.MinVersion)
	}
}

func TestScanNoDirectives(t *testing.T) {
	d := Scan([]byte("echo plain script\n"))
	if len(d.Params) != 0 || len(d.Utils) != 0 || d.Become || d.MinVersion != "" {
		t.Errorf("expected empty directives, got %+v", d)
	}
	if d.AcceptedParams() != nil {
		t.Error("AcceptedParams should be nil when nothing is declared")
	}
}

func TestScanScriptTransitiveUtils(t *testing.T) {
	m := &Manifest{
		Scripts: map[string]ScriptInfo{
			"mod.sh":    NewScriptInfo([]byte("# requires -util a.sh\necho\n"), "mod.sh"),
			"a.sh":      NewScriptInfo([]byte("# requires -util b.sh\n# requires -native result\n"), "a.sh"),
			"b.sh":      NewScriptInfo([]byte("# requires -version 4.0\n"), "b.sh"),
			"cycle.sh":  NewScriptInfo([]byte("# requires -util cycle.sh\n"), "cycle.sh"),
			"orphan.sh": NewScriptInfo([]byte("# requires -util missing.sh\n"), "orphan.sh"),
		},
		Actions: []Action{{Name: "mod.sh"}},
	}

	d, err := m.ScanScript("mod.sh")
	if err != nil {
		t.Fatalf("ScanScript failed: %v", err)
	}

	// Dependencies come before dependents.
	if len(d.Utils) != 2 || d.Utils[0] != "b.sh" || d.Utils[1] != "a.sh" {
		t.Errorf("utils order: got %v, want [b.sh a.sh]", d.Utils)
	}
	if len(d.Natives) != 1 || d.Natives[0] != "result" {
		t.Errorf("natives: got %v", d.Natives)
	}
	if d.MinVersion != "4.0" {
		t.Errorf("min version from util: got %q", d.MinVersion)
	}
}

func TestScanScriptCycle(t *testing.T) {
	m := &Manifest{
		Scripts: map[string]ScriptInfo{
			"x.sh": NewScriptInfo([]byte("# requires -util y.sh\n"), "x.sh"),
			"y.sh": NewScriptInfo([]byte("# requires -util x.sh\n"), "y.sh"),
		},
	}

	d, err := m.ScanScript("x.sh")
	if err != nil {
		t.Fatalf("ScanScript failed on cycle: %v", err)
	}
	if len(d.Utils) != 1 || d.Utils[0] != "y.sh" {
		t.Errorf("cyclic utils: got %v", d.Utils)
	}
}

func TestScanScriptMissingUtil(t *testing.T) {
	m := &Manifest{
		Scripts: map[string]ScriptInfo{
			"orphan.sh": NewScriptInfo([]byte("# requires -util missing.sh\n"), "orphan.sh"),
		},
	}

	_, err := m.ScanScript("orphan.sh")
	if !errors.Is(err, ErrUnknownScript) {
		t.Errorf("got %v, want ErrUnknownScript", err)
	}
}

func TestVersionOrdering(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"3.0", "", true},
		{"", "3.0", false},
		{"3.1", "3.0", true},
		{"3.0", "3.1", false},
		{"4", "3.9", true},
		{"3.10", "3.9", true},
		{"3.0", "3.0", false},
	}
	for _, tt := range tests {
		if got := newer(tt.a, tt.b); got != tt.want {
			t.Errorf("newer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
