package exechost

import (
	"context"
	"fmt"
	"testing"

	"mvdan.cc/sh/v3/interp"
)

func TestRegistryDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	mod := Module{Name: "dup", Commands: map[string]NativeFunc{}}
	if err := r.Register(mod); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(mod); err == nil {
		t.Fatal("second register of same name must fail")
	}
}

func TestRegistryLoadUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("missing"); err == nil {
		t.Fatal("expected error for unregistered module")
	}
}

func TestNativeCommandDispatch(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Module{
		Name: "greeting",
		Commands: map[string]NativeFunc{
			"greet": func(ctx context.Context, args []string) error {
				hc := interp.HandlerCtx(ctx)
				fmt.Fprintf(hc.Stdout, "hello %s\n", args[1])
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	script := `printf '{"msg":"%s"}' "$(greet native)"`
	h := New("native.sh", WithRegistry(r), WithNatives([]string{"greeting"}))
	out := h.Run(context.Background(), script, nil)

	if out.Result.Failed {
		t.Fatalf("unexpected failure: %+v", out.Result)
	}
	if out.Result.Fields["msg"] != "hello native" {
		t.Errorf("native command output: got %v", out.Result.Fields["msg"])
	}
}

func TestNativeFallsThroughToExternal(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Module{Name: "empty", Commands: map[string]NativeFunc{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	h := New("passthru.sh", WithRegistry(r), WithNatives([]string{"empty"}))
	out := h.Run(context.Background(), `printf '{"msg":"%s"}' "$(echo still works)"`, nil)

	if out.Result.Failed {
		t.Fatalf("unexpected failure: %+v", out.Result)
	}
	if out.Result.Fields["msg"] != "still works" {
		t.Errorf("fallthrough output: got %v", out.Result.Fields["msg"])
	}
}

func TestUnknownNativeModuleFailsRun(t *testing.T) {
	h := New("missing.sh", WithNatives([]string{"does-not-exist"}))
	out := h.Run(context.Background(), `printf '{"ok":true}'`, nil)

	if !out.Result.Failed {
		t.Fatal("expected failure when a required native module is missing")
	}
	if out.ExitCode != 1 {
		t.Errorf("exit code: got %d, want 1", out.ExitCode)
	}
}

func TestStockExitJSON(t *testing.T) {
	h := New("exitjson.sh", WithNatives([]string{"result"}))
	out := h.Run(context.Background(), `exit_json changed=true count=2 msg="all done"`, nil)

	if out.Result.Failed {
		t.Fatalf("unexpected failure: %+v", out.Result)
	}
	if out.Result.Fields["changed"] != true {
		t.Errorf("changed: got %v (%T)", out.Result.Fields["changed"], out.Result.Fields["changed"])
	}
	if got, ok := out.Result.Fields["count"].(float64); !ok || got != 2 {
		t.Errorf("count: got %v (%T)", out.Result.Fields["count"], out.Result.Fields["count"])
	}
	if out.Result.Fields["msg"] != "all done" {
		t.Errorf("msg: got %v", out.Result.Fields["msg"])
	}
}

func TestStockFailJSON(t *testing.T) {
	h := New("failjson.sh", WithNatives([]string{"result"}))
	out := h.Run(context.Background(), `fail_json "could not reach host" rc=3`, nil)

	if !out.Result.Failed {
		t.Fatal("fail_json must produce a failed result")
	}
	if out.Result.Msg != "could not reach host" {
		t.Errorf("msg: got %q", out.Result.Msg)
	}
	if got, ok := out.Result.Fields["rc"].(float64); !ok || got != 3 {
		t.Errorf("rc: got %v (%T)", out.Result.Fields["rc"], out.Result.Fields["rc"])
	}
	if out.ExitCode != 0 {
		t.Errorf("clean structured failure must not set exit code, got %d", out.ExitCode)
	}
}

func TestParseFieldArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		key  string
		want any
	}{
		{"bool", []string{"changed=true"}, "changed", true},
		{"number", []string{"rc=7"}, "rc", float64(7)},
		{"string", []string{"path=/tmp/x"}, "path", "/tmp/x"},
		{"json array", []string{`items=["a","b"]`}, "items", nil},
		{"quoted string", []string{`msg="hi"`}, "msg", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := parseFieldArgs(tt.args)
			if tt.name == "json array" {
				arr, ok := fields[tt.key].([]any)
				if !ok || len(arr) != 2 {
					t.Fatalf("items: got %v (%T)", fields[tt.key], fields[tt.key])
				}
				return
			}
			if fields[tt.key] != tt.want {
				t.Errorf("%s: got %v (%T), want %v", tt.key, fields[tt.key], fields[tt.key], tt.want)
			}
		})
	}
}
