package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestQuotePreviewCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"quote", "7", "--quantity", "2", "--preview"})

	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var quote map[string]any
	if err := json.Unmarshal(out.Bytes(), &quote); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if quote["preview"] != true || quote["totalAmount"] != "70000000" || quote["totalPoints"] != float64(7000) {
		t.Fatalf("unexpected preview quote %v", quote)
	}
}

func TestCommandArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "quote without drop", args: []string{"quote"}},
		{name: "quote bad drop", args: []string{"quote", "seven", "--preview"}},
		{name: "preview over max quantity", args: []string{"quote", "7", "--quantity", "101", "--preview"}},
		{name: "verify without amount", args: []string{"verify", "0xabc"}},
		{name: "verify zero amount", args: []string{"verify", "0xabc", "--amount", "0"}},
		{name: "sync-drop bad id", args: []string{"sync-drop", "-1"}},
		{name: "reconcile with args", args: []string{"reconcile", "extra"}},
		{name: "watch without buyer", args: []string{"watch", "7"}},
		{name: "watch bad buyer", args: []string{"watch", "7", "0x123"}},
		{name: "watch zero window", args: []string{"watch", "7", "0x8ba1f109551bD432803012645Ac136ddd64DBA72", "--window", "0s"}},
		{name: "balance bad address", args: []string{"balance", "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)
			if err := root.Execute(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseMicros(t *testing.T) {
	amount, err := parseMicros(" 70000000 ")
	if err != nil || amount.Int64() != 70_000_000 {
		t.Fatalf("unexpected result %v %v", amount, err)
	}
	if _, err := parseMicros("70.00"); err == nil {
		t.Fatal("expected decimal input to be rejected")
	}
}
