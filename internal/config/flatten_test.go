package config

import (
	"testing"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "top level",
			in:   map[string]any{"log_level": "info", "data_dir": "/tmp/pw"},
			want: map[string]any{"log_level": "info", "data_dir": "/tmp/pw"},
		},
		{
			name: "sections",
			in: map[string]any{
				"seller":   map[string]any{"price": 0.1, "currency": "APT"},
				"protocol": map[string]any{"max_verify_attempts": 3},
			},
			want: map[string]any{
				"seller.price":                 0.1,
				"seller.currency":              "APT",
				"protocol.max_verify_attempts": 3,
			},
		},
		{
			name: "deeply nested",
			in:   map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}},
			want: map[string]any{"a.b.c": true},
		},
		{
			name: "empty section produces nothing",
			in:   map[string]any{"telegram": map[string]any{}},
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Flatten(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d keys, got %v", len(tt.want), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestFlatten_KeepsSlices(t *testing.T) {
	caps := []any{"soda_dispensing", "payment_verification"}
	got := Flatten(map[string]any{"seller": map[string]any{"capabilities": caps}})
	list, ok := got["seller.capabilities"].([]any)
	if !ok || len(list) != 2 {
		t.Errorf("expected capabilities slice to survive, got %#v", got["seller.capabilities"])
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"seller.address": "0xfridge",
		"llm.api_key":    "sk-test123456",
		"telegram.token": "123456:ABCdefGHIjkl",
		"llm.model":      "gpt-4o-mini",
	}
	got := MaskSecrets(flat)

	want := map[string]any{
		"seller.address": "0xfridge",
		"llm.api_key":    "***3456",
		"telegram.token": "***Ijkl",
		"llm.model":      "gpt-4o-mini",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, got[k])
		}
	}
	if flat["llm.api_key"] != "sk-test123456" {
		t.Error("MaskSecrets must not modify its input")
	}
}

func TestMaskSecrets_ShortAndEmpty(t *testing.T) {
	tests := map[string]any{
		"":     "",
		"ab":   "***ab",
		"abcd": "***abcd",
	}
	for in, want := range tests {
		got := MaskSecrets(map[string]any{"llm.api_key": in})
		if got["llm.api_key"] != want {
			t.Errorf("mask(%q): expected %v, got %v", in, want, got["llm.api_key"])
		}
	}
}

func TestMaskSecrets_NonStringSecret(t *testing.T) {
	got := MaskSecrets(map[string]any{"telegram.token": nil})
	if got["telegram.token"] != nil {
		t.Errorf("expected nil to pass through, got %v", got["telegram.token"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("llm.api_key") || !IsSecretKey("telegram.token") {
		t.Error("expected api key and bot token to be secret")
	}
	if IsSecretKey("seller.address") {
		t.Error("seller.address is public")
	}
}
