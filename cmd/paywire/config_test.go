package main

import (
	"bytes"
	"testing"
)

func TestGroupConfigKeys(t *testing.T) {
	sections := groupConfigKeys(map[string]any{
		"log_level":          "info",
		"seller.price":       0.1,
		"seller.service":     "soda",
		"payment.aptos.node": "https://fullnode.devnet.aptoslabs.com",
	})

	if got := sections["general"]["log_level"]; got != "info" {
		t.Errorf("general.log_level = %v, want info", got)
	}
	if len(sections["seller"]) != 2 {
		t.Errorf("seller section has %d keys, want 2", len(sections["seller"]))
	}
	if _, ok := sections["payment"]["aptos.node"]; !ok {
		t.Errorf("payment section missing nested key aptos.node: %v", sections["payment"])
	}
}

func TestWriteConfigSections(t *testing.T) {
	var buf bytes.Buffer
	writeConfigSections(&buf, map[string]map[string]any{
		"seller": {"service": "soda", "price": 0.1},
		"buyer":  {"max_price": 1},
	})

	want := "[buyer]\n  max_price = 1\n\n[seller]\n  price = 0.1\n  service = soda\n"
	if got := buf.String(); got != want {
		t.Errorf("output mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}
