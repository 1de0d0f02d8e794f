package netutil

import "testing"

func TestOutboundIPReturnsAnAddress(t *testing.T) {
	ip, err := OutboundIP()
	if err != nil {
		t.Fatalf("OutboundIP: %v", err)
	}
	if ip == "" {
		t.Fatal("expected non-empty outbound IP")
	}
}
