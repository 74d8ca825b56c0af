package portinfo

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestHolderRejectsInvalidPort(t *testing.T) {
	if got := Holder(context.Background(), 0); got != "" {
		t.Fatalf("expected empty holder for port 0, got %q", got)
	}
	if got := Holder(context.Background(), -1); got != "" {
		t.Fatalf("expected empty holder for negative port, got %q", got)
	}
}

func TestHolderFindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	got := Holder(context.Background(), port)
	if got == "" {
		t.Skip("connection table not readable in this environment")
	}
	if !strings.HasPrefix(got, "pid ") && got != "another process" {
		t.Fatalf("unexpected holder description %q", got)
	}
}
