package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("mr")
	if !strings.HasPrefix(id, "mr_") || len(id) != len("mr_")+32 {
		t.Fatalf("NewID(mr) = %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected distinct ids")
	}
}

func TestNewToken(t *testing.T) {
	token := NewToken()
	if len(token) != 43 || strings.ContainsAny(token, "+/=") {
		t.Fatalf("NewToken() = %q", token)
	}
}
