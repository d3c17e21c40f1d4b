package util

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("req")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids must differ")
	}
}

func TestRandomUsername(t *testing.T) {
	pattern := regexp.MustCompile(`^user_[a-z0-9]{6}$`)
	for i := 0; i < 50; i++ {
		if name := RandomUsername(); !pattern.MatchString(name) {
			t.Fatalf("unexpected username %q", name)
		}
	}
}
