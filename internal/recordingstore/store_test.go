package recordingstore

import "testing"

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("expected nil for empty string")
	}
	if nullIfEmpty("bafy123") != "bafy123" {
		t.Fatal("expected the string to pass through unchanged")
	}
}
