package objectstore

import "testing"

func TestNewClientNilWithoutAPIURL(t *testing.T) {
	if c := NewClient(Config{}); c != nil {
		t.Fatal("expected nil client when APIURL is empty")
	}
}

func TestNewClientAppliesDefaultTimeout(t *testing.T) {
	c := NewClient(Config{APIURL: "http://127.0.0.1:5001"})
	if c == nil {
		t.Fatal("expected a non-nil client")
	}
	if c.httpc.Timeout == 0 {
		t.Fatal("expected a default timeout to be applied")
	}
}
