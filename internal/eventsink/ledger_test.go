package eventsink

import (
	"testing"

	"github.com/proctorsfu/core/internal/sfu"
)

func TestMethodForMapsKnownKinds(t *testing.T) {
	cases := map[sfu.EventKind]string{
		sfu.EventCreateExamResult:      "createExamResult",
		sfu.EventAddRecordingToResult:  "addRecordingToResult",
		sfu.EventAddRecordingsToResult: "addRecordingsToResult",
		sfu.EventUpdateExamResultGrade: "updateExamResultGrade",
		sfu.EventMarkNftMinted:         "markNftMinted",
		sfu.EventRoomCreated:           "recordEvent",
	}
	for kind, want := range cases {
		if got := methodFor(kind); got != want {
			t.Errorf("methodFor(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestNewAssetHubClientNilWithoutRPCURL(t *testing.T) {
	if c := NewAssetHubClient(AssetHubConfig{}); c != nil {
		t.Fatal("expected nil client when RPCURL is empty")
	}
}

func TestNopLedgerAlwaysSucceeds(t *testing.T) {
	if err := (NopLedger{}).Submit(sfu.Event{Kind: sfu.EventRoomCreated}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestTransportAndNonceErrorMessages(t *testing.T) {
	te := &transportError{err: errBoom}
	if te.Error() == "" || te.Unwrap() != errBoom {
		t.Fatal("transportError should wrap the underlying error")
	}
	ne := &nonceError{message: "nonce too low"}
	if ne.Error() == "" {
		t.Fatal("nonceError should produce a message")
	}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
