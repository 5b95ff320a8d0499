package ledger

import (
	"encoding/hex"
	"testing"

	"github.com/devconnect-labs/devconnect/internal/ethabi"
)

func topicFor(sig string) string {
	id := ethabi.EventID(sig)
	return "0x" + hex.EncodeToString(id[:])
}

func addressTopic(a Address) string {
	var w [ethabi.WordSize]byte
	copy(w[ethabi.WordSize-20:], a[:])
	return "0x" + hex.EncodeToString(w[:])
}

func hexData(t *testing.T, args ...ethabi.Arg) string {
	t.Helper()
	b, err := ethabi.PackValues(args...)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	return "0x" + hex.EncodeToString(b)
}

func TestDecodeCallRequested(t *testing.T) {
	dev := Address{0xd1}
	client := Address{0xc1}

	ev, ok := decodeLog(logEntry{
		Topics:          []string{topicFor(evCallRequested), addressTopic(dev), addressTopic(client)},
		Data:            hexData(t, ethabi.Uint64(42)),
		BlockNumber:     "0x10",
		TransactionHash: "0xabc",
	})
	if !ok {
		t.Fatal("log was not decoded")
	}
	if ev.Kind != EventCallRequested || ev.RequestID != 42 {
		t.Errorf("decoded: got kind=%s id=%d", ev.Kind, ev.RequestID)
	}
	if ev.Developer != dev || ev.Client != client {
		t.Errorf("parties: got dev=%x client=%x", ev.Developer, ev.Client)
	}
	if ev.BlockNumber != 16 || ev.TxHash != "0xabc" {
		t.Errorf("metadata: got block=%d tx=%s", ev.BlockNumber, ev.TxHash)
	}
}

// TestDecodeCallAccepted includes the dynamically-encoded room id.
func TestDecodeCallAccepted(t *testing.T) {
	ev, ok := decodeLog(logEntry{
		Topics: []string{topicFor(evCallAccepted), addressTopic(Address{0xd1}), addressTopic(Address{0xc1})},
		Data:   hexData(t, ethabi.Uint64(7), ethabi.String("room-7")),
	})
	if !ok {
		t.Fatal("log was not decoded")
	}
	if ev.Kind != EventCallAccepted || ev.RequestID != 7 || ev.RoomID != "room-7" {
		t.Errorf("decoded: got kind=%s id=%d room=%q", ev.Kind, ev.RequestID, ev.RoomID)
	}
}

// TestDecodeCallAcceptedLegacyForm decodes the three-argument variant
// older deployments emit: same kind, empty room id.
func TestDecodeCallAcceptedLegacyForm(t *testing.T) {
	ev, ok := decodeLog(logEntry{
		Topics: []string{topicFor(evCallAcceptedLegacy), addressTopic(Address{0xd1}), addressTopic(Address{0xc1})},
		Data:   hexData(t, ethabi.Uint64(7)),
	})
	if !ok {
		t.Fatal("log was not decoded")
	}
	if ev.Kind != EventCallAccepted || ev.RequestID != 7 {
		t.Errorf("decoded: got kind=%s id=%d", ev.Kind, ev.RequestID)
	}
	if ev.RoomID != "" {
		t.Errorf("room id: got %q, want empty for the legacy form", ev.RoomID)
	}
}

func TestDecodeCallBookedAmount(t *testing.T) {
	ev, ok := decodeLog(logEntry{
		Topics: []string{topicFor(evCallBooked), addressTopic(Address{0xd1}), addressTopic(Address{0xc1})},
		Data:   hexData(t, ethabi.Uint64(123456)),
	})
	if !ok {
		t.Fatal("log was not decoded")
	}
	if ev.Kind != EventCallBooked || ev.Amount.Int64() != 123456 {
		t.Errorf("decoded: got kind=%s amount=%v", ev.Kind, ev.Amount)
	}
}

// TestDecodeSkipsForeignAndMalformedLogs makes sure junk is dropped rather
// than surfaced.
func TestDecodeSkipsForeignAndMalformedLogs(t *testing.T) {
	cases := map[string]logEntry{
		"removed": {
			Topics:  []string{topicFor(evCallRequested), addressTopic(Address{0xd1}), addressTopic(Address{0xc1})},
			Data:    hexData(t, ethabi.Uint64(1)),
			Removed: true,
		},
		"unknown topic": {
			Topics: []string{topicFor("SomethingElse(uint256)")},
			Data:   hexData(t, ethabi.Uint64(1)),
		},
		"missing party topic": {
			Topics: []string{topicFor(evCallRequested), addressTopic(Address{0xd1})},
			Data:   hexData(t, ethabi.Uint64(1)),
		},
		"truncated data": {
			Topics: []string{topicFor(evCallRequested), addressTopic(Address{0xd1}), addressTopic(Address{0xc1})},
			Data:   "0x1234",
		},
		"no topics": {},
	}

	for name, lg := range cases {
		if _, ok := decodeLog(lg); ok {
			t.Errorf("%s: log should have been skipped", name)
		}
	}
}

func TestDecodeAvailabilityToggled(t *testing.T) {
	ev, ok := decodeLog(logEntry{
		Topics: []string{topicFor(evAvailabilityToggled), addressTopic(Address{0xd1})},
		Data:   hexData(t, ethabi.Bool(true)),
	})
	if !ok {
		t.Fatal("log was not decoded")
	}
	if ev.Kind != EventAvailabilityToggled || ev.Developer != (Address{0xd1}) {
		t.Errorf("decoded: got kind=%s dev=%x", ev.Kind, ev.Developer)
	}
}
