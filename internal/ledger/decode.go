package ledger

import (
	"math/big"

	"github.com/devconnect-labs/devconnect/internal/ethabi"
)

// Canonical event signatures. CallAccepted carries the room id assigned by
// the contract; older deployments emit the three-argument form without it,
// so both topics are recognized.
const (
	evCallRequested       = "CallRequested(address,address,uint256)"
	evCallAccepted        = "CallAccepted(address,address,uint256,string)"
	evCallAcceptedLegacy  = "CallAccepted(address,address,uint256)"
	evCallRejected        = "CallRejected(address,address,uint256)"
	evCallBooked          = "CallBooked(address,address,uint256)"
	evCallCompleted       = "CallCompleted(uint256,uint256)"
	evDeveloperRegistered = "DeveloperRegistered(address,string,string,uint256)"
	evAvailabilityToggled = "AvailabilityToggled(address,bool)"
)

var eventKindByTopic = map[[ethabi.WordSize]byte]EventKind{
	ethabi.EventID(evCallRequested):       EventCallRequested,
	ethabi.EventID(evCallAccepted):        EventCallAccepted,
	ethabi.EventID(evCallAcceptedLegacy):  EventCallAccepted,
	ethabi.EventID(evCallRejected):        EventCallRejected,
	ethabi.EventID(evCallBooked):          EventCallBooked,
	ethabi.EventID(evCallCompleted):       EventCallCompleted,
	ethabi.EventID(evDeveloperRegistered): EventDeveloperRegistered,
	ethabi.EventID(evAvailabilityToggled): EventAvailabilityToggled,
}

// logEntry is the wire form of one log from eth_getLogs / eth_subscribe.
type logEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	Removed         bool     `json:"removed"`
}

// decodeLog validates and converts a raw log into the typed event variant.
// Unknown or malformed logs are skipped, not errors: the contract may emit
// events this engine does not model.
func decodeLog(lg logEntry) (Event, bool) {
	if lg.Removed || len(lg.Topics) == 0 {
		return Event{}, false
	}

	topic0, err := decodeHexBlob(lg.Topics[0])
	if err != nil || len(topic0) != ethabi.WordSize {
		return Event{}, false
	}
	var key [ethabi.WordSize]byte
	copy(key[:], topic0)

	kind, ok := eventKindByTopic[key]
	if !ok {
		return Event{}, false
	}

	data, err := decodeHexBlob(lg.Data)
	if err != nil {
		return Event{}, false
	}

	ev := Event{Kind: kind, TxHash: TxHash(lg.TransactionHash)}
	if n, err := parseHexUint64(lg.BlockNumber); err == nil {
		ev.BlockNumber = n
	}

	switch kind {
	case EventCallRequested, EventCallRejected:
		if !decodeParties(&ev, lg.Topics) {
			return Event{}, false
		}
		vals, err := ethabi.Unpack(data, ethabi.KindUint)
		if err != nil {
			return Event{}, false
		}
		ev.RequestID = vals[0].(*big.Int).Int64()

	case EventCallAccepted:
		if !decodeParties(&ev, lg.Topics) {
			return Event{}, false
		}
		// The legacy form has no room id; consumers fall back to the derived
		// room name.
		if vals, err := ethabi.Unpack(data, ethabi.KindUint, ethabi.KindString); err == nil {
			ev.RequestID = vals[0].(*big.Int).Int64()
			ev.RoomID = vals[1].(string)
		} else {
			vals, err := ethabi.Unpack(data, ethabi.KindUint)
			if err != nil {
				return Event{}, false
			}
			ev.RequestID = vals[0].(*big.Int).Int64()
		}

	case EventCallBooked:
		if !decodeParties(&ev, lg.Topics) {
			return Event{}, false
		}
		vals, err := ethabi.Unpack(data, ethabi.KindUint)
		if err != nil {
			return Event{}, false
		}
		ev.Amount = vals[0].(*big.Int)

	case EventCallCompleted:
		vals, err := ethabi.Unpack(data, ethabi.KindUint, ethabi.KindUint)
		if err != nil {
			return Event{}, false
		}
		ev.RequestID = vals[0].(*big.Int).Int64()

	case EventDeveloperRegistered, EventAvailabilityToggled:
		addr, ok := topicAddress(lg.Topics, 1)
		if !ok {
			return Event{}, false
		}
		ev.Developer = addr
	}

	return ev, true
}

// decodeParties fills the indexed (developer, client) pair from topics 1-2.
func decodeParties(ev *Event, topics []string) bool {
	dev, ok := topicAddress(topics, 1)
	if !ok {
		return false
	}
	client, ok := topicAddress(topics, 2)
	if !ok {
		return false
	}
	ev.Developer = dev
	ev.Client = client
	return true
}

func topicAddress(topics []string, i int) (Address, bool) {
	if i >= len(topics) {
		return Address{}, false
	}
	b, err := decodeHexBlob(topics[i])
	if err != nil || len(b) != ethabi.WordSize {
		return Address{}, false
	}
	var w [ethabi.WordSize]byte
	copy(w[:], b)
	return Address(ethabi.WordToAddress(w)), true
}
