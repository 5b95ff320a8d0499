// Package ethabi implements the small slice of Ethereum contract ABI
// encoding the call engine needs: keccak-derived function selectors and
// event ids, and packing/unpacking of address, uint256, bool and string
// values. The contract surface is fixed, so a full ABI parser is not
// required.
package ethabi

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// WordSize is the width of one ABI slot.
const WordSize = 32

// Keccak returns the keccak-256 digest of data.
func Keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a canonical signature,
// e.g. "bookCall(address)".
func Selector(sig string) [4]byte {
	var sel [4]byte
	copy(sel[:], Keccak([]byte(sig))[:4])
	return sel
}

// EventID returns the 32-byte topic-0 hash for a canonical event signature,
// e.g. "CallRequested(address,address,uint256)".
func EventID(sig string) [WordSize]byte {
	var id [WordSize]byte
	copy(id[:], Keccak([]byte(sig)))
	return id
}

type argKind int

const (
	kindAddress argKind = iota
	kindUint
	kindBool
	kindString
)

// Arg is a single ABI call argument.
type Arg struct {
	kind argKind
	addr [20]byte
	num  *big.Int
	b    bool
	str  string
}

// Address wraps a 20-byte address argument.
func Address(a [20]byte) Arg { return Arg{kind: kindAddress, addr: a} }

// Uint wraps a uint256 argument. The value must be non-negative and fit in
// 256 bits.
func Uint(v *big.Int) Arg { return Arg{kind: kindUint, num: v} }

// Uint64 wraps a uint256 argument given as a uint64.
func Uint64(v uint64) Arg { return Arg{kind: kindUint, num: new(big.Int).SetUint64(v)} }

// Bool wraps a bool argument.
func Bool(v bool) Arg { return Arg{kind: kindBool, b: v} }

// String wraps a dynamically-encoded string argument.
func String(s string) Arg { return Arg{kind: kindString, str: s} }

// Pack encodes a contract call: the 4-byte selector for sig followed by the
// head/tail encoding of args.
func Pack(sig string, args ...Arg) ([]byte, error) {
	body, err := PackValues(args...)
	if err != nil {
		return nil, err
	}
	sel := Selector(sig)
	return append(sel[:], body...), nil
}

// PackValues encodes args without a selector prefix.
func PackValues(args ...Arg) ([]byte, error) {
	head := make([]byte, 0, len(args)*WordSize)
	var tail []byte
	headLen := len(args) * WordSize

	for _, a := range args {
		switch a.kind {
		case kindAddress:
			var w [WordSize]byte
			copy(w[WordSize-20:], a.addr[:])
			head = append(head, w[:]...)

		case kindUint:
			w, err := uintWord(a.num)
			if err != nil {
				return nil, err
			}
			head = append(head, w[:]...)

		case kindBool:
			var w [WordSize]byte
			if a.b {
				w[WordSize-1] = 1
			}
			head = append(head, w[:]...)

		case kindString:
			var off [WordSize]byte
			big.NewInt(int64(headLen + len(tail))).FillBytes(off[:])
			head = append(head, off[:]...)

			var length [WordSize]byte
			big.NewInt(int64(len(a.str))).FillBytes(length[:])
			tail = append(tail, length[:]...)
			tail = append(tail, pad([]byte(a.str))...)

		default:
			return nil, fmt.Errorf("ethabi: unsupported argument kind %d", a.kind)
		}
	}

	return append(head, tail...), nil
}

// Kind names an ABI type for unpacking.
type Kind int

const (
	KindAddress Kind = iota
	KindUint
	KindBool
	KindString
)

// Unpack decodes an ABI-encoded blob (return data or event data, without a
// selector) against the given type list. Results are [20]byte, *big.Int,
// bool or string in declaration order.
func Unpack(data []byte, kinds ...Kind) ([]any, error) {
	if len(data) < len(kinds)*WordSize {
		return nil, fmt.Errorf("ethabi: data too short: %d bytes for %d values", len(data), len(kinds))
	}

	out := make([]any, 0, len(kinds))
	for i, k := range kinds {
		word := data[i*WordSize : (i+1)*WordSize]

		switch k {
		case KindAddress:
			var a [20]byte
			copy(a[:], word[WordSize-20:])
			out = append(out, a)

		case KindUint:
			out = append(out, new(big.Int).SetBytes(word))

		case KindBool:
			out = append(out, word[WordSize-1] != 0)

		case KindString:
			s, err := unpackString(data, word)
			if err != nil {
				return nil, err
			}
			out = append(out, s)

		default:
			return nil, fmt.Errorf("ethabi: unsupported kind %d", k)
		}
	}

	return out, nil
}

func unpackString(data, offsetWord []byte) (string, error) {
	offset := new(big.Int).SetBytes(offsetWord)
	if !offset.IsInt64() || offset.Int64()+WordSize > int64(len(data)) {
		return "", fmt.Errorf("ethabi: string offset out of range")
	}
	start := offset.Int64()

	length := new(big.Int).SetBytes(data[start : start+WordSize])
	if !length.IsInt64() || start+WordSize+length.Int64() > int64(len(data)) {
		return "", fmt.Errorf("ethabi: string length out of range")
	}

	return string(data[start+WordSize : start+WordSize+length.Int64()]), nil
}

func uintWord(v *big.Int) ([WordSize]byte, error) {
	var w [WordSize]byte
	if v == nil || v.Sign() < 0 {
		return w, fmt.Errorf("ethabi: uint256 must be non-negative")
	}
	if v.BitLen() > 256 {
		return w, fmt.Errorf("ethabi: value exceeds 256 bits")
	}
	v.FillBytes(w[:])
	return w, nil
}

func pad(b []byte) []byte {
	if rem := len(b) % WordSize; rem != 0 {
		b = append(b, make([]byte, WordSize-rem)...)
	}
	return b
}

// WordToAddress extracts the trailing 20 bytes of a 32-byte topic word.
func WordToAddress(w [WordSize]byte) [20]byte {
	var a [20]byte
	copy(a[:], w[WordSize-20:])
	return a
}
