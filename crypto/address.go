package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix defines the human-readable part used when rendering addresses.
type AddressPrefix string

const (
	// AccountPrefix renders wallet and program identities.
	AccountPrefix AddressPrefix = "lend"
	// ReservePrefix renders reserve identities in logs and API responses.
	ReservePrefix AddressPrefix = "lres"
)

// AddressLength is the size of every ledger identity.
const AddressLength = 32

// Address is an opaque 32-byte ledger identity. The zero value is the empty
// address and never refers to a real account.
type Address [AddressLength]byte

// AddressFromBytes copies b into an Address, rejecting inputs of the wrong size.
func AddressFromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressLength {
		return addr, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// NewRandomAddress draws a fresh address from the system randomness source.
func NewRandomAddress() (Address, error) {
	var addr Address
	if _, err := rand.Read(addr[:]); err != nil {
		return Address{}, fmt.Errorf("generate address: %w", err)
	}
	return addr, nil
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Encode renders the address as bech32 using the supplied prefix.
func (a Address) Encode(prefix AddressPrefix) string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		return hex.EncodeToString(a[:])
	}
	encoded, err := bech32.Encode(string(prefix), conv)
	if err != nil {
		return hex.EncodeToString(a[:])
	}
	return encoded
}

func (a Address) String() string {
	return a.Encode(AccountPrefix)
}

// DecodeAddress parses a bech32 address regardless of its prefix.
func DecodeAddress(addrStr string) (Address, error) {
	_, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(conv)
}
