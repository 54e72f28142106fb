package resolver

import (
	"fmt"
	"strings"

	"github.com/stellar/go/strkey"
)

const (
	taggedPrefix  = "M"
	accountPrefix = "G"
)

// EncodeTaggedAddress packs an on-ledger account and a vault tag into a
// single muxed address.
func EncodeTaggedAddress(account string, tag uint64) (string, error) {
	var muxed strkey.MuxedAccount
	if err := muxed.SetAccountID(account); err != nil {
		return "", fmt.Errorf("invalid account %q: %w", account, err)
	}
	muxed.SetID(tag)
	return muxed.Address()
}

// DecodeTag returns the tag carried by a muxed address.
func DecodeTag(address string) (uint64, error) {
	muxed, err := strkey.DecodeMuxedAccount(address)
	if err != nil {
		return 0, fmt.Errorf("invalid tagged address: %w", err)
	}
	return muxed.ID(), nil
}

// DecodeTaggedAddress returns both halves of a muxed address.
func DecodeTaggedAddress(address string) (string, uint64, error) {
	muxed, err := strkey.DecodeMuxedAccount(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid tagged address: %w", err)
	}
	account, err := muxed.AccountID()
	if err != nil {
		return "", 0, fmt.Errorf("invalid tagged address: %w", err)
	}
	return account, muxed.ID(), nil
}

func isTaggedAddress(s string) bool {
	return strings.HasPrefix(s, taggedPrefix)
}

func IsAccountAddress(s string) bool {
	return strings.HasPrefix(s, accountPrefix) && strkey.IsValidEd25519PublicKey(s)
}
