package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chronoledger/ledgerd/pkg/crypto"
	"github.com/chronoledger/ledgerd/pkg/types"
)

// loadOrCreateIdentity reads the node's hex-encoded private key from path,
// generating and persisting a fresh one on first start. The key doubles as
// both this node's P2P/HANDSHAKE identity and, absent an explicit
// --coinbase, its block-reward address.
func loadOrCreateIdentity(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode hex: %w", err)
		}
		return crypto.PrivateKeyFromBytes(keyBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Serialize())), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// resolveCoinbase determines the block-reward address from --coinbase or
// the node identity key. Accepts bech32 addresses.
func resolveCoinbase(coinbaseStr string, nodeKey *crypto.PrivateKey) (types.Address, error) {
	if coinbaseStr != "" {
		addr, err := types.ParseAddress(coinbaseStr)
		if err != nil {
			return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
		}
		return addr, nil
	}
	return crypto.AddressFromPubKey(nodeKey.PublicKey()), nil
}
