// Package keys loads the relayer's transaction signing key.
//
// The key can come from three places, selected by RELAYER_KEY_SOURCE:
//
//	hex       RELAYER_PRIVATE_KEY, a 32-byte hex string (development / CI)
//	keystore  an encrypted go-ethereum keystore file
//	vault     a HashiCorp Vault KV secret (v1 or v2 mount)
package keys

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	vault "github.com/hashicorp/vault/api"

	"github.com/0gfoundation/0g-lottery-relayer/internal/config"
)

// Account is the relayer's funded on-chain identity.
type Account struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewAccount wraps an already-parsed private key.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{Address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (a *Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
}

// PrivateKey exposes the raw key for signing helpers in tests and tools.
func (a *Account) PrivateKey() *ecdsa.PrivateKey { return a.key }

// String never prints key material.
func (a *Account) String() string { return "relayer(" + a.Address.Hex() + ")" }

// Load resolves the relayer key from the configured source.
func Load(ctx context.Context, cfg config.RelayerConfig) (*Account, error) {
	switch cfg.KeySource {
	case "hex":
		return FromHex(cfg.PrivateKey)
	case "keystore":
		return fromKeystore(cfg.KeystorePath, cfg.KeystorePassword)
	case "vault":
		return fromVault(ctx, cfg)
	default:
		return nil, fmt.Errorf("keys: unknown source %q", cfg.KeySource)
	}
}

// FromHex parses a hex private key with or without the 0x prefix.
func FromHex(raw string) (*Account, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("keys: private key must be a 32-byte hex string (got %d chars)", len(keyHex))
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return NewAccount(key), nil
}

func fromKeystore(path, password string) (*Account, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read keystore %s: %w", path, err)
	}
	k, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("keys: decrypt keystore %s: %w", path, err)
	}
	return NewAccount(k.PrivateKey), nil
}

// fromVault reads the key from a KV secret. KV v2 mounts nest the payload
// under data.data; v1 mounts put it directly under data.
func fromVault(ctx context.Context, cfg config.RelayerConfig) (*Account, error) {
	vc := vault.DefaultConfig()
	if cfg.VaultAddr != "" {
		vc.Address = cfg.VaultAddr
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("keys: vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}

	secret, err := client.Logical().ReadWithContext(ctx, cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("keys: vault read %s: %w", cfg.VaultPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("keys: vault secret %s not found", cfg.VaultPath)
	}

	data := secret.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}
	raw, ok := data[cfg.VaultField].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("keys: vault secret %s has no field %q", cfg.VaultPath, cfg.VaultField)
	}
	return FromHex(raw)
}
