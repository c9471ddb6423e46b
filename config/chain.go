package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChainConfig configures the escrow contract client.
type ChainConfig struct {
	// RPCURLs maps chain id to JSON-RPC endpoint, e.g. "80002=https://rpc-amoy.polygon.technology".
	RPCURLs map[string]string `env:"RPC_URLS" envKeyValSeparator:"="`
	// KVStoreAddresses maps chain id to the KVStore contract holding webhook URLs.
	KVStoreAddresses map[string]string `env:"KVSTORE_ADDRESSES" envKeyValSeparator:"="`
	// PrivateKey is the hex-encoded oracle key used to sign transactions and webhooks.
	PrivateKey string `env:"PRIVATE_KEY"`
	// CallTimeout bounds every RPC call.
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	// GasLimit caps bulk payout transactions. Zero lets the node estimate.
	GasLimit uint64 `env:"GAS_LIMIT" envDefault:"0"`
}

// Sanitize applies guardrails to chain configuration values.
func (c *ChainConfig) Sanitize() {
	c.PrivateKey = strings.TrimPrefix(strings.TrimSpace(c.PrivateKey), "0x")
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// RPCEndpoints returns RPCURLs keyed by numeric chain id.
func (c *ChainConfig) RPCEndpoints() (map[int64]string, error) {
	out, err := parseChainMap(c.RPCURLs)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_RPC_URLS: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("CHAIN_RPC_URLS must configure at least one chain")
	}
	return out, nil
}

// KVStores returns KVStoreAddresses keyed by numeric chain id.
func (c *ChainConfig) KVStores() (map[int64]string, error) {
	out, err := parseChainMap(c.KVStoreAddresses)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_KVSTORE_ADDRESSES: %w", err)
	}
	return out, nil
}

func parseChainMap(raw map[string]string) (map[int64]string, error) {
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid chain id %q", k)
		}
		if v = strings.TrimSpace(v); v == "" {
			return nil, fmt.Errorf("empty value for chain %d", id)
		}
		out[id] = v
	}
	return out, nil
}
