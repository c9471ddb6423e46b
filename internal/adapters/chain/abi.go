package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowStatus mirrors the escrow contract status enum.
type EscrowStatus uint8

const (
	EscrowStatusLaunched EscrowStatus = iota
	EscrowStatusPending
	EscrowStatusPartial
	EscrowStatusPaid
	EscrowStatusComplete
	EscrowStatusCancelled
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowStatusLaunched:
		return "launched"
	case EscrowStatusPending:
		return "pending"
	case EscrowStatusPartial:
		return "partial"
	case EscrowStatusPaid:
		return "paid"
	case EscrowStatusComplete:
		return "complete"
	case EscrowStatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// webhookURLKey is the KVStore key operators publish their webhook under.
const webhookURLKey = "webhook_url"

const escrowABIJSON = `[
  {"type":"function","name":"getStatus","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"intermediateResultsUrl","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"launcher","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"exchangeOracle","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"complete","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"bulkPayOut","stateMutability":"nonpayable","inputs":[
    {"name":"_recipients","type":"address[]"},
    {"name":"_amounts","type":"uint256[]"},
    {"name":"_url","type":"string"},
    {"name":"_hash","type":"string"},
    {"name":"_txId","type":"uint256"},
    {"name":"forceComplete","type":"bool"}
  ],"outputs":[]}
]`

const kvstoreABIJSON = `[
  {"type":"function","name":"get","stateMutability":"view","inputs":[
    {"name":"_account","type":"address"},
    {"name":"_key","type":"string"}
  ],"outputs":[{"name":"","type":"string"}]}
]`

var (
	abiOnce sync.Once
	abiErr  error

	escrowABI  abi.ABI
	kvstoreABI abi.ABI
)

func initABI() error {
	abiOnce.Do(func() {
		var err error
		escrowABI, err = abi.JSON(strings.NewReader(escrowABIJSON))
		if err != nil {
			abiErr = fmt.Errorf("chain: parse escrow ABI: %w", err)
			return
		}
		kvstoreABI, err = abi.JSON(strings.NewReader(kvstoreABIJSON))
		if err != nil {
			abiErr = fmt.Errorf("chain: parse kvstore ABI: %w", err)
		}
	})
	return abiErr
}
