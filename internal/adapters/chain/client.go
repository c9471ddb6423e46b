// Package chain implements core.ChainClient on top of go-ethereum.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
)

const (
	opStatus        = "get_status"
	opFinalResults  = "final_results"
	opReserveNonce  = "reserve_nonce"
	opReleaseNonce  = "release_nonce"
	opSubmitPayouts = "bulk_payout"
	opComplete      = "complete"
	opNotification  = "notification_urls"
)

// Backend is the subset of the JSON-RPC client the adapter uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ResultsFinalizer produces the final results document for an escrow.
type ResultsFinalizer interface {
	Finalize(ctx context.Context, chainID int64, escrowAddress, intermediateURL string) (model.FinalResults, error)
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	Backends map[int64]Backend
	// KVStores maps chain id to the KVStore contract address.
	KVStores    map[int64]string
	Key         *ecdsa.PrivateKey
	Results     ResultsFinalizer
	GasLimit    uint64
	CallTimeout time.Duration
	Logger      *slog.Logger
}

type chainState struct {
	id      *big.Int
	backend Backend
	nonces  *NonceManager
	kvstore *common.Address
}

// Client talks to escrow and KVStore contracts on every configured chain.
type Client struct {
	chains      map[int64]*chainState
	key         *ecdsa.PrivateKey
	from        common.Address
	results     ResultsFinalizer
	gasLimit    uint64
	callTimeout time.Duration
	logger      *slog.Logger
	closers     []func()
}

var _ core.ChainClient = (*Client)(nil)

// NewClient validates opts and prepares per-chain nonce managers.
func NewClient(opts ClientOptions) (*Client, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if opts.Key == nil {
		return nil, ErrInvalidPrivateKey
	}
	if opts.Results == nil {
		return nil, errors.New("chain client: results finalizer is required")
	}
	if len(opts.Backends) == 0 {
		return nil, errors.New("chain client: at least one chain backend is required")
	}
	from := crypto.PubkeyToAddress(opts.Key.PublicKey)

	chains := make(map[int64]*chainState, len(opts.Backends))
	for id, backend := range opts.Backends {
		if backend == nil {
			return nil, fmt.Errorf("chain client: nil backend for chain %d", id)
		}
		state := &chainState{
			id:      big.NewInt(id),
			backend: backend,
			nonces:  NewNonceManager(backend, from),
		}
		if raw, ok := opts.KVStores[id]; ok {
			addr, err := model.NormalizeAddress(raw)
			if err != nil {
				return nil, fmt.Errorf("chain client: kvstore for chain %d: %w", id, err)
			}
			kv := common.HexToAddress(addr)
			state.kvstore = &kv
		}
		chains[id] = state
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		chains:      chains,
		key:         opts.Key,
		from:        from,
		results:     opts.Results,
		gasLimit:    opts.GasLimit,
		callTimeout: timeout,
		logger:      logger.With("component", "chain_client", "signer", from.Hex()),
	}, nil
}

// Dial connects to every RPC endpoint in cfg.
func Dial(ctx context.Context, cfg config.ChainConfig, results ResultsFinalizer, logger *slog.Logger) (*Client, error) {
	endpoints, err := cfg.RPCEndpoints()
	if err != nil {
		return nil, err
	}
	kvstores, err := cfg.KVStores()
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	backends := make(map[int64]Backend, len(endpoints))
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for id, url := range endpoints {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("dial chain %d: %w", id, err)
		}
		backends[id] = ec
		closers = append(closers, ec.Close)
	}

	client, err := NewClient(ClientOptions{
		Backends:    backends,
		KVStores:    kvstores,
		Key:         key,
		Results:     results,
		GasLimit:    cfg.GasLimit,
		CallTimeout: cfg.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	client.closers = closers
	return client, nil
}

// Close releases RPC connections opened by Dial.
func (c *Client) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
}

// Address is the signer address.
func (c *Client) Address() common.Address { return c.from }

func (c *Client) chain(op string, chainID int64) (*chainState, error) {
	state, ok := c.chains[chainID]
	if !ok {
		return nil, core.NewChainError(core.ChainErrorPermanent, op, fmt.Errorf("chain %d is not configured", chainID))
	}
	return state, nil
}

func escrowAddress(op, raw string) (common.Address, error) {
	addr, err := model.NormalizeAddress(raw)
	if err != nil {
		return common.Address{}, core.NewChainError(core.ChainErrorPermanent, op, err)
	}
	return common.HexToAddress(addr), nil
}

// GetFinalResults downloads intermediate results and stores the final document.
// Payouts are returned sorted by address.
func (c *Client) GetFinalResults(ctx context.Context, chainID int64, escrow string) (model.FinalResults, error) {
	state, err := c.chain(opFinalResults, chainID)
	if err != nil {
		return model.FinalResults{}, err
	}
	addr, err := escrowAddress(opFinalResults, escrow)
	if err != nil {
		return model.FinalResults{}, err
	}

	status, err := c.status(ctx, state, addr)
	if err != nil {
		return model.FinalResults{}, err
	}
	switch status {
	case EscrowStatusLaunched:
		return model.FinalResults{}, core.NewChainError(core.ChainErrorNotFinal, opFinalResults,
			fmt.Errorf("escrow %s has no results yet", addr.Hex()))
	case EscrowStatusCancelled:
		return model.FinalResults{}, core.NewChainError(core.ChainErrorPermanent, opFinalResults,
			fmt.Errorf("escrow %s is cancelled", addr.Hex()))
	}

	var url string
	if err := c.call(ctx, state, addr, escrowABI, "intermediateResultsUrl", &url); err != nil {
		return model.FinalResults{}, classifyCallError(opFinalResults, err)
	}
	results, err := c.results.Finalize(ctx, chainID, strings.ToLower(addr.Hex()), url)
	if err != nil {
		return model.FinalResults{}, err
	}
	sort.SliceStable(results.Payouts, func(i, j int) bool {
		return strings.ToLower(results.Payouts[i].Address) < strings.ToLower(results.Payouts[j].Address)
	})
	return results, nil
}

// ReserveNonce returns the next nonce for the signer on chainID.
func (c *Client) ReserveNonce(ctx context.Context, chainID int64) (uint64, error) {
	state, err := c.chain(opReserveNonce, chainID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	n, err := state.nonces.Next(ctx)
	if err != nil {
		return 0, core.NewChainError(core.ChainErrorTransient, opReserveNonce, err)
	}
	return n, nil
}

// ReleaseNonce hands nonce back to the signer's pool unless the chain already
// holds a transaction with it.
func (c *Client) ReleaseNonce(ctx context.Context, chainID int64, nonce uint64) (bool, error) {
	state, err := c.chain(opReleaseNonce, chainID)
	if err != nil {
		return false, err
	}
	return c.release(ctx, state, nonce)
}

func (c *Client) release(ctx context.Context, state *chainState, nonce uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	pending, err := state.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return false, core.NewChainError(core.ChainErrorTransient, opReleaseNonce, err)
	}
	if pending > nonce {
		return false, nil
	}
	state.nonces.Release(nonce)
	c.logger.InfoContext(ctx, "nonce released", "chain_id", state.id.Int64(), "nonce", nonce)
	return true, nil
}

// payoutsMined reports whether every nonce in nonces is included in the latest block.
func (c *Client) payoutsMined(ctx context.Context, state *chainState, nonces []uint64) (bool, error) {
	if len(nonces) == 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	mined, err := state.backend.NonceAt(ctx, c.from, nil)
	if err != nil {
		return false, core.NewChainError(core.ChainErrorTransient, opComplete, fmt.Errorf("nonce at latest: %w", err))
	}
	return mined > slices.Max(nonces), nil
}

// SubmitPayouts broadcasts bulkPayOut with the persisted nonce.
func (c *Client) SubmitPayouts(ctx context.Context, sub model.PayoutSubmission) (uint64, error) {
	state, err := c.chain(opSubmitPayouts, sub.ChainID)
	if err != nil {
		return 0, err
	}
	addr, err := escrowAddress(opSubmitPayouts, sub.EscrowAddress)
	if err != nil {
		return 0, err
	}
	if len(sub.Payouts) == 0 {
		return 0, core.NewChainError(core.ChainErrorPermanent, opSubmitPayouts, errors.New("no payouts"))
	}

	status, err := c.status(ctx, state, addr)
	if err != nil {
		return 0, err
	}
	switch status {
	case EscrowStatusPaid, EscrowStatusComplete:
		return 0, core.NewChainError(core.ChainErrorNonceConsumed, opSubmitPayouts,
			fmt.Errorf("escrow %s is already %s", addr.Hex(), status))
	case EscrowStatusLaunched, EscrowStatusCancelled:
		return 0, core.NewChainError(core.ChainErrorPermanent, opSubmitPayouts,
			fmt.Errorf("escrow %s is %s", addr.Hex(), status))
	}

	recipients := make([]common.Address, len(sub.Payouts))
	amounts := make([]*big.Int, len(sub.Payouts))
	for i, p := range sub.Payouts {
		to, err := model.NormalizeAddress(p.Address)
		if err != nil {
			return 0, core.NewChainError(core.ChainErrorPermanent, opSubmitPayouts, err)
		}
		amount, err := ToBaseUnits(p.Amount)
		if err != nil {
			return 0, core.NewChainError(core.ChainErrorPermanent, opSubmitPayouts, err)
		}
		recipients[i] = common.HexToAddress(to)
		amounts[i] = amount
	}
	data, err := escrowABI.Pack("bulkPayOut",
		recipients, amounts, sub.FinalResultsURL, sub.FinalResultsHash, big.NewInt(sub.BatchID), false)
	if err != nil {
		return 0, core.NewChainError(core.ChainErrorPermanent, opSubmitPayouts, fmt.Errorf("pack bulkPayOut: %w", err))
	}

	hash, err := c.send(ctx, state, opSubmitPayouts, addr, data, sub.Nonce)
	if err != nil {
		return 0, err
	}
	c.logger.InfoContext(ctx, "bulk payout broadcast",
		"chain_id", sub.ChainID,
		"escrow_address", sub.EscrowAddress,
		"batch_id", sub.BatchID,
		"nonce", sub.Nonce,
		"tx_hash", hash.Hex(),
		"recipients", len(recipients),
	)
	return sub.Nonce, nil
}

// CompleteEscrow calls complete() once every payout is reflected on chain.
// A Partial escrow keeps its leftover balance: once the payout transactions
// are mined it is final as is and complete() is not sent.
func (c *Client) CompleteEscrow(ctx context.Context, fin model.EscrowFinalization) error {
	chainID, escrow := fin.ChainID, fin.EscrowAddress
	state, err := c.chain(opComplete, chainID)
	if err != nil {
		return err
	}
	addr, err := escrowAddress(opComplete, escrow)
	if err != nil {
		return err
	}

	status, err := c.status(ctx, state, addr)
	if err != nil {
		return err
	}
	if status == EscrowStatusPending || status == EscrowStatusPartial {
		mined, err := c.payoutsMined(ctx, state, fin.PayoutNonces)
		if err != nil {
			return err
		}
		if !mined {
			return core.NewChainError(core.ChainErrorNotFinal, opComplete,
				fmt.Errorf("escrow %s is %s with payouts in flight", addr.Hex(), status))
		}
		// Read again: the first read may predate the block that mined the last payout.
		if status, err = c.status(ctx, state, addr); err != nil {
			return err
		}
	}
	switch status {
	case EscrowStatusComplete:
		return nil
	case EscrowStatusCancelled:
		return core.NewChainError(core.ChainErrorPermanent, opComplete, fmt.Errorf("escrow %s is cancelled", addr.Hex()))
	case EscrowStatusPartial:
		c.logger.InfoContext(ctx, "escrow partially paid out, complete skipped",
			"chain_id", chainID,
			"escrow_address", escrow,
		)
		return nil
	case EscrowStatusPending:
		return core.NewChainError(core.ChainErrorPermanent, opComplete,
			fmt.Errorf("escrow %s is still pending after its payouts were mined", addr.Hex()))
	case EscrowStatusPaid:
	default:
		return core.NewChainError(core.ChainErrorNotFinal, opComplete,
			fmt.Errorf("escrow %s is %s", addr.Hex(), status))
	}

	data, err := escrowABI.Pack("complete")
	if err != nil {
		return core.NewChainError(core.ChainErrorPermanent, opComplete, fmt.Errorf("pack complete: %w", err))
	}
	nonce, err := c.ReserveNonce(ctx, chainID)
	if err != nil {
		return err
	}
	hash, err := c.send(ctx, state, opComplete, addr, data, nonce)
	if err != nil {
		if !core.IsNonceConsumed(err) {
			if _, relErr := c.release(ctx, state, nonce); relErr != nil {
				c.logger.WarnContext(ctx, "release complete nonce", "chain_id", chainID, "nonce", nonce, "error", relErr)
			}
		}
		return err
	}
	c.logger.InfoContext(ctx, "escrow complete broadcast",
		"chain_id", chainID,
		"escrow_address", escrow,
		"nonce", nonce,
		"tx_hash", hash.Hex(),
	)
	return nil
}

// NotificationURLs returns the webhook URLs published by the job launcher and
// the exchange oracle of the escrow. Operators without a URL are skipped.
func (c *Client) NotificationURLs(ctx context.Context, chainID int64, escrow string) ([]string, error) {
	state, err := c.chain(opNotification, chainID)
	if err != nil {
		return nil, err
	}
	if state.kvstore == nil {
		return nil, core.NewChainError(core.ChainErrorPermanent, opNotification,
			fmt.Errorf("no kvstore configured for chain %d", chainID))
	}
	addr, err := escrowAddress(opNotification, escrow)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, role := range []string{"launcher", "exchangeOracle"} {
		var operator common.Address
		if err := c.call(ctx, state, addr, escrowABI, role, &operator); err != nil {
			return nil, classifyCallError(opNotification, err)
		}
		if operator == (common.Address{}) {
			continue
		}
		var url string
		if err := c.call(ctx, state, *state.kvstore, kvstoreABI, "get", &url, operator, webhookURLKey); err != nil {
			return nil, classifyCallError(opNotification, err)
		}
		if url = strings.TrimSpace(url); url == "" {
			c.logger.WarnContext(ctx, "operator has no webhook url",
				"chain_id", chainID,
				"escrow_address", escrow,
				"role", role,
				"operator", operator.Hex(),
			)
			continue
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (c *Client) status(ctx context.Context, state *chainState, addr common.Address) (EscrowStatus, error) {
	var raw uint8
	if err := c.call(ctx, state, addr, escrowABI, "getStatus", &raw); err != nil {
		return 0, classifyCallError(opStatus, err)
	}
	return EscrowStatus(raw), nil
}

func (c *Client) call(
	ctx context.Context,
	state *chainState,
	to common.Address,
	contract abi.ABI,
	method string,
	out any,
	args ...any,
) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	raw, err := state.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if err := contract.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("%w: unpack %s: %w", errMalformedReturn, method, err)
	}
	return nil
}

func (c *Client) send(
	ctx context.Context,
	state *chainState,
	op string,
	to common.Address,
	data []byte,
	nonce uint64,
) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	gasPrice, err := state.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, core.NewChainError(core.ChainErrorTransient, op, fmt.Errorf("suggest gas price: %w", err))
	}
	gas := c.gasLimit
	if gas == 0 {
		gas, err = state.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return common.Hash{}, classifySendError(op, fmt.Errorf("estimate gas: %w", err))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(state.id), c.key)
	if err != nil {
		return common.Hash{}, core.NewChainError(core.ChainErrorPermanent, op, fmt.Errorf("sign tx: %w", err))
	}
	if err := state.backend.SendTransaction(ctx, signed); err != nil {
		ce := classifySendError(op, err)
		if core.IsNonceConsumed(ce) {
			if _, syncErr := state.nonces.Sync(ctx); syncErr != nil {
				c.logger.WarnContext(ctx, "nonce sync failed", "chain_id", state.id.Int64(), "error", syncErr)
			}
		}
		return common.Hash{}, ce
	}
	return signed.Hash(), nil
}
