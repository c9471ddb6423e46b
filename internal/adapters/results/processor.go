// Package results turns intermediate results published by an exchange oracle
// into the final results document referenced by on-chain payouts.
package results

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content address, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/escrow-settlement/internal/core"
	"github.com/target/escrow-settlement/internal/domain/model"
)

const (
	opFinalResults   = "final_results"
	finalResultsFile = "final-results.json"
	contentTypeJSON  = "application/json"
)

// ErrNoPayouts is returned when a results document yields no payouts.
var ErrNoPayouts = errors.New("results document has no payouts")

// Document is the stored final results body.
type Document struct {
	Payouts []model.Payout `json:"payouts"`
}

// ProcessorOptions configures NewProcessor.
type ProcessorOptions struct {
	Store BlobStore
	// HTTPClient downloads intermediate results. Defaults to a client with FetchTimeout.
	HTTPClient *http.Client
	// PayoutsExpr is a JMESPath expression selecting [{address, amount}].
	PayoutsExpr  string
	MaxBytes     int64
	FetchTimeout time.Duration
	// PublicURL prefixes stored keys to form the final results URL.
	PublicURL string
	Logger    *slog.Logger
}

// Processor downloads, extracts, and stores final results.
type Processor struct {
	store     BlobStore
	client    *http.Client
	expr      string
	maxBytes  int64
	publicURL string
	logger    *slog.Logger
}

// NewProcessor validates opts and compiles the payouts expression.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Store == nil {
		return nil, errors.New("results processor: store is required")
	}
	expr := strings.TrimSpace(opts.PayoutsExpr)
	if expr == "" {
		expr = "payouts"
	}
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("results processor: invalid payouts expression %q: %w", expr, err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     opts.Store,
		client:    client,
		expr:      expr,
		maxBytes:  maxBytes,
		publicURL: strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/"),
		logger:    logger.With("component", "results_processor"),
	}, nil
}

// Key is where the final results of an escrow are stored.
func Key(chainID int64, escrowAddress string) string {
	return fmt.Sprintf("%d/%s/%s", chainID, strings.ToLower(escrowAddress), finalResultsFile)
}

// Finalize returns the final results for an escrow. A document stored by an
// earlier attempt is reused so the URL and hash stay stable across retries.
func (p *Processor) Finalize(ctx context.Context, chainID int64, escrowAddress, intermediateURL string) (model.FinalResults, error) {
	key := Key(chainID, escrowAddress)

	stored, err := p.store.Get(ctx, key)
	switch {
	case err == nil:
		return p.finalResults(key, stored)
	case !errors.Is(err, ErrNotFound):
		return model.FinalResults{}, core.NewChainError(core.ChainErrorTransient, opFinalResults, err)
	}

	raw, err := p.Fetch(ctx, intermediateURL)
	if err != nil {
		return model.FinalResults{}, err
	}
	payouts, err := p.ExtractPayouts(raw)
	if err != nil {
		return model.FinalResults{}, core.NewChainError(core.ChainErrorPermanent, opFinalResults, err)
	}
	doc, err := json.Marshal(Document{Payouts: payouts})
	if err != nil {
		return model.FinalResults{}, core.NewChainError(core.ChainErrorPermanent, opFinalResults, err)
	}
	if err := p.store.Put(ctx, key, doc, contentTypeJSON); err != nil {
		return model.FinalResults{}, core.NewChainError(core.ChainErrorTransient, opFinalResults, err)
	}
	p.logger.InfoContext(ctx, "final results stored",
		"chain_id", chainID,
		"escrow_address", escrowAddress,
		"key", key,
		"payouts", len(payouts),
	)
	return p.finalResults(key, doc)
}

func (p *Processor) finalResults(key string, doc []byte) (model.FinalResults, error) {
	var parsed Document
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return model.FinalResults{}, core.NewChainError(core.ChainErrorPermanent, opFinalResults,
			fmt.Errorf("decode stored final results: %w", err))
	}
	sum := sha1.Sum(doc) //nolint:gosec // content address
	url := key
	if p.publicURL != "" {
		url = p.publicURL + "/" + key
	}
	return model.FinalResults{URL: url, Hash: hex.EncodeToString(sum[:]), Payouts: parsed.Payouts}, nil
}

// Fetch downloads a results document. Server and transport errors are
// transient; client errors and oversized bodies are permanent.
func (p *Processor) Fetch(ctx context.Context, url string) ([]byte, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, core.NewChainError(core.ChainErrorPermanent, opFinalResults, errors.New("intermediate results url is empty"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.NewChainError(core.ChainErrorPermanent, opFinalResults, fmt.Errorf("build request: %w", err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, core.NewChainError(core.ChainErrorTransient, opFinalResults, fmt.Errorf("download results: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		kind := core.ChainErrorTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = core.ChainErrorPermanent
		}
		return nil, core.NewChainError(kind, opFinalResults, fmt.Errorf("download results: unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, core.NewChainError(core.ChainErrorTransient, opFinalResults, fmt.Errorf("read results: %w", err))
	}
	if int64(len(data)) > p.maxBytes {
		return nil, core.NewChainError(core.ChainErrorPermanent, opFinalResults,
			fmt.Errorf("results document exceeds %d bytes", p.maxBytes))
	}
	return data, nil
}

// ExtractPayouts evaluates the payouts expression against doc. Entries for the
// same address are summed and the result is sorted by address.
func (p *Processor) ExtractPayouts(doc []byte) ([]model.Payout, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode results document: %w", err)
	}
	selected, err := jmespath.Search(p.expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", p.expr, err)
	}
	entries, ok := selected.([]any)
	if !ok {
		return nil, fmt.Errorf("evaluate %q: expected an array, got %T", p.expr, selected)
	}

	totals := make(map[string]*big.Rat, len(entries))
	for i, entry := range entries {
		payout, err := payoutFromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("payout %d: %w", i, err)
		}
		if err := payout.Validate(); err != nil {
			return nil, fmt.Errorf("payout %d: %w", i, err)
		}
		amount, _ := model.ParseAmount(payout.Amount)
		if cur, ok := totals[payout.Address]; ok {
			cur.Add(cur, amount)
			continue
		}
		totals[payout.Address] = amount
	}
	if len(totals) == 0 {
		return nil, ErrNoPayouts
	}

	out := make([]model.Payout, 0, len(totals))
	for addr, amount := range totals {
		out = append(out, model.Payout{Address: addr, Amount: formatDecimal(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func payoutFromEntry(entry any) (model.Payout, error) {
	obj, ok := entry.(map[string]any)
	if !ok {
		return model.Payout{}, fmt.Errorf("expected an object, got %T", entry)
	}
	addr, ok := obj["address"].(string)
	if !ok {
		return model.Payout{}, errors.New("address must be a string")
	}
	var amount string
	switch v := obj["amount"].(type) {
	case string:
		amount = v
	case json.Number:
		amount = v.String()
	case float64:
		amount = big.NewFloat(v).Text('f', -1)
	default:
		return model.Payout{}, fmt.Errorf("amount must be a number or string, got %T", v)
	}
	return model.Payout{Address: addr, Amount: amount}, nil
}

// formatDecimal renders r with at most 18 fractional digits and no trailing zeros.
func formatDecimal(r *big.Rat) string {
	s := r.FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
