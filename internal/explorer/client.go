// Package explorer queries an Esplora-style block explorer API such as mempool.space.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the public explorer queried when no base URL is configured.
const DefaultBaseURL = "https://mempool.space"

// maxBodyBytes caps how much of an explorer response is read.
const maxBodyBytes = 8 << 20

var (
	// ErrNotFound is returned when the explorer answers 404.
	ErrNotFound = errors.New("not found")
	// ErrUnexpectedStatus is wrapped by StatusError for any other non-2xx answer.
	ErrUnexpectedStatus = errors.New("unexpected explorer status")
	// ErrInvalidInput is returned for malformed addresses and transaction ids.
	ErrInvalidInput = errors.New("invalid input")
)

var (
	bech32Address = regexp.MustCompile(`^(bc|tb|bcrt)1[02-9ac-hj-np-z]{6,87}$`)
	base58Address = regexp.MustCompile(`^[123mn][1-9A-HJ-NP-Za-km-z]{25,34}$`)
	txidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// StatusError reports a non-2xx explorer response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("explorer returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("explorer returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Client is a read-only explorer API client.
type Client struct {
	http    *http.Client
	baseURL string
}

// New creates a Client for baseURL using hc. Requests are built against the
// public explorer URL; hc decides where they physically go.
func New(hc *http.Client, baseURL string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the explorer URL requests are addressed to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stats is one side (confirmed or mempool) of an address summary.
type Stats struct {
	TxCount     int64 `json:"tx_count"`
	FundedCount int64 `json:"funded_txo_count"`
	FundedSum   int64 `json:"funded_txo_sum"`
	SpentCount  int64 `json:"spent_txo_count"`
	SpentSum    int64 `json:"spent_txo_sum"`
}

// Balance returns funded minus spent, in satoshis.
func (s Stats) Balance() int64 {
	return s.FundedSum - s.SpentSum
}

// AddressSummary is the on-chain and mempool activity of an address.
type AddressSummary struct {
	Address string `json:"address"`
	Chain   Stats  `json:"chain"`
	Mempool Stats  `json:"mempool"`
	Balance int64  `json:"balance"`
}

// BlockStatus is the confirmation state of a transaction or output.
type BlockStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO is an unspent output owned by an address.
type UTXO struct {
	TxID   string      `json:"txid"`
	Vout   int64       `json:"vout"`
	Value  int64       `json:"value"`
	Status BlockStatus `json:"status"`
}

// TxStatus summarizes a transaction.
type TxStatus struct {
	TxID   string      `json:"txid"`
	Fee    int64       `json:"fee"`
	Size   int64       `json:"size"`
	Weight int64       `json:"weight"`
	Status BlockStatus `json:"status"`
}

// Address fetches the summary of addr.
func (c *Client) Address(ctx context.Context, addr string) (*AddressSummary, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	body, err := c.get(ctx, "/api/address/"+addr)
	if err != nil {
		return nil, fmt.Errorf("address %s: %w", addr, err)
	}

	doc := gjson.ParseBytes(body)
	s := &AddressSummary{
		Address: doc.Get("address").String(),
		Chain:   parseStats(doc.Get("chain_stats")),
		Mempool: parseStats(doc.Get("mempool_stats")),
	}
	if s.Address == "" {
		s.Address = addr
	}
	s.Balance = s.Chain.Balance() + s.Mempool.Balance()
	return s, nil
}

// UTXOs lists the unspent outputs of addr.
func (c *Client) UTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	body, err := c.get(ctx, "/api/address/"+addr+"/utxo")
	if err != nil {
		return nil, fmt.Errorf("utxos %s: %w", addr, err)
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, fmt.Errorf("utxos %s: expected array", addr)
	}
	utxos := make([]UTXO, 0, len(doc.Array()))
	doc.ForEach(func(_, v gjson.Result) bool {
		utxos = append(utxos, UTXO{
			TxID:   v.Get("txid").String(),
			Vout:   v.Get("vout").Int(),
			Value:  v.Get("value").Int(),
			Status: parseBlockStatus(v.Get("status")),
		})
		return true
	})
	return utxos, nil
}

// Transaction fetches the status of txid.
func (c *Client) Transaction(ctx context.Context, txid string) (*TxStatus, error) {
	if err := ValidateTxID(txid); err != nil {
		return nil, err
	}
	txid = strings.ToLower(txid)
	body, err := c.get(ctx, "/api/tx/"+txid)
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", txid, err)
	}

	doc := gjson.ParseBytes(body)
	return &TxStatus{
		TxID:   doc.Get("txid").String(),
		Fee:    doc.Get("fee").Int(),
		Size:   doc.Get("size").Int(),
		Weight: doc.Get("weight").Int(),
		Status: parseBlockStatus(doc.Get("status")),
	}, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 200)}
	}

	if !gjson.ValidBytes(body) {
		return nil, errors.New("malformed JSON response")
	}
	return body, nil
}

func parseStats(r gjson.Result) Stats {
	return Stats{
		TxCount:     r.Get("tx_count").Int(),
		FundedCount: r.Get("funded_txo_count").Int(),
		FundedSum:   r.Get("funded_txo_sum").Int(),
		SpentCount:  r.Get("spent_txo_count").Int(),
		SpentSum:    r.Get("spent_txo_sum").Int(),
	}
}

func parseBlockStatus(r gjson.Result) BlockStatus {
	return BlockStatus{
		Confirmed:   r.Get("confirmed").Bool(),
		BlockHeight: r.Get("block_height").Int(),
		BlockHash:   r.Get("block_hash").String(),
		BlockTime:   r.Get("block_time").Int(),
	}
}

// ValidateAddress reports whether addr looks like a bech32 or base58 Bitcoin address.
func ValidateAddress(addr string) error {
	if bech32Address.MatchString(strings.ToLower(addr)) || base58Address.MatchString(addr) {
		return nil
	}
	return fmt.Errorf("%w: address %q", ErrInvalidInput, addr)
}

// ValidateTxID reports whether txid is 64 hex characters.
func ValidateTxID(txid string) error {
	if txidPattern.MatchString(txid) {
		return nil
	}
	return fmt.Errorf("%w: txid %q", ErrInvalidInput, txid)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
