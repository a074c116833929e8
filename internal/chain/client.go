package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/config"
)

// Breaker endpoint identities. Each external dependency trips
// independently; a degraded RPC never opens the oracle's circuit.
const (
	EndpointGasOracle = "chain_rpc:gas"
	EndpointCodeAt    = "chain_rpc:code"
	EndpointBroadcast = "chain_rpc:broadcast"
)

// Client wraps the chain RPC endpoint. The connection is dialed lazily so
// the service starts even while the endpoint is down; every call goes
// through the circuit breaker registry.
type Client struct {
	rpcURL   string
	timeout  time.Duration
	breakers *breaker.Registry

	mu  sync.Mutex
	eth *ethclient.Client
	raw *rpc.Client

	baselineMu   sync.Mutex
	gasSamples   []decimal.Decimal
	baselineSize int
}

func NewClient(cfg config.ChainConfig, breakers *breaker.Registry) *Client {
	timeout := time.Duration(cfg.RPCTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.GasBaselineSize
	if size <= 0 {
		size = 20
	}
	return &Client{
		rpcURL:       strings.TrimSpace(cfg.RPCURL),
		timeout:      timeout,
		breakers:     breakers,
		baselineSize: size,
	}
}

func (c *Client) getClients(ctx context.Context) (*ethclient.Client, *rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		return c.eth, c.raw, nil
	}
	if c.rpcURL == "" {
		return nil, nil, fmt.Errorf("chain rpc url not configured")
	}
	rawClient, err := rpc.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	c.raw = rawClient
	c.eth = ethclient.NewClient(rawClient)
	return c.eth, c.raw, nil
}

// GasPrice returns the current suggested gas price in gwei and the
// rolling baseline over recent samples.
func (c *Client) GasPrice(ctx context.Context) (current, baseline decimal.Decimal, err error) {
	err = c.breakers.Do(ctx, EndpointGasOracle, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		eth, _, err := c.getClients(callCtx)
		if err != nil {
			return err
		}
		wei, err := eth.SuggestGasPrice(callCtx)
		if err != nil {
			return fmt.Errorf("gas price fetch failed: %w", err)
		}
		current = weiToGwei(wei)
		return nil
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	baseline = c.updateBaseline(current)
	return current, baseline, nil
}

func (c *Client) updateBaseline(sample decimal.Decimal) decimal.Decimal {
	c.baselineMu.Lock()
	defer c.baselineMu.Unlock()
	c.gasSamples = append(c.gasSamples, sample)
	if len(c.gasSamples) > c.baselineSize {
		c.gasSamples = c.gasSamples[1:]
	}
	sum := decimal.Zero
	for _, s := range c.gasSamples {
		sum = sum.Add(s)
	}
	return sum.Div(decimal.NewFromInt(int64(len(c.gasSamples))))
}

// CodeAt reports whether the address holds contract bytecode.
func (c *Client) CodeAt(ctx context.Context, address string) (isContract bool, err error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid address %q", address)
	}
	err = c.breakers.Do(ctx, EndpointCodeAt, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		eth, _, err := c.getClients(callCtx)
		if err != nil {
			return err
		}
		code, err := eth.CodeAt(callCtx, common.HexToAddress(address), nil)
		if err != nil {
			return fmt.Errorf("code lookup failed: %w", err)
		}
		isContract = len(code) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return isContract, nil
}

// Broadcast submits a raw signed transaction and returns its hash.
func (c *Client) Broadcast(ctx context.Context, signedTx []byte) (txHash string, err error) {
	err = c.breakers.Do(ctx, EndpointBroadcast, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		_, raw, err := c.getClients(callCtx)
		if err != nil {
			return err
		}
		var hash common.Hash
		if err := raw.CallContext(callCtx, &hash, "eth_sendRawTransaction", hexutil.Encode(signedTx)); err != nil {
			return fmt.Errorf("broadcast failed: %w", err)
		}
		txHash = hash.Hex()
		return nil
	})
	if err != nil {
		return "", err
	}
	return txHash, nil
}

func weiToGwei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -9)
}
