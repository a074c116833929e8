package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/config"
)

const EndpointPriceOracle = "price_oracle"

// PriceOracle converts native token amounts to USD through an external
// price feed. Conversions happen at authorization time; a stale or
// unreachable feed surfaces as an error for the caller to decide on.
type PriceOracle struct {
	baseURL  string
	client   *http.Client
	breakers *breaker.Registry
}

func NewPriceOracle(cfg config.ChainConfig, breakers *breaker.Registry) *PriceOracle {
	timeout := time.Duration(cfg.RPCTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PriceOracle{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.PriceOracleURL), "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers: breakers,
	}
}

type priceResponse struct {
	Chain    string          `json:"chain"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// USDValue converts a native amount on the given chain to USD.
func (o *PriceOracle) USDValue(ctx context.Context, chain string, amountNative decimal.Decimal) (decimal.Decimal, error) {
	if o.baseURL == "" {
		return decimal.Zero, fmt.Errorf("price oracle url not configured")
	}
	var price decimal.Decimal
	err := o.breakers.Do(ctx, EndpointPriceOracle, func(ctx context.Context) error {
		lookup := fmt.Sprintf("%s/v1/prices/%s", o.baseURL, url.PathEscape(strings.ToLower(chain)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
		if err != nil {
			return err
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("price lookup failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("price oracle returned status %d", resp.StatusCode)
		}
		var body priceResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("price response decode failed: %w", err)
		}
		if !body.PriceUSD.IsPositive() {
			return fmt.Errorf("price oracle returned non-positive price %s for %s", body.PriceUSD, chain)
		}
		price = body.PriceUSD
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amountNative.Mul(price), nil
}
