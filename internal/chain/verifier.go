package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whalewallet/shardgate/internal/breaker"
	"github.com/whalewallet/shardgate/internal/config"
)

const EndpointVerifier = "contract_verifier"

// Verifier looks up contract source-verification status from an external
// explorer-style service. An unconfigured or unreachable verifier is an
// error, never a silent pass.
type Verifier struct {
	baseURL  string
	client   *http.Client
	chain    *Client
	breakers *breaker.Registry
}

func NewVerifier(cfg config.ChainConfig, chain *Client, breakers *breaker.Registry) *Verifier {
	timeout := time.Duration(cfg.RPCTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.VerifierURL), "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		chain:    chain,
		breakers: breakers,
	}
}

type verifierResponse struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// Verify reports whether the destination is a contract and, if so,
// whether its source is verified. EOA destinations skip the lookup.
func (v *Verifier) Verify(ctx context.Context, chain, address string) (isContract, verified bool, err error) {
	isContract, err = v.chain.CodeAt(ctx, address)
	if err != nil {
		return false, false, err
	}
	if !isContract {
		return false, false, nil
	}
	if v.baseURL == "" {
		return true, false, fmt.Errorf("contract verifier url not configured")
	}

	err = v.breakers.Do(ctx, EndpointVerifier, func(ctx context.Context) error {
		lookup := fmt.Sprintf("%s/v1/contracts/%s/%s", v.baseURL, url.PathEscape(chain), url.PathEscape(strings.ToLower(address)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
		if err != nil {
			return err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return fmt.Errorf("verifier request failed: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var body verifierResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("verifier response decode failed: %w", err)
			}
			verified = body.Verified
			return nil
		case http.StatusNotFound:
			// Unknown contract. Treated as unverified, not as an outage.
			verified = false
			return nil
		default:
			return fmt.Errorf("verifier returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return true, false, err
	}
	return true, verified, nil
}
