// Package bybit implements the Bybit V5 unified-account gateway.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"signal-core/pkg/exchanges/common"
)

const Name = "bybit"

// Config holds Bybit V5 credentials and connection settings.
type Config struct {
	Credentials common.Credentials
	Environment common.Environment
	RecvWindow  int64  // ms
	BaseURL     string // override for tests
	Timeout     time.Duration
}

// Client is a signed Bybit V5 REST client scoped to one account.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
}

// NewClient creates a Bybit gateway for one user's credentials.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.bybit.com"
		if cfg.Environment == common.EnvTestnet {
			base = "https://api-testnet.bybit.com"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	c.timeSync = common.NewTimeSync(c.serverTime)
	c.weights = common.NewWeightTracker(600, 5*time.Second)
	return c
}

func (c *Client) Name() string { return Name }

// Ping checks connectivity against the public time endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.serverTime(ctx)
	return err
}

// WalletBalance returns the unified account's USDT balance.
func (c *Client) WalletBalance(ctx context.Context) (common.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	params.Set("coin", "USDT")

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			Coin                  []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Equity        string `json:"equity"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.getSigned(ctx, "/v5/account/wallet-balance", params, &result); err != nil {
		return common.Balance{}, err
	}
	if len(result.List) == 0 {
		return common.Balance{}, fmt.Errorf("bybit: empty wallet-balance result")
	}

	acct := result.List[0]
	bal := common.Balance{
		Asset:     "USDT",
		Total:     parseFloat(acct.TotalEquity),
		Available: parseFloat(acct.TotalAvailableBalance),
	}
	for _, coin := range acct.Coin {
		if coin.Coin == "USDT" {
			bal.Total = parseFloat(coin.WalletBalance)
			break
		}
	}
	return bal, nil
}

// OpenPositions returns every non-zero linear USDT position.
func (c *Client) OpenPositions(ctx context.Context) ([]common.Position, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("settleCoin", "USDT")

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy / Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := c.getSigned(ctx, "/v5/position/list", params, &result); err != nil {
		return nil, err
	}

	positions := make([]common.Position, 0, len(result.List))
	for _, p := range result.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		side := "long"
		if p.Side == "Sell" {
			side = "short"
		}
		positions = append(positions, common.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
			Leverage:      parseFloat(p.Leverage),
		})
	}
	return positions, nil
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/time", nil)
	if err != nil {
		return 0, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("bybit server time status %d: %s", res.StatusCode, string(b))
	}

	var env struct {
		RetCode int64 `json:"retCode"`
		Result  struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return 0, err
	}
	nanos, err := strconv.ParseInt(env.Result.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse timeNano: %w", err)
	}
	return nanos / int64(time.Millisecond), nil
}

// getSigned sends a signed GET and decodes the result envelope into out.
// Bybit V5 signs timestamp + apiKey + recvWindow + queryString.
func (c *Client) getSigned(ctx context.Context, path string, params url.Values, out interface{}) error {
	c.timeSync.Ensure(ctx)
	if c.weights.ShouldDelay() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	query := params.Encode()
	timestamp := strconv.FormatInt(c.now(), 10)
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)

	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte(timestamp + c.cfg.Credentials.APIKey + recvWindow + query))
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-BAPI-API-KEY", c.cfg.Credentials.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.weights.Observe(res.Header.Get("X-Bapi-Limit-Status"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("bybit %s status %d: %s", path, res.StatusCode, string(body))
	}

	var env struct {
		RetCode int64           `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("bybit: decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		// 10002: request timestamp fell outside the recv window.
		if env.RetCode == 10002 {
			c.timeSync.Invalidate()
		}
		return &common.APIError{Exchange: Name, Code: env.RetCode, Message: env.RetMsg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("bybit: decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) now() int64 {
	return c.timeSync.Now()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
