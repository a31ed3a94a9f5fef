// Package binancefut implements the Binance USDT-margined futures gateway.
package binancefut

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

const Name = "binance-usdtfut"

// Config holds Binance USDT-M futures credentials and settings.
type Config struct {
	Credentials common.Credentials
	Environment common.Environment
	RecvWindow  int64  // ms
	BaseURL     string // override for tests
	Timeout     time.Duration
}

// Client is a signed Binance futures REST client scoped to one account.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
}

// NewClient creates a Binance futures gateway for one user's credentials.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://fapi.binance.com"
		if cfg.Environment == common.EnvTestnet {
			base = "https://testnet.binancefuture.com"
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
	c.weights = common.NewWeightTracker(2400, time.Minute)
	return c
}

func (c *Client) Name() string { return Name }

// Ping checks connectivity against the public ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("binance ping status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// WalletBalance returns the futures wallet's USDT balance.
func (c *Client) WalletBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return common.Balance{}, fmt.Errorf("binance: decode balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return common.Balance{
				Asset:     "USDT",
				Total:     parseFloat(b.Balance),
				Available: parseFloat(b.AvailableBalance),
			}, nil
		}
	}
	return common.Balance{Asset: "USDT"}, nil
}

// OpenPositions returns every non-zero futures position. Binance
// reports shorts as negative positionAmt.
func (c *Client) OpenPositions(ctx context.Context) ([]common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}

	var risks []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("binance: decode positions: %w", err)
	}

	positions := make([]common.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		size := amt
		if amt < 0 {
			side = "short"
			size = -amt
		}
		positions = append(positions, common.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(r.EntryPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
		})
	}
	return positions, nil
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/time", nil)
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
		return 0, fmt.Errorf("binance server time status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// doSigned signs the query with HMAC-SHA256 and sends the request.
// Binance signs the encoded query string itself; the signature rides
// as a query parameter and the key as X-MBX-APIKEY.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	c.timeSync.Ensure(ctx)
	if c.weights.ShouldDelay() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.Credentials.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weights.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		var apiErr struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			// -1021: timestamp outside the recv window.
			if apiErr.Code == -1021 {
				c.timeSync.Invalidate()
			}
			return nil, &common.APIError{Exchange: Name, Code: apiErr.Code, Message: apiErr.Msg}
		}
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) now() int64 {
	return c.timeSync.Now()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
