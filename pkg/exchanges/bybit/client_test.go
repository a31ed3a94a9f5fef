package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"signal-core/pkg/exchanges/common"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		Credentials: common.Credentials{APIKey: "test-key", APISecret: "test-secret"},
		Environment: common.EnvTestnet,
		BaseURL:     baseURL,
	})
}

func TestWalletBalanceSigning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
			return
		}
		if r.URL.Path != "/v5/account/wallet-balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		apiKey := r.Header.Get("X-BAPI-API-KEY")
		timestamp := r.Header.Get("X-BAPI-TIMESTAMP")
		recvWindow := r.Header.Get("X-BAPI-RECV-WINDOW")
		if apiKey != "test-key" {
			t.Errorf("wrong api key header: %s", apiKey)
		}
		if timestamp == "" || recvWindow != "5000" {
			t.Errorf("missing timestamp/recvWindow headers: %q %q", timestamp, recvWindow)
		}

		// Recompute the V5 signature over timestamp+key+window+query.
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(timestamp + apiKey + recvWindow + r.URL.RawQuery))
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-BAPI-SIGN"); got != want {
			t.Errorf("signature mismatch: got %s want %s", got, want)
		}

		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{
			"totalEquity":"1234.5","totalAvailableBalance":"1000.25",
			"coin":[{"coin":"USDT","walletBalance":"1200.75","equity":"1234.5"}]
		}]}}`))
	}))
	defer srv.Close()

	bal, err := newTestClient(srv.URL).WalletBalance(context.Background())
	if err != nil {
		t.Fatalf("WalletBalance failed: %v", err)
	}
	if bal.Asset != "USDT" || bal.Total != 1200.75 || bal.Available != 1000.25 {
		t.Errorf("unexpected balance: %+v", bal)
	}
}

func TestWalletBalanceRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
			return
		}
		w.Write([]byte(`{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).WalletBalance(context.Background())
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Exchange != Name || apiErr.Code != 10003 {
		t.Errorf("unexpected error fields: %+v", apiErr)
	}
}

func TestOpenPositionsFiltersAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"50000","unrealisedPnl":"12.3","leverage":"5"},
			{"symbol":"ETHUSDT","side":"Sell","size":"2","avgPrice":"3000","unrealisedPnl":"-4.1","leverage":"3"},
			{"symbol":"XRPUSDT","side":"None","size":"0","avgPrice":"0","unrealisedPnl":"0","leverage":"1"}
		]}}`))
	}))
	defer srv.Close()

	positions, err := newTestClient(srv.URL).OpenPositions(context.Background())
	if err != nil {
		t.Fatalf("OpenPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions (zero size dropped), got %d", len(positions))
	}
	if positions[0].Side != "long" || positions[0].EntryPrice != 50000 {
		t.Errorf("unexpected long position: %+v", positions[0])
	}
	if positions[1].Side != "short" || positions[1].Size != 2 {
		t.Errorf("unexpected short position: %+v", positions[1])
	}
}

func TestSignedTimestampUsesServerClock(t *testing.T) {
	const serverMillis = int64(1700000000123)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
			return
		}
		ts, err := strconv.ParseInt(r.Header.Get("X-BAPI-TIMESTAMP"), 10, 64)
		if err != nil {
			t.Errorf("bad timestamp header: %v", err)
		}
		if diff := ts - serverMillis; diff < -5000 || diff > 5000 {
			t.Errorf("timestamp %d not aligned with server clock %d", ts, serverMillis)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).OpenPositions(context.Background()); err != nil {
		t.Fatalf("OpenPositions failed: %v", err)
	}
}

func TestRecvWindowRejectionForcesResync(t *testing.T) {
	var timeCalls int32
	rejected := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			atomic.AddInt32(&timeCalls, 1)
			w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
			return
		}
		if !rejected {
			rejected = true
			w.Write([]byte(`{"retCode":10002,"retMsg":"invalid request, please check your timestamp"}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if _, err := client.OpenPositions(context.Background()); err == nil {
		t.Fatal("expected recv-window rejection")
	}
	if n := atomic.LoadInt32(&timeCalls); n != 1 {
		t.Fatalf("expected a single sync before the rejection, got %d", n)
	}

	// A recv-window rejection invalidates the offset; the next signed
	// call must resync before sending.
	if _, err := client.OpenPositions(context.Background()); err != nil {
		t.Fatalf("retry after resync failed: %v", err)
	}
	if n := atomic.LoadInt32(&timeCalls); n != 2 {
		t.Errorf("expected resync after recv-window rejection, got %d time calls", n)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/time" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Error("ping must be unauthenticated")
		}
		w.Write([]byte(`{"retCode":0,"result":{"timeNano":"1700000000123456789"}}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
