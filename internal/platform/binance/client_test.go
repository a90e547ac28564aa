package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

const testSecret = "s3cret"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:    srv.URL,
		APIKey:     "key",
		APISecret:  testSecret,
		QuoteAsset: "USDT",
		Symbols:    []string{"BTC", "CHZ", "USDT"},
	})
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

// verifySignature checks the HMAC over everything before &signature=.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	raw := r.URL.RawQuery
	i := strings.LastIndex(raw, "&signature=")
	if i < 0 {
		t.Fatalf("unsigned request: %s", raw)
	}
	want := hmacAuth{secret: testSecret}.sign(raw[:i])
	if got := raw[i+len("&signature="):]; got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
	if r.Header.Get("X-MBX-APIKEY") != "key" {
		t.Fatalf("missing api key header")
	}
}

func TestGetSnapshots(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbols"); got != `["BTCUSDT","CHZUSDT"]` {
			t.Fatalf("symbols = %s", got)
		}
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","priceChangePercent":"2.5","lastPrice":"60000","bidPrice":"59990","askPrice":"60010","quoteVolume":"1000000","closeTime":1700000000000},
			{"symbol":"CHZUSDT","priceChangePercent":"-4.1","lastPrice":"0.08","bidPrice":"0.0799","askPrice":"0.0801","quoteVolume":"5000","closeTime":1700000000000},
			{"symbol":"DEADUSDT","lastPrice":"0"}
		]`))
	})
	snaps, err := c.GetSnapshots(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	chz := snaps[1]
	if chz.Symbol != "CHZ" || chz.Venue != Venue || chz.Change24hPct != -4.1 || chz.Bid != 0.0799 {
		t.Fatalf("CHZ = %+v", chz)
	}
	if !chz.CapturedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("CapturedAt = %v", chz.CapturedAt)
	}
}

func TestGetBalancesSigned(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		_, _ = w.Write([]byte(`{"balances":[
			{"asset":"CHZ","free":"100.5","locked":"0"},
			{"asset":"BNB","free":"0","locked":"0"},
			{"asset":"USDT","free":"12","locked":"3"}
		]}`))
	})
	held, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("held = %+v", held)
	}
	if !held[0].Free.Equal(decimal.RequireFromString("100.5")) || !held[1].Total().Equal(decimal.NewFromInt(15)) {
		t.Fatalf("held = %+v", held)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		failure bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"code":-2015,"msg":"nope"}`))
		})
		_, err := c.GetBalances(context.Background())
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := errors.Is(err, domain.ErrConnectorFailure); got != tt.failure {
			t.Errorf("status %d: connector failure = %v, want %v (%v)", tt.status, got, tt.failure, err)
		}
	}
}

func exchangeInfo(w http.ResponseWriter, pair string) {
	_, _ = w.Write([]byte(`{"symbols":[{"symbol":"` + pair + `","filters":[{"filterType":"LOT_SIZE","stepSize":"1.00000000","minQty":"1.00000000"}]}]}`))
}

func TestExecuteSellToQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			exchangeInfo(w, "CHZUSDT")
		case "/api/v3/order":
			verifySignature(t, r)
			q := r.URL.Query()
			if q.Get("side") != "SELL" || q.Get("quantity") != "100" || q.Get("newClientOrderId") != "prop-1" {
				t.Fatalf("order params = %v", q)
			}
			_, _ = w.Write([]byte(`{"symbol":"CHZUSDT","orderId":42,"status":"FILLED","executedQty":"100","cummulativeQuoteQty":"8",
				"fills":[{"price":"0.08","qty":"100","commission":"0.008","commissionAsset":"USDT"}]}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	opp := domain.ScoredOpportunity{
		Candidate: domain.CandidateConversion{Venue: Venue, FromAsset: "CHZ", ToAsset: "USDT"},
		Quantity:  100.7,
	}
	rec, err := c.Execute(context.Background(), opp, "prop-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != domain.ExecutionFilled || rec.VenueOrderID != "42" {
		t.Fatalf("receipt = %+v", rec)
	}
	if !rec.QtyIn.Equal(decimal.NewFromInt(100)) || !rec.QtyOut.Equal(decimal.RequireFromString("7.992")) {
		t.Fatalf("qty in/out = %s/%s", rec.QtyIn, rec.QtyOut)
	}
}

func TestExecuteTwoLegs(t *testing.T) {
	var legs []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			exchangeInfo(w, "CHZUSDT")
		case "/api/v3/order":
			q := r.URL.Query()
			legs = append(legs, q.Get("side")+" "+q.Get("symbol"))
			if q.Get("side") == "SELL" {
				_, _ = w.Write([]byte(`{"orderId":1,"status":"FILLED","executedQty":"100","cummulativeQuoteQty":"8","fills":[]}`))
				return
			}
			if q.Get("quoteOrderQty") != "8" {
				t.Fatalf("quoteOrderQty = %s", q.Get("quoteOrderQty"))
			}
			if id := q.Get("newClientOrderId"); len(id) > 36 || id == "prop-2" {
				t.Fatalf("second leg id = %q", id)
			}
			_, _ = w.Write([]byte(`{"orderId":2,"status":"FILLED","executedQty":"0.0001","cummulativeQuoteQty":"8","fills":[]}`))
		}
	})
	opp := domain.ScoredOpportunity{
		Candidate: domain.CandidateConversion{Venue: Venue, FromAsset: "CHZ", ToAsset: "BTC"},
		Quantity:  100,
	}
	rec, err := c.Execute(context.Background(), opp, "prop-2")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Join(legs, ",") != "SELL CHZUSDT,BUY BTCUSDT" {
		t.Fatalf("legs = %v", legs)
	}
	if rec.VenueOrderID != "1,2" || !rec.QtyOut.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestExecuteRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			exchangeInfo(w, "CHZUSDT")
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	})
	opp := domain.ScoredOpportunity{
		Candidate: domain.CandidateConversion{Venue: Venue, FromAsset: "CHZ", ToAsset: "USDT"},
		Quantity:  100,
	}
	rec, err := c.Execute(context.Background(), opp, "prop-3")
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("err = %v", err)
	}
	if rec.Status != domain.ExecutionRejected || rec.Error == "" {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestExecuteBelowLotSize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/order" {
			t.Fatal("order placed below lot size")
		}
		exchangeInfo(w, "CHZUSDT")
	})
	opp := domain.ScoredOpportunity{
		Candidate: domain.CandidateConversion{Venue: Venue, FromAsset: "CHZ", ToAsset: "USDT"},
		Quantity:  0.5,
	}
	if _, err := c.Execute(context.Background(), opp, "prop-4"); !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("err = %v", err)
	}
}
