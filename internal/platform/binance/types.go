package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// apiTicker is one entry of GET /api/v3/ticker/24hr.
type apiTicker struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// apiAccount is the response of GET /api/v3/account.
type apiAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// apiOrder is the FULL response of POST /api/v3/order.
type apiOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

// apiExchangeInfo is the subset of GET /api/v3/exchangeInfo used for lot sizes.
type apiExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// apiError is the error body Binance returns with 4xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toSnapshot converts a ticker for base+quote into a snapshot keyed by base.
func (t apiTicker) toSnapshot(venue, base string) domain.MarketSnapshot {
	captured := time.Now()
	if t.CloseTime > 0 {
		captured = time.UnixMilli(t.CloseTime)
	}
	return domain.MarketSnapshot{
		Venue:        venue,
		Symbol:       base,
		LastPrice:    parseFloat(t.LastPrice),
		Change24hPct: parseFloat(t.PriceChangePercent),
		Volume24h:    parseFloat(t.QuoteVolume),
		Bid:          parseFloat(t.BidPrice),
		Ask:          parseFloat(t.AskPrice),
		CapturedAt:   captured,
	}
}

// fill summarizes an order response.
type fill struct {
	orderID  string
	status   domain.ExecutionStatus
	baseQty  decimal.Decimal
	quoteQty decimal.Decimal
	fee      decimal.Decimal // in quote terms where the commission asset is known
}

func (o apiOrder) toFill(base, quote string) fill {
	f := fill{
		orderID:  strconv.FormatInt(o.OrderID, 10),
		baseQty:  parseDecimal(o.ExecutedQty),
		quoteQty: parseDecimal(o.CummulativeQuoteQty),
	}
	switch o.Status {
	case "FILLED":
		f.status = domain.ExecutionFilled
	case "PARTIALLY_FILLED":
		f.status = domain.ExecutionPartial
	case "EXPIRED", "EXPIRED_IN_MATCH":
		if f.baseQty.IsPositive() {
			f.status = domain.ExecutionPartial
		} else {
			f.status = domain.ExecutionRejected
		}
	default:
		f.status = domain.ExecutionRejected
	}
	for _, fl := range o.Fills {
		c := parseDecimal(fl.Commission)
		switch fl.CommissionAsset {
		case quote:
			f.fee = f.fee.Add(c)
		case base:
			f.fee = f.fee.Add(c.Mul(parseDecimal(fl.Price)))
		}
	}
	return f
}
