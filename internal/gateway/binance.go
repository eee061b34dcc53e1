package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"main/internal/errors"
	"main/internal/schema"
)

const (
	binanceBaseURL = "https://api.binance.com"

	pathTickerPrice  = "/api/v3/ticker/price"
	pathKlines       = "/api/v3/klines"
	pathExchangeInfo = "/api/v3/exchangeInfo"
	pathAccount      = "/api/v3/account"
	pathOrder        = "/api/v3/order"
	pathOpenOrders   = "/api/v3/openOrders"
	pathFundingAsset = "/sapi/v1/asset/get-funding-asset"
)

var ErrBinanceSymbolNotFound = errors.New("binance: symbol not found")

// BinanceConfig holds credentials and transport settings.
type BinanceConfig struct {
	BaseURL     string
	APIKey      string
	Secret      string
	CallTimeout time.Duration
}

// Binance is a spot REST gateway.
type Binance struct {
	cfg    BinanceConfig
	client *resty.Client
}

// NewBinance builds a gateway with a shared HTTP client.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = binanceBaseURL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)
	return &Binance{cfg: cfg, client: client}
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps a transport or HTTP failure onto the gateway taxonomy.
func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return Transient(op, err)
	}
	if resp == nil || !resp.IsError() {
		return nil
	}
	status := resp.StatusCode()
	apiErr := errors.New(strings.TrimSpace(string(resp.Body())))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return Transient(op, apiErr)
	}
	return Terminal(op, apiErr)
}

func (b *Binance) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	const op = "fetch price"
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(pathTickerPrice)
	if cerr := classify(op, resp, err); cerr != nil {
		return 0, cerr
	}
	price, perr := strconv.ParseFloat(out.Price, 64)
	if perr != nil {
		return 0, Terminal(op, perr)
	}
	return price, nil
}

func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	const op = "fetch ohlcv"
	if limit <= 0 {
		limit = 100
	}
	var rows [][]any
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": timeframe,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows).
		Get(pathKlines)
	if cerr := classify(op, resp, err); cerr != nil {
		return nil, cerr
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		candle := Candle{
			OpenTime: int64(asFloat(row[0])),
			Open:     asFloat(row[1]),
			High:     asFloat(row[2]),
			Low:      asFloat(row[3]),
			Close:    asFloat(row[4]),
			Volume:   asFloat(row[5]),
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func asFloat(v any) float64 {
	switch value := v.(type) {
	case float64:
		return value
	case string:
		f, _ := strconv.ParseFloat(value, 64)
		return f
	default:
		return 0
	}
}

type binanceBalanceEntry struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

func (b *Binance) FetchBalance(ctx context.Context, kind BalanceKind) (map[string]Balance, error) {
	if kind == BalanceFunding {
		return b.fetchFundingBalance(ctx)
	}
	const op = "fetch balance"
	var out struct {
		Balances []binanceBalanceEntry `json:"balances"`
	}
	resp, err := b.signedRequest(ctx, http.MethodGet, pathAccount, url.Values{}, &out)
	if cerr := classify(op, resp, err); cerr != nil {
		return nil, cerr
	}
	return toBalanceMap(out.Balances), nil
}

func (b *Binance) fetchFundingBalance(ctx context.Context) (map[string]Balance, error) {
	const op = "fetch funding balance"
	var out []binanceBalanceEntry
	resp, err := b.signedRequest(ctx, http.MethodPost, pathFundingAsset, url.Values{}, &out)
	if cerr := classify(op, resp, err); cerr != nil {
		return nil, cerr
	}
	return toBalanceMap(out), nil
}

func toBalanceMap(entries []binanceBalanceEntry) map[string]Balance {
	out := make(map[string]Balance, len(entries))
	for _, entry := range entries {
		free, _ := decimal.NewFromString(entry.Free)
		locked, _ := decimal.NewFromString(entry.Locked)
		if free.Sign() == 0 && locked.Sign() == 0 {
			continue
		}
		out[entry.Asset] = Balance{Free: free, Locked: locked}
	}
	return out
}

func (b *Binance) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	const op = "fetch instrument"
	var out struct {
		Symbols []struct {
			Symbol             string `json:"symbol"`
			BaseAsset          string `json:"baseAsset"`
			QuoteAsset         string `json:"quoteAsset"`
			BaseAssetPrecision int32  `json:"baseAssetPrecision"`
			QuotePrecision     int32  `json:"quotePrecision"`
			Filters            []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get(pathExchangeInfo)
	if cerr := classify(op, resp, err); cerr != nil {
		return Instrument{}, cerr
	}
	if len(out.Symbols) == 0 {
		return Instrument{}, Terminal(op, ErrBinanceSymbolNotFound)
	}

	info := out.Symbols[0]
	inst := Instrument{
		Symbol:          info.Symbol,
		BaseAsset:       info.BaseAsset,
		QuoteAsset:      info.QuoteAsset,
		PricePrecision:  info.QuotePrecision,
		AmountPrecision: info.BaseAssetPrecision,
	}
	for _, filter := range info.Filters {
		switch filter.FilterType {
		case "PRICE_FILTER":
			if p, ok := stepPrecision(filter.TickSize); ok {
				inst.PricePrecision = p
			}
		case "LOT_SIZE":
			if p, ok := stepPrecision(filter.StepSize); ok {
				inst.AmountPrecision = p
			}
		case "NOTIONAL", "MIN_NOTIONAL":
			if m, err := decimal.NewFromString(filter.MinNotional); err == nil {
				inst.MinNotional = m
			}
		}
	}
	return inst, nil
}

// stepPrecision converts a step size like "0.00100000" to a decimal count.
func stepPrecision(step string) (int32, bool) {
	d, err := decimal.NewFromString(step)
	if err != nil || d.Sign() <= 0 {
		return 0, false
	}
	f, _ := d.Float64()
	p := int32(math.Round(-math.Log10(f)))
	if p < 0 {
		p = 0
	}
	return p, true
}

type binanceOrderResponse struct {
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	OrigClientOrderID  string `json:"origClientOrderId"`
	Symbol             string `json:"symbol"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	ExecutedQty        string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r binanceOrderResponse) toResult() OrderResult {
	clientID := r.ClientOrderID
	if clientID == "" {
		clientID = r.OrigClientOrderID
	}
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	quote, _ := decimal.NewFromString(r.CummulativeQuoteQty)
	avg := decimal.Zero
	if filled.Sign() > 0 {
		avg = quote.DivRound(filled, 8)
	}
	return OrderResult{
		ClientID:     clientID,
		ExchangeID:   strconv.FormatInt(r.OrderID, 10),
		Symbol:       r.Symbol,
		Side:         parseSide(r.Side),
		Status:       parseOrderStatus(r.Status),
		FilledAmount: filled,
		AvgPrice:     avg,
	}
}

func parseSide(s string) schema.Side {
	switch s {
	case "BUY":
		return schema.SideBuy
	case "SELL":
		return schema.SideSell
	default:
		return schema.SideUnknown
	}
}

func parseOrderStatus(s string) schema.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return schema.OrderStatusPending
	case "FILLED":
		return schema.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return schema.OrderStatusCanceled
	case "REJECTED":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusUnknown
	}
}

func (b *Binance) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	const op = "create order"
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side.String())
	params.Set("type", req.Type.String())
	params.Set("quantity", req.Amount.String())
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.Type == OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}

	var out binanceOrderResponse
	resp, err := b.signedRequest(ctx, http.MethodPost, pathOrder, params, &out)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		// The order may have reached the exchange; force reconciliation.
		return OrderResult{}, Transient(op, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err))
	}
	if cerr := classify(op, resp, err); cerr != nil {
		return OrderResult{}, cerr
	}
	return out.toResult(), nil
}

func (b *Binance) FetchOrder(ctx context.Context, clientID, symbol string) (OrderResult, error) {
	const op = "fetch order"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	var out binanceOrderResponse
	resp, err := b.signedRequest(ctx, http.MethodGet, pathOrder, params, &out)
	if cerr := classify(op, resp, err); cerr != nil {
		return OrderResult{}, cerr
	}
	return out.toResult(), nil
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	const op = "open orders"
	params := url.Values{}
	params.Set("symbol", symbol)

	var out []binanceOrderResponse
	resp, err := b.signedRequest(ctx, http.MethodGet, pathOpenOrders, params, &out)
	if cerr := classify(op, resp, err); cerr != nil {
		return nil, cerr
	}
	results := make([]OrderResult, 0, len(out))
	for _, row := range out {
		results = append(results, row.toResult())
	}
	return results, nil
}

func (b *Binance) CancelOrder(ctx context.Context, exchangeID, symbol string) error {
	const op = "cancel order"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeID)

	resp, err := b.signedRequest(ctx, http.MethodDelete, pathOrder, params, nil)
	return classify(op, resp, err)
}

func (b *Binance) Close() error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}

// signedRequest appends the timestamp and HMAC signature required by
// account-scoped endpoints.
func (b *Binance) signedRequest(ctx context.Context, method, path string, params url.Values, result any) (*resty.Response, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.cfg.Secret))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))

	req := b.client.R().
		SetContext(ctx).
		SetQueryString(query + "&signature=" + signature)
	if result != nil {
		req.SetResult(result)
	}

	switch method {
	case http.MethodGet:
		return req.Get(path)
	case http.MethodPost:
		return req.Post(path)
	case http.MethodDelete:
		return req.Delete(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
}
