// Package bingx implements the Adapter interface against BingX's
// USDT-margined perpetual swap REST and WebSocket APIs, reworked from
// an orderbook-centric connector into a funding-rate-centric one.
package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/apperr"
	"crossspread-arb-engine/internal/symbols"
)

const (
	wsURL   = "wss://open-api-swap.bingx.com/swap-market"
	restURL = "https://open-api.bingx.com"

	// MaxSubscriptionsPerConnection is BingX's per-connection cap
	// named in §4.2.
	MaxSubscriptionsPerConnection = 50
)

// Credentials holds the BingX API key/secret pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Adapter implements adapter.Adapter for BingX.
type Adapter struct {
	*adapter.BaseAdapter
	rest  *adapter.RESTClient
	creds Credentials
	log   zerolog.Logger

	translator symbols.Translator

	connMu sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
}

func New(creds Credentials, logger zerolog.Logger) *Adapter {
	return &Adapter{
		BaseAdapter: adapter.NewBaseAdapter("bingx", 256),
		rest:        adapter.NewRESTClient("bingx", restURL, 3, logger),
		creds:       creds,
		log:         logger.With().Str("venue", "bingx").Logger(),
		translator:  symbols.For(symbols.BingX),
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return adapter.WrapTransport("bingx", err)
	}
	a.connMu.Lock()
	a.conn = conn
	a.done = make(chan struct{})
	a.connMu.Unlock()

	if subs := a.SubscribedSet(); len(subs) > 0 {
		if err := a.Subscribe(subs); err != nil {
			return err
		}
	}
	a.SetConnected(true)
	go a.readLoop()
	go a.pingLoop()
	a.Emit(adapter.Event{Kind: adapter.EventConnected})
	return nil
}

func (a *Adapter) Disconnect() error {
	a.SetConnected(false)
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

func (a *Adapter) Subscribe(canonicalSymbols []string) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return apperr.NewTransport("bingx", fmt.Errorf("subscribe before connect"))
	}
	for _, s := range canonicalSymbols {
		dataType := a.translator.ToVenue(s) + "@markPrice"
		msg := map[string]any{"id": s, "reqType": "sub", "dataType": dataType}
		if err := conn.WriteJSON(msg); err != nil {
			return adapter.WrapTransport("bingx", err)
		}
	}
	a.MarkSubscribed(canonicalSymbols)
	return nil
}

func (a *Adapter) Unsubscribe(canonicalSymbols []string) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	for _, s := range canonicalSymbols {
		dataType := a.translator.ToVenue(s) + "@markPrice"
		msg := map[string]any{"id": s, "reqType": "unsub", "dataType": dataType}
		if err := conn.WriteJSON(msg); err != nil {
			return adapter.WrapTransport("bingx", err)
		}
	}
	a.MarkUnsubscribed(canonicalSymbols)
	return nil
}

func (a *Adapter) readLoop() {
	a.connMu.Lock()
	conn, done := a.conn, a.done
	a.connMu.Unlock()
	if conn == nil {
		return
	}
	for {
		select {
		case <-done:
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.SetConnected(false)
			a.Emit(adapter.Event{Kind: adapter.EventDisconnected, Err: err})
			return
		}
		a.handleMessage(msg)
	}
}

func (a *Adapter) pingLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		a.connMu.Lock()
		conn, done := a.conn, a.done
		a.connMu.Unlock()
		if conn == nil || done == nil {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

type wsMarkPricePush struct {
	DataType string `json:"dataType"`
	Data     struct {
		Symbol      string `json:"s"`
		FundingRate string `json:"r"`
		MarkPrice   string `json:"p"`
		NextFunding int64  `json:"T"`
	} `json:"data"`
}

func (a *Adapter) handleMessage(raw []byte) {
	if !strings.Contains(string(raw), "markPrice") {
		return
	}
	var push wsMarkPricePush
	if err := json.Unmarshal(raw, &push); err != nil {
		return
	}
	canonical, err := a.translator.ToCanonical(push.Data.Symbol)
	if err != nil {
		return
	}
	rate, _ := decimal.NewFromString(push.Data.FundingRate)
	fr := adapter.FundingRate{
		Symbol:               canonical,
		Rate:                 rate,
		MarkPrice:            decimalOrZero(push.Data.MarkPrice),
		NextFundingTime:      time.UnixMilli(push.Data.NextFunding),
		FundingIntervalHours: 8,
		ReceivedAt:           time.Now().UTC(),
	}
	a.Emit(adapter.Event{Kind: adapter.EventFundingRate, FundingRate: &fr})
	a.Emit(adapter.Event{Kind: adapter.EventMarkPrice, MarkPrice: &adapter.MarkPriceUpdate{
		Symbol: canonical, Price: fr.MarkPrice, Timestamp: fr.ReceivedAt,
	}})
}

type premiumIndexResp struct {
	Code int `json:"code"`
	Data []struct {
		Symbol          string `json:"symbol"`
		LastFundingRate string `json:"lastFundingRate"`
		MarkPrice       string `json:"markPrice"`
		NextFundingTime int64  `json:"nextFundingTime"`
	} `json:"data"`
}

func (a *Adapter) fetchPremiumIndex(ctx context.Context) (premiumIndexResp, error) {
	body, err := a.rest.Get(ctx, "/openApi/swap/v2/quote/premiumIndex")
	if err != nil {
		return premiumIndexResp{}, err
	}
	var resp premiumIndexResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return premiumIndexResp{}, apperr.NewUncertain("bingx", err)
	}
	return resp, nil
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (adapter.FundingRate, error) {
	resp, err := a.fetchPremiumIndex(ctx)
	if err != nil {
		return adapter.FundingRate{}, err
	}
	target := a.translator.ToVenue(symbol)
	for _, d := range resp.Data {
		if d.Symbol != target {
			continue
		}
		rate, _ := decimal.NewFromString(d.LastFundingRate)
		return adapter.FundingRate{
			Symbol:               symbol,
			Rate:                 rate,
			MarkPrice:            decimalOrZero(d.MarkPrice),
			NextFundingTime:      time.UnixMilli(d.NextFundingTime),
			FundingIntervalHours: 8,
			ReceivedAt:           time.Now().UTC(),
		}, nil
	}
	return adapter.FundingRate{}, apperr.NewAPI("bingx", "no_data", fmt.Errorf("no funding rate for %s", symbol))
}

func (a *Adapter) GetFundingRates(ctx context.Context, syms []string) ([]adapter.FundingRate, error) {
	resp, err := a.fetchPremiumIndex(ctx)
	if err != nil {
		return nil, err
	}
	wanted := toSet(syms)
	out := make([]adapter.FundingRate, 0, len(resp.Data))
	for _, d := range resp.Data {
		canonical, err := a.translator.ToCanonical(d.Symbol)
		if err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		rate, _ := decimal.NewFromString(d.LastFundingRate)
		out = append(out, adapter.FundingRate{
			Symbol:               canonical,
			Rate:                 rate,
			MarkPrice:            decimalOrZero(d.MarkPrice),
			NextFundingTime:      time.UnixMilli(d.NextFundingTime),
			FundingIntervalHours: 8,
			ReceivedAt:           time.Now().UTC(),
		})
	}
	return out, nil
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func (a *Adapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	if h, ok := a.CachedInterval(symbol); ok {
		return h, nil
	}
	fr, err := a.GetFundingRate(ctx, symbol)
	if err != nil {
		return 8, nil
	}
	a.CacheInterval(symbol, fr.FundingIntervalHours)
	return fr.FundingIntervalHours, nil
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	fr, err := a.GetFundingRate(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return fr.MarkPrice, nil
}

func (a *Adapter) GetPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	rates, err := a.GetFundingRates(ctx, syms)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rates))
	for _, r := range rates {
		out[r.Symbol] = r.MarkPrice
	}
	return out, nil
}

func (a *Adapter) GetMarkPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	return a.GetPrices(ctx, syms)
}

type contractsResp struct {
	Data []struct {
		Symbol            string `json:"symbol"`
		PricePrecision    int    `json:"pricePrecision"`
		TickSize          string `json:"tickSize"`
		QuantityPrecision int    `json:"quantityPrecision"`
		TradeMinQuantity  string `json:"tradeMinQuantity"`
		MakerFeeRate      string `json:"makerFeeRate"`
		TakerFeeRate      string `json:"takerFeeRate"`
	} `json:"data"`
}

func (a *Adapter) fetchContracts(ctx context.Context) (contractsResp, error) {
	body, err := a.rest.Get(ctx, "/openApi/swap/v2/quote/contracts")
	if err != nil {
		return contractsResp{}, err
	}
	var resp contractsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return contractsResp{}, apperr.NewUncertain("bingx", err)
	}
	return resp, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (adapter.SymbolInfo, error) {
	if info, ok := a.CachedSymbolInfo(symbol); ok {
		return info, nil
	}
	resp, err := a.fetchContracts(ctx)
	if err != nil {
		return adapter.SymbolInfo{}, err
	}
	target := a.translator.ToVenue(symbol)
	for _, c := range resp.Data {
		if c.Symbol != target {
			continue
		}
		info := adapter.SymbolInfo{
			Venue:       "bingx",
			Symbol:      symbol,
			TickSize:    decimalOrZero(c.TickSize),
			LotSize:     decimalOrZero(c.TradeMinQuantity),
			MinNotional: decimalOrZero(c.TradeMinQuantity),
			MakerFee:    decimalOrZero(c.MakerFeeRate),
			TakerFee:    decimalOrZero(c.TakerFeeRate),
		}
		a.CacheSymbolInfo(symbol, info)
		return info, nil
	}
	return adapter.SymbolInfo{}, apperr.NewAPI("bingx", "unknown_symbol", fmt.Errorf("%s not found", symbol))
}

func (a *Adapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	resp, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Data))
	for _, c := range resp.Data {
		if !strings.HasSuffix(c.Symbol, "-USDT") {
			continue
		}
		canonical, err := a.translator.ToCanonical(c.Symbol)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

type openInterestResp struct {
	Data struct {
		OpenInterest string `json:"openInterest"`
	} `json:"data"`
}

func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	target := a.translator.ToVenue(symbol)
	body, err := a.rest.Get(ctx, "/openApi/swap/v2/quote/openInterest?symbol="+target)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp openInterestResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, apperr.NewUncertain("bingx", err)
	}
	return decimalOrZero(resp.Data.OpenInterest), nil
}

// sign implements BingX's HMAC-SHA256 signing over sorted query
// parameters.
func (a *Adapter) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) signedQuery(params url.Values) (string, map[string]string, error) {
	if a.creds.APIKey == "" {
		return "", nil, apperr.NewCredentialMissing("bingx")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", a.sign(params))
	return "?" + params.Encode(), map[string]string{"X-BX-APIKEY": a.creds.APIKey}, nil
}

type balanceResp struct {
	Data struct {
		Balance struct {
			Asset           string `json:"asset"`
			Balance         string `json:"balance"`
			AvailableMargin string `json:"availableMargin"`
		} `json:"balance"`
	} `json:"data"`
}

func (a *Adapter) GetBalance(ctx context.Context) (adapter.Balance, error) {
	query, headers, err := a.signedQuery(nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	body, err := a.rest.Do(ctx, "GET", "/openApi/swap/v2/user/balance"+query, headers, nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	var resp balanceResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Balance{}, apperr.NewUncertain("bingx", err)
	}
	return adapter.Balance{
		Venue:     "bingx",
		Asset:     "USDT",
		Available: decimalOrZero(resp.Data.Balance.AvailableMargin),
		Total:     decimalOrZero(resp.Data.Balance.Balance),
	}, nil
}

type positionsResp struct {
	Data []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		AvgPrice         string `json:"avgPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
	} `json:"data"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]adapter.PositionInfo, error) {
	query, headers, err := a.signedQuery(nil)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", "/openApi/swap/v2/user/positions"+query, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp positionsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("bingx", err)
	}
	out := make([]adapter.PositionInfo, 0, len(resp.Data))
	for _, p := range resp.Data {
		canonical, err := a.translator.ToCanonical(p.Symbol)
		if err != nil {
			continue
		}
		side := adapter.OrderBuy
		if p.PositionSide == "SHORT" {
			side = adapter.OrderSell
		}
		out = append(out, adapter.PositionInfo{
			Venue:         "bingx",
			Symbol:        canonical,
			Side:          side,
			Size:          decimalOrZero(p.PositionAmt).Abs(),
			EntryPrice:    decimalOrZero(p.AvgPrice),
			MarkPrice:     decimalOrZero(p.MarkPrice),
			UnrealizedPnL: decimalOrZero(p.UnrealizedProfit),
			Leverage:      decimalOrZero(p.Leverage),
		})
	}
	return out, nil
}

type orderResp struct {
	Data struct {
		Order struct {
			OrderId       int64  `json:"orderId"`
			ClientOrderId string `json:"clientOrderId"`
			Status        string `json:"status"`
		} `json:"order"`
	} `json:"data"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.translator.ToVenue(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("positionSide", "BOTH")
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", req.Size.String())
	if req.Type == adapter.OrderLimit {
		params.Set("price", req.Price.String())
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	query, headers, err := a.signedQuery(params)
	if err != nil {
		return adapter.Order{}, err
	}
	body, err := a.rest.Do(ctx, "POST", "/openApi/swap/v2/trade/order"+query, headers, nil)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Order{}, apperr.NewUncertain("bingx", err)
	}
	return adapter.Order{
		Venue:         "bingx",
		Symbol:        req.Symbol,
		OrderID:       strconv.FormatInt(resp.Data.Order.OrderId, 10),
		ClientOrderID: resp.Data.Order.ClientOrderId,
		Side:          req.Side,
		Status:        bingxStatusToStatus(resp.Data.Order.Status),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func bingxStatusToStatus(status string) adapter.OrderStatus {
	switch strings.ToUpper(status) {
	case "FILLED":
		return adapter.OrderStatusFilled
	case "PARTIALLY_FILLED":
		return adapter.OrderStatusPartial
	case "CANCELED":
		return adapter.OrderStatusCanceled
	case "NEW", "PENDING":
		return adapter.OrderStatusNew
	default:
		return adapter.OrderStatusRejected
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", a.translator.ToVenue(symbol))
	params.Set("orderId", orderID)
	query, headers, err := a.signedQuery(params)
	if err != nil {
		return err
	}
	_, err = a.rest.Do(ctx, "DELETE", "/openApi/swap/v2/trade/order"+query, headers, nil)
	return err
}

type queryOrderResp struct {
	Data struct {
		Order struct {
			OrderId       int64  `json:"orderId"`
			ClientOrderId string `json:"clientOrderId"`
			Status        string `json:"status"`
			AvgPrice      string `json:"avgPrice"`
			ExecutedQty   string `json:"executedQty"`
			Side          string `json:"side"`
			UpdateTime    int64  `json:"updateTime"`
		} `json:"order"`
	} `json:"data"`
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (adapter.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.translator.ToVenue(symbol))
	params.Set("orderId", orderID)
	query, headers, err := a.signedQuery(params)
	if err != nil {
		return adapter.Order{}, err
	}
	body, err := a.rest.Do(ctx, "GET", "/openApi/swap/v2/trade/order"+query, headers, nil)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp queryOrderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Order{}, apperr.NewUncertain("bingx", err)
	}
	o := resp.Data.Order
	return adapter.Order{
		Venue:         "bingx",
		Symbol:        symbol,
		OrderID:       strconv.FormatInt(o.OrderId, 10),
		ClientOrderID: o.ClientOrderId,
		Side:          adapter.OrderSide(strings.ToLower(o.Side)),
		Status:        bingxStatusToStatus(o.Status),
		FilledSize:    decimalOrZero(o.ExecutedQty),
		AvgFillPrice:  decimalOrZero(o.AvgPrice),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}, nil
}

type fundingPaymentsResp struct {
	Data []struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Time       int64  `json:"time"`
	} `json:"data"`
}

func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]adapter.FundingPayment, error) {
	target := a.translator.ToVenue(symbol)
	params := url.Values{}
	params.Set("symbol", target)
	params.Set("incomeType", "FUNDING_FEE")
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(until.UnixMilli(), 10))
	query, headers, err := a.signedQuery(params)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", "/openApi/swap/v2/user/income"+query, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp fundingPaymentsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("bingx", err)
	}
	out := make([]adapter.FundingPayment, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.IncomeType != "FUNDING_FEE" {
			continue
		}
		ts := time.UnixMilli(d.Time)
		if ts.Before(since) || !ts.Before(until) {
			continue
		}
		out = append(out, adapter.FundingPayment{
			Venue:     "bingx",
			Symbol:    symbol,
			Amount:    decimalOrZero(d.Income),
			Timestamp: ts,
		})
	}
	return out, nil
}
