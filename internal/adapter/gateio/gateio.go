// Package gateio implements the Adapter interface against Gate.io's
// USDT-margined futures REST and WebSocket APIs, reworked from an
// orderbook-centric connector into a funding-rate-centric one.
package gateio

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
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
	wsURL      = "wss://fx-ws.gateio.ws/v4/ws/usdt"
	restURL    = "https://api.gateio.ws"
	apiVersion = "/api/v4"
	settle     = "usdt"

	// MaxSubscriptionsPerConnection is Gate.io's per-connection cap
	// named in §4.2.
	MaxSubscriptionsPerConnection = 20
)

// Credentials holds the Gate.io API key/secret pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Adapter implements adapter.Adapter for Gate.io.
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
		BaseAdapter: adapter.NewBaseAdapter("gateio", 256),
		rest:        adapter.NewRESTClient("gateio", restURL, 3, logger),
		creds:       creds,
		log:         logger.With().Str("venue", "gateio").Logger(),
		translator:  symbols.For(symbols.GateIO),
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return adapter.WrapTransport("gateio", err)
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
		return apperr.NewTransport("gateio", fmt.Errorf("subscribe before connect"))
	}
	contracts := make([]string, 0, len(canonicalSymbols))
	for _, s := range canonicalSymbols {
		contracts = append(contracts, a.translator.ToVenue(s))
	}
	msg := map[string]any{
		"time":    time.Now().Unix(),
		"channel": "futures.funding_rate",
		"event":   "subscribe",
		"payload": contracts,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return adapter.WrapTransport("gateio", err)
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
	contracts := make([]string, 0, len(canonicalSymbols))
	for _, s := range canonicalSymbols {
		contracts = append(contracts, a.translator.ToVenue(s))
	}
	msg := map[string]any{
		"time":    time.Now().Unix(),
		"channel": "futures.funding_rate",
		"event":   "unsubscribe",
		"payload": contracts,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return adapter.WrapTransport("gateio", err)
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
			_ = conn.WriteJSON(map[string]any{"time": time.Now().Unix(), "channel": "futures.ping"})
		}
	}
}

type wsFundingPush struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Result  []struct {
		Contract string `json:"contract"`
		Rate     string `json:"r"`
		Time     int64  `json:"t"`
	} `json:"result"`
}

func (a *Adapter) handleMessage(raw []byte) {
	var push wsFundingPush
	if err := json.Unmarshal(raw, &push); err != nil || push.Channel != "futures.funding_rate" || push.Event != "update" {
		return
	}
	batch := make([]adapter.FundingRate, 0, len(push.Result))
	for _, r := range push.Result {
		canonical, err := a.translator.ToCanonical(r.Contract)
		if err != nil {
			continue
		}
		rate, _ := decimal.NewFromString(r.Rate)
		batch = append(batch, adapter.FundingRate{
			Symbol:               canonical,
			Rate:                 rate,
			NextFundingTime:      time.Unix(r.Time, 0),
			FundingIntervalHours: 8,
			ReceivedAt:           time.Now().UTC(),
		})
	}
	if len(batch) == 0 {
		return
	}
	a.Emit(adapter.Event{Kind: adapter.EventFundingRateBatch, FundingRateBatch: batch})
	for i := range batch {
		fr := batch[i]
		a.Emit(adapter.Event{Kind: adapter.EventFundingRate, FundingRate: &fr})
	}
}

type contractResp struct {
	Name              string `json:"name"`
	FundingRate       string `json:"funding_rate"`
	FundingNextApply  int64  `json:"funding_next_apply"`
	FundingInterval   int    `json:"funding_interval"`
	InDelisting       bool   `json:"in_delisting"`
	MarkPrice         string `json:"mark_price"`
	LastPrice         string `json:"last_price"`
	OrderSizeMin      string `json:"order_size_min"`
	OrderPriceRound   string `json:"order_price_round"`
	MakerFeeRate      string `json:"maker_fee_rate"`
	TakerFeeRate      string `json:"taker_fee_rate"`
}

func (a *Adapter) fetchContracts(ctx context.Context) ([]contractResp, error) {
	body, err := a.rest.Get(ctx, fmt.Sprintf("%s/futures/%s/contracts", apiVersion, settle))
	if err != nil {
		return nil, err
	}
	var out []contractResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.NewUncertain("gateio", err)
	}
	return out, nil
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (adapter.FundingRate, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return adapter.FundingRate{}, err
	}
	target := a.translator.ToVenue(symbol)
	for _, c := range contracts {
		if c.Name != target {
			continue
		}
		rate, _ := decimal.NewFromString(c.FundingRate)
		return adapter.FundingRate{
			Symbol:               symbol,
			Rate:                 rate,
			NextFundingTime:      time.Unix(c.FundingNextApply, 0),
			FundingIntervalHours: intervalHours(c.FundingInterval),
			ReceivedAt:           time.Now().UTC(),
		}, nil
	}
	return adapter.FundingRate{}, apperr.NewAPI("gateio", "no_data", fmt.Errorf("no funding rate for %s", symbol))
}

func intervalHours(seconds int) int {
	if seconds <= 0 {
		return 8
	}
	return seconds / 3600
}

func (a *Adapter) GetFundingRates(ctx context.Context, syms []string) ([]adapter.FundingRate, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	wanted := toSet(syms)
	out := make([]adapter.FundingRate, 0, len(contracts))
	for _, c := range contracts {
		if c.InDelisting {
			continue
		}
		canonical, err := a.translator.ToCanonical(c.Name)
		if err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		rate, _ := decimal.NewFromString(c.FundingRate)
		out = append(out, adapter.FundingRate{
			Symbol:               canonical,
			Rate:                 rate,
			NextFundingTime:      time.Unix(c.FundingNextApply, 0),
			FundingIntervalHours: intervalHours(c.FundingInterval),
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

func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	target := a.translator.ToVenue(symbol)
	for _, c := range contracts {
		if c.Name == target {
			return decimal.NewFromString(c.LastPrice)
		}
	}
	return decimal.Decimal{}, apperr.NewUncertain("gateio", fmt.Errorf("no price for %s", symbol))
}

func (a *Adapter) GetPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	wanted := toSet(syms)
	out := make(map[string]decimal.Decimal)
	for _, c := range contracts {
		canonical, err := a.translator.ToCanonical(c.Name)
		if err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		if p, err := decimal.NewFromString(c.LastPrice); err == nil {
			out[canonical] = p
		}
	}
	return out, nil
}

func (a *Adapter) GetMarkPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	wanted := toSet(syms)
	out := make(map[string]decimal.Decimal)
	for _, c := range contracts {
		canonical, err := a.translator.ToCanonical(c.Name)
		if err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		if p, err := decimal.NewFromString(c.MarkPrice); err == nil {
			out[canonical] = p
		}
	}
	return out, nil
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (adapter.SymbolInfo, error) {
	if info, ok := a.CachedSymbolInfo(symbol); ok {
		return info, nil
	}
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return adapter.SymbolInfo{}, err
	}
	target := a.translator.ToVenue(symbol)
	for _, c := range contracts {
		if c.Name != target {
			continue
		}
		info := adapter.SymbolInfo{
			Venue:       "gateio",
			Symbol:      symbol,
			TickSize:    decimalOrZero(c.OrderPriceRound),
			LotSize:     decimalOrZero(c.OrderSizeMin),
			MinNotional: decimalOrZero(c.OrderSizeMin),
			MakerFee:    decimalOrZero(c.MakerFeeRate),
			TakerFee:    decimalOrZero(c.TakerFeeRate),
		}
		a.CacheSymbolInfo(symbol, info)
		return info, nil
	}
	return adapter.SymbolInfo{}, apperr.NewAPI("gateio", "unknown_symbol", fmt.Errorf("%s not found", symbol))
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *Adapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	contracts, err := a.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.InDelisting {
			continue
		}
		canonical, err := a.translator.ToCanonical(c.Name)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

type tickerResp struct {
	Contract  string `json:"contract"`
	TotalSize string `json:"total_size"`
}

func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	target := a.translator.ToVenue(symbol)
	body, err := a.rest.Get(ctx, fmt.Sprintf("%s/futures/%s/tickers?contract=%s", apiVersion, settle, target))
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp []tickerResp
	if err := json.Unmarshal(body, &resp); err != nil || len(resp) == 0 {
		return decimal.Decimal{}, apperr.NewUncertain("gateio", fmt.Errorf("no ticker for %s", symbol))
	}
	return decimalOrZero(resp[0].TotalSize), nil
}

// sign implements Gate.io's HMAC-SHA512 signing scheme.
func (a *Adapter) sign(method, path, queryString, bodyHash string, timestamp int64) string {
	signString := fmt.Sprintf("%s\n%s\n%s\n%s\n%d", method, path, queryString, bodyHash, timestamp)
	mac := hmac.New(sha512.New, []byte(a.creds.APISecret))
	mac.Write([]byte(signString))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashBody(body []byte) string {
	h := sha512.New()
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *Adapter) privateHeaders(method, path, query string, body []byte) (map[string]string, error) {
	if a.creds.APIKey == "" {
		return nil, apperr.NewCredentialMissing("gateio")
	}
	ts := time.Now().Unix()
	sig := a.sign(method, apiVersion+path, query, hashBody(body), ts)
	return map[string]string{
		"KEY":       a.creds.APIKey,
		"Timestamp": strconv.FormatInt(ts, 10),
		"SIGN":      sig,
	}, nil
}

type gateAccountResp struct {
	Total     string `json:"total"`
	Available string `json:"available"`
}

func (a *Adapter) GetBalance(ctx context.Context) (adapter.Balance, error) {
	path := fmt.Sprintf("/futures/%s/accounts", settle)
	headers, err := a.privateHeaders("GET", path, "", nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	body, err := a.rest.Do(ctx, "GET", apiVersion+path, headers, nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	var resp gateAccountResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Balance{}, apperr.NewUncertain("gateio", err)
	}
	return adapter.Balance{
		Venue:     "gateio",
		Asset:     "USDT",
		Available: decimalOrZero(resp.Available),
		Total:     decimalOrZero(resp.Total),
	}, nil
}

type gatePositionResp struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	EntryPrice string `json:"entry_price"`
	MarkPrice  string `json:"mark_price"`
	Pnl        string `json:"unrealised_pnl"`
	Leverage   string `json:"leverage"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]adapter.PositionInfo, error) {
	path := fmt.Sprintf("/futures/%s/positions", settle)
	headers, err := a.privateHeaders("GET", path, "", nil)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", apiVersion+path, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp []gatePositionResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("gateio", err)
	}
	out := make([]adapter.PositionInfo, 0, len(resp))
	for _, p := range resp {
		if p.Size == 0 {
			continue
		}
		canonical, err := a.translator.ToCanonical(p.Contract)
		if err != nil {
			continue
		}
		side := adapter.OrderBuy
		if p.Size < 0 {
			side = adapter.OrderSell
		}
		out = append(out, adapter.PositionInfo{
			Venue:         "gateio",
			Symbol:        canonical,
			Side:          side,
			Size:          decimal.NewFromInt(p.Size).Abs(),
			EntryPrice:    decimalOrZero(p.EntryPrice),
			MarkPrice:     decimalOrZero(p.MarkPrice),
			UnrealizedPnL: decimalOrZero(p.Pnl),
			Leverage:      decimalOrZero(p.Leverage),
		})
	}
	return out, nil
}

type gateOrderReq struct {
	Contract string `json:"contract"`
	Size     int64  `json:"size"`
	Price    string `json:"price,omitempty"`
	Tif      string `json:"tif,omitempty"`
	Text     string `json:"text,omitempty"`
	Reduce   bool   `json:"reduce_only,omitempty"`
}

type gateOrderResp struct {
	Id         int64  `json:"id"`
	Text       string `json:"text"`
	Status     string `json:"status"`
	FillPrice  string `json:"fill_price"`
	Size       int64  `json:"size"`
	Left       int64  `json:"left"`
	UpdateTime int64  `json:"update_time"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	size := req.Size.IntPart()
	if req.Side == adapter.OrderSell {
		size = -size
	}
	body := gateOrderReq{
		Contract: a.translator.ToVenue(req.Symbol),
		Size:     size,
		Text:     "t-" + req.ClientOrderID,
		Reduce:   req.ReduceOnly,
	}
	if req.Type == adapter.OrderLimit {
		body.Price = req.Price.String()
	} else {
		body.Tif = "ioc"
	}
	payload, _ := json.Marshal(body)
	path := fmt.Sprintf("/futures/%s/orders", settle)
	headers, err := a.privateHeaders("POST", path, "", payload)
	if err != nil {
		return adapter.Order{}, err
	}
	respBody, err := a.rest.Do(ctx, "POST", apiVersion+path, headers, payload)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp gateOrderResp
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return adapter.Order{}, apperr.NewUncertain("gateio", err)
	}
	return adapter.Order{
		Venue:         "gateio",
		Symbol:        req.Symbol,
		OrderID:       strconv.FormatInt(resp.Id, 10),
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Status:        gateStatusToStatus(resp.Status, resp.Left, resp.Size),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func gateStatusToStatus(status string, left, size int64) adapter.OrderStatus {
	switch status {
	case "finished":
		if left == 0 {
			return adapter.OrderStatusFilled
		}
		return adapter.OrderStatusCanceled
	case "open":
		if left != size {
			return adapter.OrderStatusPartial
		}
		return adapter.OrderStatusNew
	default:
		return adapter.OrderStatusRejected
	}
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	path := fmt.Sprintf("/futures/%s/orders/%s", settle, orderID)
	headers, err := a.privateHeaders("DELETE", path, "", nil)
	if err != nil {
		return err
	}
	_, err = a.rest.Do(ctx, "DELETE", apiVersion+path, headers, nil)
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (adapter.Order, error) {
	path := fmt.Sprintf("/futures/%s/orders/%s", settle, orderID)
	headers, err := a.privateHeaders("GET", path, "", nil)
	if err != nil {
		return adapter.Order{}, err
	}
	body, err := a.rest.Do(ctx, "GET", apiVersion+path, headers, nil)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp gateOrderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Order{}, apperr.NewUncertain("gateio", err)
	}
	return adapter.Order{
		Venue:        "gateio",
		Symbol:       symbol,
		OrderID:      strconv.FormatInt(resp.Id, 10),
		Status:       gateStatusToStatus(resp.Status, resp.Left, resp.Size),
		AvgFillPrice: decimalOrZero(resp.FillPrice),
		UpdatedAt:    time.Unix(resp.UpdateTime, 0),
	}, nil
}

type gateFundingPaymentResp struct {
	Contract string `json:"contract"`
	Time     int64  `json:"time"`
	Change   string `json:"change"`
	Type     string `json:"type"`
}

func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]adapter.FundingPayment, error) {
	target := a.translator.ToVenue(symbol)
	path := fmt.Sprintf("/futures/%s/account_book?contract=%s&type=fund&from=%d&to=%d",
		settle, target, since.Unix(), until.Unix())
	headers, err := a.privateHeaders("GET", path, "", nil)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", apiVersion+path, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp []gateFundingPaymentResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("gateio", err)
	}
	out := make([]adapter.FundingPayment, 0, len(resp))
	for _, p := range resp {
		if p.Type != "fund" {
			continue
		}
		ts := time.Unix(p.Time, 0)
		if ts.Before(since) || !ts.Before(until) {
			continue
		}
		out = append(out, adapter.FundingPayment{
			Venue:     "gateio",
			Symbol:    symbol,
			Amount:    decimalOrZero(p.Change),
			Timestamp: ts,
		})
	}
	return out, nil
}
