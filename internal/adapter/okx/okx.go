// Package okx implements the Adapter interface against OKX's public
// and private v5 REST and WebSocket APIs. Reworked from an
// orderbook-centric connector (books5 channel, Orderbook type) into a
// funding-rate-centric one that speaks decimal.Decimal throughout
// instead of float64.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
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
	wsURL   = "wss://ws.okx.com:8443/ws/v5/public"
	restURL = "https://www.okx.com"

	// MaxSubscriptionsPerConnection is OKX's per-connection funding
	// channel cap named in §4.2.
	MaxSubscriptionsPerConnection = 100
)

// Credentials holds the API key triple OKX requires for private
// endpoints. A zero-value Credentials restricts the adapter to public
// data only (funding rates, prices, instruments).
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Adapter implements adapter.Adapter for OKX.
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

// New constructs an unconnected OKX adapter. creds may be the zero
// value for public-only use.
func New(creds Credentials, logger zerolog.Logger) *Adapter {
	return &Adapter{
		BaseAdapter: adapter.NewBaseAdapter("okx", 256),
		rest:        adapter.NewRESTClient("okx", restURL, 3, logger),
		creds:       creds,
		log:         logger.With().Str("venue", "okx").Logger(),
		translator:  symbols.For(symbols.OKX),
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return adapter.WrapTransport("okx", err)
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
		return apperr.NewTransport("okx", fmt.Errorf("subscribe before connect"))
	}

	args := make([]map[string]string, 0, len(canonicalSymbols))
	for _, s := range canonicalSymbols {
		args = append(args, map[string]string{
			"channel": "funding-rate",
			"instId":  a.translator.ToVenue(s),
		})
	}
	msg := map[string]any{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(msg); err != nil {
		return adapter.WrapTransport("okx", err)
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
	args := make([]map[string]string, 0, len(canonicalSymbols))
	for _, s := range canonicalSymbols {
		args = append(args, map[string]string{
			"channel": "funding-rate",
			"instId":  a.translator.ToVenue(s),
		})
	}
	msg := map[string]any{"op": "unsubscribe", "args": args}
	if err := conn.WriteJSON(msg); err != nil {
		return adapter.WrapTransport("okx", err)
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
	ticker := time.NewTicker(25 * time.Second)
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
			_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
		}
	}
}

type wsFundingPush struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		InstId          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"data"`
}

func (a *Adapter) handleMessage(raw []byte) {
	if string(raw) == "pong" {
		return
	}
	var push wsFundingPush
	if err := json.Unmarshal(raw, &push); err != nil || push.Arg.Channel != "funding-rate" {
		return
	}
	batch := make([]adapter.FundingRate, 0, len(push.Data))
	for _, d := range push.Data {
		canonical, err := a.translator.ToCanonical(d.InstId)
		if err != nil {
			continue
		}
		rate, _ := decimal.NewFromString(d.FundingRate)
		nextMs, _ := strconv.ParseInt(d.NextFundingTime, 10, 64)
		batch = append(batch, adapter.FundingRate{
			Symbol:               canonical,
			Rate:                 rate,
			NextFundingTime:      time.UnixMilli(nextMs),
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

type restFundingRateResp struct {
	Data []struct {
		InstId          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"data"`
}

func (a *Adapter) GetFundingRate(ctx context.Context, symbol string) (adapter.FundingRate, error) {
	instID := a.translator.ToVenue(symbol)
	body, err := a.rest.Get(ctx, "/api/v5/public/funding-rate?instId="+instID)
	if err != nil {
		return adapter.FundingRate{}, err
	}
	var resp restFundingRateResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.FundingRate{}, apperr.NewUncertain("okx", err)
	}
	if len(resp.Data) == 0 {
		return adapter.FundingRate{}, apperr.NewAPI("okx", "no_data", fmt.Errorf("no funding rate data for %s", symbol))
	}
	d := resp.Data[0]
	rate, _ := decimal.NewFromString(d.FundingRate)
	nextMs, _ := strconv.ParseInt(d.NextFundingTime, 10, 64)
	return adapter.FundingRate{
		Symbol:               symbol,
		Rate:                 rate,
		NextFundingTime:      time.UnixMilli(nextMs),
		FundingIntervalHours: 8,
		ReceivedAt:           time.Now().UTC(),
	}, nil
}

func (a *Adapter) GetFundingRates(ctx context.Context, symbols []string) ([]adapter.FundingRate, error) {
	if len(symbols) == 0 {
		body, err := a.rest.Get(ctx, "/api/v5/public/funding-rate?instType=SWAP")
		if err != nil {
			return nil, err
		}
		var resp restFundingRateResp
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, apperr.NewUncertain("okx", err)
		}
		out := make([]adapter.FundingRate, 0, len(resp.Data))
		for _, d := range resp.Data {
			canonical, err := a.translator.ToCanonical(d.InstId)
			if err != nil {
				continue
			}
			rate, _ := decimal.NewFromString(d.FundingRate)
			nextMs, _ := strconv.ParseInt(d.NextFundingTime, 10, 64)
			out = append(out, adapter.FundingRate{
				Symbol:               canonical,
				Rate:                 rate,
				NextFundingTime:      time.UnixMilli(nextMs),
				FundingIntervalHours: 8,
				ReceivedAt:           time.Now().UTC(),
			})
		}
		return out, nil
	}
	out := make([]adapter.FundingRate, 0, len(symbols))
	for _, s := range symbols {
		fr, err := a.GetFundingRate(ctx, s)
		if err != nil {
			continue
		}
		out = append(out, fr)
	}
	return out, nil
}

func (a *Adapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	if h, ok := a.CachedInterval(symbol); ok {
		return h, nil
	}
	fr, err := a.GetFundingRate(ctx, symbol)
	if err != nil {
		return 8, nil // fall back to default on any failure, per §4.1
	}
	a.CacheInterval(symbol, fr.FundingIntervalHours)
	return fr.FundingIntervalHours, nil
}

type restTickerResp struct {
	Data []struct {
		InstId string `json:"instId"`
		Last   string `json:"last"`
	} `json:"data"`
}

func (a *Adapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	instID := a.translator.ToVenue(symbol)
	body, err := a.rest.Get(ctx, "/api/v5/market/ticker?instId="+instID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp restTickerResp
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return decimal.Decimal{}, apperr.NewUncertain("okx", fmt.Errorf("no ticker for %s", symbol))
	}
	return decimal.NewFromString(resp.Data[0].Last)
}

func (a *Adapter) GetPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(syms))
	for _, s := range syms {
		p, err := a.GetPrice(ctx, s)
		if err != nil {
			continue
		}
		out[s] = p
	}
	return out, nil
}

func (a *Adapter) GetMarkPrices(ctx context.Context, syms []string) (map[string]decimal.Decimal, error) {
	return a.GetPrices(ctx, syms)
}

type restInstrumentsResp struct {
	Data []struct {
		InstId  string `json:"instId"`
		TickSz  string `json:"tickSz"`
		LotSz   string `json:"lotSz"`
		MinSz   string `json:"minSz"`
		CtVal   string `json:"ctVal"`
	} `json:"data"`
}

func (a *Adapter) GetSymbolInfo(ctx context.Context, symbol string) (adapter.SymbolInfo, error) {
	if info, ok := a.CachedSymbolInfo(symbol); ok {
		return info, nil
	}
	body, err := a.rest.Get(ctx, "/api/v5/public/instruments?instType=SWAP")
	if err != nil {
		return adapter.SymbolInfo{}, err
	}
	var resp restInstrumentsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.SymbolInfo{}, apperr.NewUncertain("okx", err)
	}
	target := a.translator.ToVenue(symbol)
	for _, d := range resp.Data {
		if d.InstId != target {
			continue
		}
		info := adapter.SymbolInfo{
			Venue:       "okx",
			Symbol:      symbol,
			TickSize:    decimalOrZero(d.TickSz),
			LotSize:     decimalOrZero(d.LotSz),
			MinNotional: decimalOrZero(d.MinSz),
			MakerFee:    decimal.RequireFromString("0.0002"),
			TakerFee:    decimal.RequireFromString("0.0005"),
		}
		a.CacheSymbolInfo(symbol, info)
		return info, nil
	}
	return adapter.SymbolInfo{}, apperr.NewAPI("okx", "unknown_symbol", fmt.Errorf("%s not found", symbol))
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a *Adapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	body, err := a.rest.Get(ctx, "/api/v5/public/instruments?instType=SWAP")
	if err != nil {
		return nil, err
	}
	var resp restInstrumentsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("okx", err)
	}
	out := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if !strings.HasSuffix(d.InstId, "-USDT-SWAP") {
			continue
		}
		canonical, err := a.translator.ToCanonical(d.InstId)
		if err != nil {
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

type restOpenInterestResp struct {
	Data []struct {
		OI string `json:"oi"`
	} `json:"data"`
}

func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	instID := a.translator.ToVenue(symbol)
	body, err := a.rest.Get(ctx, "/api/v5/public/open-interest?instType=SWAP&instId="+instID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp restOpenInterestResp
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return decimal.Decimal{}, apperr.NewUncertain("okx", fmt.Errorf("no open interest for %s", symbol))
	}
	return decimalOrZero(resp.Data[0].OI), nil
}

// sign implements OKX's HMAC-SHA256 private-endpoint signing.
func (a *Adapter) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) privateHeaders(method, path string, body []byte) (map[string]string, error) {
	if a.creds.APIKey == "" {
		return nil, apperr.NewCredentialMissing("okx")
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.999Z")
	sig := a.sign(ts, method, path, string(body))
	return map[string]string{
		"OK-ACCESS-KEY":        a.creds.APIKey,
		"OK-ACCESS-SIGN":       sig,
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": a.creds.Passphrase,
	}, nil
}

type restBalanceResp struct {
	Data []struct {
		Details []struct {
			Ccy       string `json:"ccy"`
			AvailBal  string `json:"availBal"`
			CashBal   string `json:"cashBal"`
		} `json:"details"`
	} `json:"data"`
}

func (a *Adapter) GetBalance(ctx context.Context) (adapter.Balance, error) {
	path := "/api/v5/account/balance"
	headers, err := a.privateHeaders("GET", path, nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	body, err := a.rest.Do(ctx, "GET", path, headers, nil)
	if err != nil {
		return adapter.Balance{}, err
	}
	var resp restBalanceResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Balance{}, apperr.NewUncertain("okx", err)
	}
	for _, acct := range resp.Data {
		for _, d := range acct.Details {
			if d.Ccy == "USDT" {
				return adapter.Balance{
					Venue:     "okx",
					Asset:     "USDT",
					Available: decimalOrZero(d.AvailBal),
					Total:     decimalOrZero(d.CashBal),
				}, nil
			}
		}
	}
	return adapter.Balance{Venue: "okx", Asset: "USDT"}, nil
}

type restPositionsResp struct {
	Data []struct {
		InstId   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		Upl      string `json:"upl"`
		Lever    string `json:"lever"`
	} `json:"data"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]adapter.PositionInfo, error) {
	path := "/api/v5/account/positions?instType=SWAP"
	headers, err := a.privateHeaders("GET", path, nil)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", path, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp restPositionsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("okx", err)
	}
	out := make([]adapter.PositionInfo, 0, len(resp.Data))
	for _, d := range resp.Data {
		canonical, err := a.translator.ToCanonical(d.InstId)
		if err != nil {
			continue
		}
		side := adapter.OrderBuy
		if d.PosSide == "short" {
			side = adapter.OrderSell
		}
		out = append(out, adapter.PositionInfo{
			Venue:         "okx",
			Symbol:        canonical,
			Side:          side,
			Size:          decimalOrZero(d.Pos),
			EntryPrice:    decimalOrZero(d.AvgPx),
			MarkPrice:     decimalOrZero(d.MarkPx),
			UnrealizedPnL: decimalOrZero(d.Upl),
			Leverage:      decimalOrZero(d.Lever),
		})
	}
	return out, nil
}

type orderReqBody struct {
	InstId  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdId string `json:"clOrdId,omitempty"`
}

type orderRespEnvelope struct {
	Data []struct {
		OrdId   string `json:"ordId"`
		ClOrdId string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	} `json:"data"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	body := orderReqBody{
		InstId:  a.translator.ToVenue(req.Symbol),
		TdMode:  "cross",
		Side:    string(req.Side),
		OrdType: string(req.Type),
		Sz:      req.Size.String(),
		ClOrdId: req.ClientOrderID,
	}
	if req.Type == adapter.OrderLimit {
		body.Px = req.Price.String()
	}
	payload, _ := json.Marshal(body)

	path := "/api/v5/trade/order"
	headers, err := a.privateHeaders("POST", path, payload)
	if err != nil {
		return adapter.Order{}, err
	}
	respBody, err := a.rest.Do(ctx, "POST", path, headers, payload)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp orderRespEnvelope
	if err := json.Unmarshal(respBody, &resp); err != nil || len(resp.Data) == 0 {
		return adapter.Order{}, apperr.NewUncertain("okx", fmt.Errorf("malformed order response"))
	}
	d := resp.Data[0]
	if d.SCode != "0" {
		return adapter.Order{}, apperr.NewAPI("okx", d.SCode, fmt.Errorf("%s", d.SMsg))
	}
	return adapter.Order{
		Venue:         "okx",
		Symbol:        req.Symbol,
		OrderID:       d.OrdId,
		ClientOrderID: d.ClOrdId,
		Side:          req.Side,
		Status:        adapter.OrderStatusNew,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"instId": a.translator.ToVenue(symbol), "ordId": orderID}
	payload, _ := json.Marshal(body)
	path := "/api/v5/trade/cancel-order"
	headers, err := a.privateHeaders("POST", path, payload)
	if err != nil {
		return err
	}
	_, err = a.rest.Do(ctx, "POST", path, headers, payload)
	return err
}

type getOrderResp struct {
	Data []struct {
		OrdId     string `json:"ordId"`
		ClOrdId   string `json:"clOrdId"`
		State     string `json:"state"`
		AvgPx     string `json:"avgPx"`
		FillSz    string `json:"accFillSz"`
		Fee       string `json:"fee"`
		Side      string `json:"side"`
		UTime     string `json:"uTime"`
	} `json:"data"`
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (adapter.Order, error) {
	instID := a.translator.ToVenue(symbol)
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", instID, orderID)
	headers, err := a.privateHeaders("GET", path, nil)
	if err != nil {
		return adapter.Order{}, err
	}
	body, err := a.rest.Do(ctx, "GET", path, headers, nil)
	if err != nil {
		return adapter.Order{}, err
	}
	var resp getOrderResp
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return adapter.Order{}, apperr.NewUncertain("okx", fmt.Errorf("order %s not found", orderID))
	}
	d := resp.Data[0]
	uMs, _ := strconv.ParseInt(d.UTime, 10, 64)
	return adapter.Order{
		Venue:         "okx",
		Symbol:        symbol,
		OrderID:       d.OrdId,
		ClientOrderID: d.ClOrdId,
		Side:          adapter.OrderSide(d.Side),
		Status:        okxStateToStatus(d.State),
		FilledSize:    decimalOrZero(d.FillSz),
		AvgFillPrice:  decimalOrZero(d.AvgPx),
		Fee:           decimalOrZero(d.Fee),
		UpdatedAt:     time.UnixMilli(uMs),
	}, nil
}

func okxStateToStatus(state string) adapter.OrderStatus {
	switch state {
	case "filled":
		return adapter.OrderStatusFilled
	case "partially_filled":
		return adapter.OrderStatusPartial
	case "canceled":
		return adapter.OrderStatusCanceled
	case "live":
		return adapter.OrderStatusNew
	default:
		return adapter.OrderStatusRejected
	}
}

type fundingPaymentsResp struct {
	Data []struct {
		InstId string `json:"instId"`
		BillId string `json:"billId"`
		Pnl    string `json:"pnl"`
		Ts     string `json:"ts"`
	} `json:"data"`
}

func (a *Adapter) GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]adapter.FundingPayment, error) {
	instID := a.translator.ToVenue(symbol)
	path := fmt.Sprintf("/api/v5/account/bills?instType=SWAP&instId=%s&type=8&begin=%d&end=%d",
		instID, since.UnixMilli(), until.UnixMilli())
	headers, err := a.privateHeaders("GET", path, nil)
	if err != nil {
		return nil, err
	}
	body, err := a.rest.Do(ctx, "GET", path, headers, nil)
	if err != nil {
		return nil, err
	}
	var resp fundingPaymentsResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperr.NewUncertain("okx", err)
	}
	out := make([]adapter.FundingPayment, 0, len(resp.Data))
	for _, d := range resp.Data {
		tsMs, _ := strconv.ParseInt(d.Ts, 10, 64)
		ts := time.UnixMilli(tsMs)
		// [since, until) inclusive-left, exclusive-right.
		if ts.Before(since) || !ts.Before(until) {
			continue
		}
		out = append(out, adapter.FundingPayment{
			Venue:     "okx",
			Symbol:    symbol,
			Amount:    decimalOrZero(d.Pnl),
			Timestamp: ts,
		})
	}
	return out, nil
}
