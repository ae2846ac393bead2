// Package exchange implements the futures venue REST and WebSocket clients.
//
// The REST client (Client) covers the order-management surface the
// orchestrator needs:
//   - PlaceOrder:        POST   /api/v1/orders       — reduce-only market exits
//   - PlaceStopOrder:    POST   /api/v1/orders       — stop-market protective orders
//   - CancelOrder:       DELETE /api/v1/orders/{id}
//   - CancelStopOrder:   DELETE /api/v1/orders/{id}  — terminal orders count as success
//   - GetAllPositions:   GET    /api/v1/positions
//   - GetOpenStopOrders: GET    /api/v1/stopOrders
//   - GetSymbolSpecs:    GET    /api/v1/contracts/{symbol}
//
// Every private request is signed with HMAC headers. Failures come back as
// *APIError so callers can branch on kind; 429 stays distinguishable for the
// budget manager. The client itself never retries: retry policy belongs to
// the stop coordinator.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perp-orchestrator/internal/config"
	"perp-orchestrator/pkg/types"
)

// Adapter is the exchange surface injected into the stop coordinator,
// reconciler and engine. Client is the production implementation; tests use
// fakes.
type Adapter interface {
	PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.OrderResponse, error)
	PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelStopOrder(ctx context.Context, orderID string) error
	GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error)
}

// CallObserver watches the health of the REST surface: it receives the
// round-trip time of every completed call, and a recovery signal on the
// first success after the venue rate-limited us.
type CallObserver interface {
	RecordLatency(time.Duration)
	ReportRecovery()
}

// Client is the venue REST API client.
type Client struct {
	http     *resty.Client
	auth     *Auth
	dryRun   bool
	observer CallObserver
	limited  atomic.Bool
	drySeq   atomic.Int64
	logger   *slog.Logger
}

// NewClient creates a REST client. observer may be nil.
func NewClient(cfg config.ExchangeConfig, dryRun bool, observer CallObserver, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     httpClient,
		auth:     NewAuth(cfg.APIKey, cfg.APISecret, cfg.APIPassphrase),
		dryRun:   dryRun,
		observer: observer,
		logger:   logger.With("component", "exchange"),
	}
}

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

const codeOK = "200000"

// do runs one signed request and tracks rate-limit state around it: the
// first success after a 429 tells the observer the venue has recovered.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	err := c.exec(ctx, method, path, body, out)
	if IsRateLimited(err) {
		c.limited.Store(true)
	} else if err == nil && c.limited.Swap(false) {
		if c.observer != nil {
			c.observer.ReportRecovery()
		}
	}
	return err
}

// exec runs one signed request and decodes the envelope into out (which may
// be nil). Non-OK outcomes come back as *APIError.
func (c *Client) exec(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyJSON string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyJSON = string(raw)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(method, path, bodyJSON))
	if body != nil {
		req.SetBody(json.RawMessage(bodyJSON))
	}

	started := time.Now()
	resp, err := req.Execute(method, path)
	if c.observer != nil {
		c.observer.RecordLatency(time.Since(started))
	}
	if err != nil {
		return transportError(err)
	}

	var env envelope
	if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil {
		if resp.StatusCode() != http.StatusOK {
			return classify(resp.StatusCode(), "", resp.String())
		}
		return fmt.Errorf("decode response: %w", jsonErr)
	}
	if resp.StatusCode() != http.StatusOK || env.Code != codeOK {
		return classify(resp.StatusCode(), env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// PlaceOrder submits a reduce-only market order.
func (c *Client) PlaceOrder(ctx context.Context, payload types.ExitOrderPayload) (types.OrderResponse, error) {
	if err := ValidateExitOrder(payload); err != nil {
		return types.OrderResponse{}, err
	}
	if c.dryRun {
		id := fmt.Sprintf("dry-run-%d", c.drySeq.Add(1))
		c.logger.Info("DRY-RUN: would place order",
			"symbol", payload.Symbol, "side", payload.Side, "size", payload.Size)
		return types.OrderResponse{OrderID: id}, nil
	}

	var result types.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", SanitizeExitOrder(payload), &result); err != nil {
		return types.OrderResponse{}, err
	}
	c.logger.Info("order placed", "symbol", payload.Symbol, "order_id", result.OrderID)
	return result, nil
}

// PlaceStopOrder submits a stop-market order. The caller validates the
// payload against the position side first; here only the wire shape is
// rendered.
func (c *Client) PlaceStopOrder(ctx context.Context, payload types.StopOrderPayload) (types.OrderResponse, error) {
	if c.dryRun {
		id := fmt.Sprintf("dry-run-stop-%d", c.drySeq.Add(1))
		c.logger.Info("DRY-RUN: would place stop order",
			"symbol", payload.Symbol, "stop_price", payload.StopPrice, "client_oid", payload.ClientOid)
		return types.OrderResponse{OrderID: id}, nil
	}

	var result types.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", SanitizeStopOrder(payload), &result); err != nil {
		return types.OrderResponse{}, err
	}
	c.logger.Info("stop order placed",
		"symbol", payload.Symbol, "order_id", result.OrderID, "stop_price", payload.StopPrice)
	return result, nil
}

// CancelOrder cancels an order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
}

// CancelStopOrder cancels a stop order by ID. An order that is already
// filled or canceled counts as success, which makes the cancel leg of a
// replacement idempotent.
func (c *Client) CancelStopOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel stop order", "order_id", orderID)
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
	if err != nil && IsOrderTerminal(err) {
		c.logger.Info("stop order already terminal, treating cancel as success", "order_id", orderID)
		return nil
	}
	return err
}

// wirePosition is the venue's position record.
type wirePosition struct {
	Symbol        string  `json:"symbol"`
	CurrentQty    float64 `json:"currentQty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	RealLeverage  float64 `json:"realLeverage"`
}

// GetAllPositions fetches every open position on the account. Quantity sign
// encodes the side: positive long, negative short.
func (c *Client) GetAllPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	if c.dryRun {
		return nil, nil
	}

	var wire []wirePosition
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &wire); err != nil {
		return nil, err
	}

	out := make([]types.ExchangePosition, 0, len(wire))
	for _, p := range wire {
		if p.CurrentQty == 0 {
			continue
		}
		out = append(out, types.ExchangePosition{
			Symbol:     p.Symbol,
			CurrentQty: p.CurrentQty,
			AvgEntry:   p.AvgEntryPrice,
			Leverage:   p.RealLeverage,
		})
	}
	return out, nil
}

// stopOrderPage is the venue's paged stop-order listing.
type stopOrderPage struct {
	Items []types.OpenStopOrder `json:"items"`
}

// GetOpenStopOrders fetches untriggered stop orders for a symbol.
func (c *Client) GetOpenStopOrders(ctx context.Context, symbol string) ([]types.OpenStopOrder, error) {
	if c.dryRun {
		return nil, nil
	}

	path := "/api/v1/stopOrders?symbol=" + symbol + "&pageSize=50"
	var page stopOrderPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// wireContract is the subset of the contract spec the orchestrator needs.
type wireContract struct {
	TickSize   float64 `json:"tickSize"`
	LotSize    float64 `json:"lotSize"`
	Multiplier float64 `json:"multiplier"`
}

// GetSymbolSpecs fetches tick size, lot size and contract multiplier.
func (c *Client) GetSymbolSpecs(ctx context.Context, symbol string) (types.SymbolSpecs, error) {
	var wire wireContract
	if err := c.do(ctx, http.MethodGet, "/api/v1/contracts/"+symbol, nil, &wire); err != nil {
		return types.SymbolSpecs{}, err
	}
	if wire.TickSize <= 0 || wire.LotSize <= 0 {
		return types.SymbolSpecs{}, &APIError{Kind: KindPermanent, Msg: "contract spec missing tick or lot size for " + symbol}
	}
	mult := wire.Multiplier
	if mult == 0 {
		mult = 1
	}
	return types.SymbolSpecs{
		TickSize:   decimal.NewFromFloat(wire.TickSize),
		LotSize:    decimal.NewFromFloat(wire.LotSize),
		Multiplier: decimal.NewFromFloat(mult),
	}, nil
}

// wireToken is the WS connect token handed out by the bullet endpoints.
type wireToken struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}

// WSConnectInfo is what the feed needs to dial a WS endpoint.
type WSConnectInfo struct {
	URL          string
	PingInterval time.Duration
}

// GetWSConnectInfo requests a WebSocket token. Private connections sign the
// bullet request; public ones do not.
func (c *Client) GetWSConnectInfo(ctx context.Context, private bool) (WSConnectInfo, error) {
	path := "/api/v1/bullet-public"
	if private {
		path = "/api/v1/bullet-private"
	}

	var wire wireToken
	if err := c.do(ctx, http.MethodPost, path, nil, &wire); err != nil {
		return WSConnectInfo{}, err
	}
	if len(wire.InstanceServers) == 0 {
		return WSConnectInfo{}, &APIError{Kind: KindTransient, Msg: "bullet response has no instance servers"}
	}
	srv := wire.InstanceServers[0]
	ping := time.Duration(srv.PingInterval) * time.Millisecond
	if ping <= 0 {
		ping = 18 * time.Second
	}
	return WSConnectInfo{
		URL:          srv.Endpoint + "?token=" + wire.Token + "&connectId=" + strconv.FormatInt(time.Now().UnixNano(), 10),
		PingInterval: ping,
	}, nil
}
