package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL})

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Invalid signature / API key / permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117,
			-1120, -1121, -1125, -1127, -1128, -1130, -4003, -4014, -4015:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022: // New order rejected / ReduceOnly rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2019, -3005, -3041, -4047: // Margin / balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4044: // Position not found
			mappedErr = ports.ErrNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// GetTicker retrieves the 24h statistics for a symbol as a market snapshot.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	op := "GetTicker"
	stats, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(stats) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s", symbol), op)
	}

	s := stats[0]
	last, err := strconv.ParseFloat(s.LastPrice, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse last price '%s': %w", s.LastPrice, err), op)
	}
	high, _ := strconv.ParseFloat(s.HighPrice, 64)
	low, _ := strconv.ParseFloat(s.LowPrice, 64)
	volume, _ := strconv.ParseFloat(s.Volume, 64)

	return &domain.Ticker{
		Symbol:    symbol,
		Last:      last,
		High24h:   high,
		Low24h:    low,
		Volume24h: volume,
		Timestamp: time.UnixMilli(s.CloseTime),
	}, nil
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetFundingRate retrieves the current funding state for a perpetual symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	op := "GetFundingRate"
	indexes, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(indexes) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no premium index returned for symbol %s", symbol), op)
	}

	idx := indexes[0]
	rate, err := strconv.ParseFloat(idx.LastFundingRate, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse funding rate '%s': %w", idx.LastFundingRate, err), op)
	}
	return &domain.FundingRate{
		Symbol:          symbol,
		Rate:            rate,
		NextFundingTime: time.UnixMilli(idx.NextFundingTime),
	}, nil
}

// PlaceOrder submits an order and returns the exchange's fill report.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		NewClientOrderID(req.ClientOrderID)

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64)).
			TimeInForce(futures.TimeInForceTypeGTC)
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity,
		"orderID": resp.OrderID, "clientOrderID": resp.ClientOrderID, "status": resp.Status,
	})
	return resp, nil
}

// CancelAll cancels every open order for the symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	op := "CancelAll"
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// GetPositionRisk returns every position the exchange currently holds for the
// account, skipping flat symbols.
func (c *Client) GetPositionRisk(ctx context.Context) ([]ports.PositionRisk, error) {
	op := "GetPositionRisk"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]ports.PositionRisk, 0, len(positions))
	for _, pos := range positions {
		qty, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		out = append(out, translatePositionRisk(pos))
	}
	return out, nil
}

// GetAccountState retrieves balances and maintenance margin.
func (c *Client) GetAccountState(ctx context.Context) (*ports.AccountState, error) {
	op := "GetAccountState"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	balance, err := strconv.ParseFloat(account.TotalWalletBalance, 64)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse wallet balance '%s': %w", account.TotalWalletBalance, err), op)
	}
	marginBalance, _ := strconv.ParseFloat(account.TotalMarginBalance, 64)
	maintMargin, _ := strconv.ParseFloat(account.TotalMaintMargin, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)

	return &ports.AccountState{
		Balance:           balance,
		MarginBalance:     marginBalance,
		MaintenanceMargin: maintMargin,
		AvailableBalance:  available,
	}, nil
}

// --- Translation Helpers ---

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        string(order.Status),
		ExecutedQty:   execQty,
		AvgPrice:      avgPrice,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) ports.PositionRisk {
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)

	return ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
	}
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true, // historical klines are always final
	}, nil
}
