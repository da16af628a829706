package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
	ExtendedHours bool
	LimitPrice    *float64
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Status        string
	FilledQty     int
}

type Position struct {
	Symbol   string
	Qty      int
	AvgEntry float64
}

// Operation is one executed fill reported by the account activity feed.
type Operation struct {
	Symbol string
	Side   alpaca.Side
	Price  float64
	Qty    float64
	Time   time.Time
}

type Account struct {
	Equity      float64
	BuyingPower float64
}

const (
	activityPageSize = 100
	maxActivityPages = 10
)

type Client struct {
	client   *alpaca.Client
	log      zerolog.Logger
	pageSize int
}

func New(apiKey, apiSecret, baseURL string, log zerolog.Logger) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{
		client:   alpaca.NewClient(opts),
		log:      log.With().Str("component", "broker").Logger(),
		pageSize: activityPageSize,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*req.LimitPrice).Round(2)
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		c.log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Str("type", string(req.Type)).Msg("place order failed")
		return OrderRef{}, err
	}

	c.log.Info().Str("order_id", order.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("qty", req.Qty).Str("type", string(req.Type)).Str("status", string(order.Status)).Msg("place order success")
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        string(order.Status),
		FilledQty:     int(order.FilledQty.IntPart()),
	}, nil
}

// OpenOrders returns unresolved orders, restricted to symbol when it is not empty.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	}
	orders, err := c.client.GetOrders(req)
	if err != nil {
		c.log.Error().Err(err).Msg("fetch open orders failed")
		return nil, err
	}
	refs := make([]OrderRef, 0, len(orders))
	for _, order := range orders {
		if symbol != "" && !strings.EqualFold(order.Symbol, symbol) {
			continue
		}
		refs = append(refs, OrderRef{
			ID:            order.ID,
			ClientOrderID: order.ClientOrderID,
			Symbol:        order.Symbol,
			Status:        string(order.Status),
			FilledQty:     int(order.FilledQty.IntPart()),
		})
	}
	c.log.Debug().Str("symbol", symbol).Int("count", len(refs)).Msg("open orders fetched")
	return refs, nil
}

// Position returns the current holding. A symbol the broker has no position for is flat.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	pos, err := c.client.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Position{Symbol: symbol}, nil
		}
		c.log.Error().Err(err).Str("symbol", symbol).Msg("fetch position failed")
		return Position{}, err
	}
	// Lots are whole shares; a fractional remainder is not tradable by the policy.
	qty := int(pos.Qty.IntPart())
	if !pos.Qty.Equal(decimal.NewFromInt(int64(qty))) {
		c.log.Warn().Str("symbol", symbol).Str("qty", pos.Qty.String()).Int("lots", qty).Msg("fractional position truncated to whole lots")
	}
	avgEntry, _ := pos.AvgEntryPrice.Float64()

	c.log.Debug().Str("symbol", symbol).Int("qty", qty).Float64("avg_entry", avgEntry).Msg("position fetched")
	return Position{
		Symbol:   pos.Symbol,
		Qty:      qty,
		AvgEntry: avgEntry,
	}, nil
}

// RecentOperations returns fills for symbol inside [from, to], most recent first.
// Activity pages cover the whole account, so pages are followed until a buy
// fill for symbol turns up or the window is exhausted.
func (c *Client) RecentOperations(ctx context.Context, symbol string, from, to time.Time) ([]Operation, error) {
	var ops []Operation
	pageToken := ""
	for page := 0; page < maxActivityPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		activities, err := c.client.GetAccountActivities(alpaca.GetAccountActivitiesRequest{
			ActivityTypes: []string{"FILL"},
			After:         from,
			Until:         to,
			Direction:     "desc",
			PageSize:      c.pageSize,
			PageToken:     pageToken,
		})
		if err != nil {
			c.log.Error().Err(err).Str("symbol", symbol).Msg("fetch account activities failed")
			return nil, err
		}
		foundBuy := false
		for _, act := range activities {
			if !strings.EqualFold(act.Symbol, symbol) {
				continue
			}
			price, _ := act.Price.Float64()
			qty, _ := act.Qty.Float64()
			op := Operation{
				Symbol: act.Symbol,
				Side:   alpaca.Side(strings.ToLower(act.Side)),
				Price:  price,
				Qty:    qty,
				Time:   act.TransactionTime,
			}
			foundBuy = foundBuy || op.Side == alpaca.Buy
			ops = append(ops, op)
		}
		if foundBuy || len(activities) < c.pageSize {
			c.log.Debug().Str("symbol", symbol).Int("count", len(ops)).Int("pages", page+1).Msg("operations fetched")
			return ops, nil
		}
		pageToken = activities[len(activities)-1].ID
	}
	c.log.Warn().Str("symbol", symbol).Int("count", len(ops)).Int("pages", maxActivityPages).Msg("activity page limit reached before a buy fill")
	return ops, nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	acct, err := c.client.GetAccount()
	if err != nil {
		c.log.Error().Err(err).Msg("fetch account failed")
		return Account{}, err
	}
	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()

	c.log.Debug().Float64("equity", equity).Float64("buying_power", buyingPower).Msg("account fetched")
	return Account{Equity: equity, BuyingPower: buyingPower}, nil
}
