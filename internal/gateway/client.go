package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	opQuery = "query_trade_info"
	opClose = "close_trade"

	maxResponseBytes = 1 << 20
)

// Client talks to the payment gateway. It is safe for concurrent use.
type Client struct {
	cfg        config.GatewayConfig
	codec      *Codec
	httpClient *http.Client
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option customizes a Client
type Option func(*Client)

// WithClock replaces time.Now for TimeStamp fields
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBackOff replaces the retry schedule for Query and Close
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// NewClient creates a gateway client. The configuration is copied so later
// changes to cfg do not affect the client.
func NewClient(cfg *config.GatewayConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        *cfg,
		codec:      NewCodec(cfg.HashKey, cfg.HashIV),
		httpClient: &http.Client{},
		validate:   validator.New(),
		logger:     util.GetLogger(),
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codec returns the codec bound to the merchant secrets
func (c *Client) Codec() *Codec {
	return c.codec
}

// MerchantID returns the configured merchant ID
func (c *Client) MerchantID() string {
	return c.cfg.MerchantID
}

// Pay builds the encrypted redirect form for the hosted payment page. It does
// no network I/O and must not be retried once the order number is committed.
func (c *Client) Pay(req PayRequest) (*PayForm, error) {
	plain := params{
		{"MerchantID", c.cfg.MerchantID},
		{"RespondType", respondJSON},
		{"TimeStamp", c.timestamp()},
		{"Version", payVersion},
		{"MerchantOrderNo", req.OrderNo},
		{"Amt", strconv.FormatInt(req.Amount, 10)},
		{"ItemDesc", req.ItemDesc},
		{"NotifyURL", c.cfg.NotifyURL},
	}.encode()

	tradeInfo, err := c.codec.Encrypt(plain)
	if err != nil {
		c.logger.Error("Failed to encrypt pay request",
			zap.String("order_no", req.OrderNo),
			zap.Error(err))
		return nil, err
	}

	return &PayForm{
		Action:     c.cfg.PayURL,
		MerchantID: c.cfg.MerchantID,
		Version:    payVersion,
		TradeInfo:  tradeInfo,
		TradeSha:   c.codec.TradeSha(tradeInfo),
	}, nil
}

// QueryTradeInfo fetches the authoritative trade record for an order
func (c *Client) QueryTradeInfo(ctx context.Context, orderNo string, amount int64) (*QueryResult, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.QueryTradeInfo")
	defer span.End()

	form := url.Values{}
	form.Set("MerchantID", c.cfg.MerchantID)
	form.Set("Version", queryVersion)
	form.Set("RespondType", respondJSON)
	form.Set("CheckValue", c.codec.CheckValue(amount, c.cfg.MerchantID, orderNo))
	form.Set("TimeStamp", c.timestamp())
	form.Set("MerchantOrderNo", orderNo)
	form.Set("Amt", strconv.FormatInt(amount, 10))

	var result QueryResult
	if err := c.post(ctx, opQuery, c.cfg.QueryURL, form, &result); err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	c.logger.Info("Trade info queried",
		zap.String("order_no", orderNo),
		zap.String("trade_status", result.Status()),
		zap.String("trade_no", result.TradeNo))
	return &result, nil
}

// CloseTrade requests capture or refund of an authorized credit-card trade
func (c *Client) CloseTrade(ctx context.Context, orderNo string, amount int64, closeType CloseType) (*CloseResult, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CloseTrade")
	defer span.End()

	if !closeType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCloseType, closeType)
	}

	plain := params{
		{"RespondType", respondJSON},
		{"Version", closeVersion},
		{"Amt", strconv.FormatInt(amount, 10)},
		{"MerchantOrderNo", orderNo},
		{"TimeStamp", c.timestamp()},
		{"IndexType", "1"},
		{"CloseType", strconv.Itoa(int(closeType))},
	}.encode()

	postData, err := c.codec.Encrypt(plain)
	if err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	form := url.Values{}
	form.Set("MerchantID_", c.cfg.MerchantID)
	form.Set("PostData_", postData)

	var result CloseResult
	if err := c.post(ctx, opClose, c.cfg.CloseURL, form, &result); err != nil {
		util.SpanError(span, err)
		return nil, err
	}

	c.logger.Info("Trade closed",
		zap.String("order_no", orderNo),
		zap.Int("close_type", int(closeType)),
		zap.String("trade_no", result.TradeNo))
	return &result, nil
}

// post sends form and decodes the Result into out, retrying temporary failures
func (c *Client) post(ctx context.Context, op, endpoint string, form url.Values, out interface{}) error {
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			util.GatewayRetriesTotal.WithLabelValues(op).Inc()
		}
		err := c.doOnce(ctx, op, endpoint, form, out)
		if err == nil {
			return nil
		}
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Temporary {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Gateway call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	if IsGatewayError(err) {
		return err
	}
	return &GatewayError{Op: op, Err: err, Temporary: true}
}

func (c *Client) doOnce(ctx context.Context, op, endpoint string, form url.Values, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.GatewayRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return &GatewayError{Op: op, Err: err, Temporary: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	util.GatewayRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: err, Temporary: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
			Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if env.Status != statusOK {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Code: env.Status, Message: env.Message}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode result: %w", err)}
	}
	if err := c.validate.Struct(out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected result shape: %w", err)}
	}
	return nil
}

func (c *Client) timestamp() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
