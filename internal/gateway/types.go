package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Version strings pinned by the gateway for each call
const (
	payVersion   = "2.0"
	queryVersion = "1.3"
	closeVersion = "1.1"
	respondJSON  = "JSON"
	statusOK     = "SUCCESS"
)

// CloseType selects capture or refund on CloseTrade
type CloseType int

const (
	CloseTypeCapture CloseType = 1
	CloseTypeRefund  CloseType = 2
)

// Valid reports whether t is a close type the gateway accepts
func (t CloseType) Valid() bool {
	return t == CloseTypeCapture || t == CloseTypeRefund
}

// PayRequest describes one order to hand off to the hosted payment page
type PayRequest struct {
	OrderNo  string
	Amount   int64
	ItemDesc string
}

// PayForm is the redirect payload the browser posts to the gateway
type PayForm struct {
	Action     string `json:"action"`
	MerchantID string `json:"MerchantID"`
	Version    string `json:"Version"`
	TradeInfo  string `json:"TradeInfo"`
	TradeSha   string `json:"TradeSha"`
}

// QueryResult is the authoritative trade record from QueryTradeInfo
type QueryResult struct {
	MerchantID      string     `json:"MerchantID" validate:"required"`
	Amt             FlexInt    `json:"Amt" validate:"gte=0"`
	TradeNo         string     `json:"TradeNo"`
	MerchantOrderNo string     `json:"MerchantOrderNo" validate:"required"`
	TradeStatus     FlexString `json:"TradeStatus" validate:"required"`
	PaymentType     string     `json:"PaymentType"`
	CreateTime      string     `json:"CreateTime"`
	PayTime         string     `json:"PayTime"`
	CheckCode       string     `json:"CheckCode"`
	FundTime        string     `json:"FundTime"`
}

// Amount returns the trade amount as int64
func (r *QueryResult) Amount() int64 {
	return int64(r.Amt)
}

// Status returns the trade-status code as sent
func (r *QueryResult) Status() string {
	return string(r.TradeStatus)
}

// CloseResult confirms a capture or refund
type CloseResult struct {
	MerchantID      string  `json:"MerchantID" validate:"required"`
	Amt             FlexInt `json:"Amt" validate:"gte=0"`
	TradeNo         string  `json:"TradeNo"`
	MerchantOrderNo string  `json:"MerchantOrderNo" validate:"required"`
}

type envelope struct {
	Status  string          `json:"Status"`
	Message string          `json:"Message"`
	Result  json.RawMessage `json:"Result"`
}

// params is an ordered key=value list; the gateway hashes and decrypts
// these strings verbatim, so order matters.
type params [][2]string

func (p params) encode() string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		parts = append(parts, kv[0]+"="+url.QueryEscape(kv[1]))
	}
	return strings.Join(parts, "&")
}

// FlexInt accepts a JSON number or a numeric string
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = FlexInt(n)
	return nil
}

// FlexString accepts a JSON string or a bare number and keeps the digits as sent
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}
