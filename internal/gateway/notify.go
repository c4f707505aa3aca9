package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NotifyPayload is the form the gateway posts to the notify URL
type NotifyPayload struct {
	Status     string `form:"Status"`
	MerchantID string `form:"MerchantID"`
	TradeInfo  string `form:"TradeInfo" binding:"required"`
	TradeSha   string `form:"TradeSha"`
}

// NotifyResult is the decrypted TradeInfo body. It is routing data only; the
// status it carries is never trusted.
type NotifyResult struct {
	MerchantID        string  `json:"MerchantID"`
	Amt               FlexInt `json:"Amt"`
	TradeNo           string  `json:"TradeNo"`
	MerchantOrderNo   string  `json:"MerchantOrderNo"`
	RespondType       string  `json:"RespondType"`
	IP                string  `json:"IP"`
	EscrowBank        string  `json:"EscrowBank"`
	PaymentType       string  `json:"PaymentType"`
	PayTime           string  `json:"PayTime"`
	PayerAccount5Code string  `json:"PayerAccount5Code"`
	PayBankCode       string  `json:"PayBankCode"`
}

// Notification is a decrypted notify
type Notification struct {
	Status  string       `json:"Status"`
	Message string       `json:"Message"`
	Result  NotifyResult `json:"Result"`
}

// Amount returns the amount named by the notify
func (n *Notification) Amount() int64 {
	return int64(n.Result.Amt)
}

// DecodeNotify verifies TradeSha when present, decrypts TradeInfo and parses it
func (c *Client) DecodeNotify(p NotifyPayload) (*Notification, error) {
	if p.TradeSha != "" && !c.codec.VerifyTradeSha(p.TradeInfo, p.TradeSha) {
		return nil, ErrTradeShaMismatch
	}

	plain, err := c.codec.Decrypt(p.TradeInfo)
	if err != nil {
		return nil, err
	}

	return ParseNotification(plain)
}

// ParseNotification parses a decrypted TradeInfo in either the JSON or the
// URL-encoded response form.
func ParseNotification(plain string) (*Notification, error) {
	plain = strings.TrimRight(plain, "\x00\r\n\t ")
	if plain == "" {
		return nil, errors.New("empty trade info")
	}

	var n *Notification
	var err error
	if strings.HasPrefix(plain, "{") {
		n, err = parseNotificationJSON(plain)
	} else {
		n, err = parseNotificationForm(plain)
	}
	if err != nil {
		return nil, err
	}

	if n.Result.MerchantOrderNo == "" {
		return nil, errors.New("trade info has no MerchantOrderNo")
	}
	return n, nil
}

func parseNotificationJSON(plain string) (*Notification, error) {
	var raw struct {
		Status  string          `json:"Status"`
		Message string          `json:"Message"`
		Result  json.RawMessage `json:"Result"`
	}
	if err := json.Unmarshal([]byte(plain), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode trade info: %w", err)
	}

	n := &Notification{Status: raw.Status, Message: raw.Message}
	result := raw.Result
	// Older integrations send Result as a JSON-encoded string.
	if len(result) > 0 && result[0] == '"' {
		var inner string
		if err := json.Unmarshal(result, &inner); err != nil {
			return nil, fmt.Errorf("failed to decode trade info result: %w", err)
		}
		result = json.RawMessage(inner)
	}
	if len(result) == 0 {
		return nil, errors.New("trade info has no Result")
	}
	if err := json.Unmarshal(result, &n.Result); err != nil {
		return nil, fmt.Errorf("failed to decode trade info result: %w", err)
	}
	return n, nil
}

func parseNotificationForm(plain string) (*Notification, error) {
	values, err := url.ParseQuery(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trade info: %w", err)
	}

	n := &Notification{
		Status:  values.Get("Status"),
		Message: values.Get("Message"),
		Result: NotifyResult{
			MerchantID:        values.Get("MerchantID"),
			TradeNo:           values.Get("TradeNo"),
			MerchantOrderNo:   values.Get("MerchantOrderNo"),
			RespondType:       values.Get("RespondType"),
			IP:                values.Get("IP"),
			EscrowBank:        values.Get("EscrowBank"),
			PaymentType:       values.Get("PaymentType"),
			PayTime:           values.Get("PayTime"),
			PayerAccount5Code: values.Get("PayerAccount5Code"),
			PayBankCode:       values.Get("PayBankCode"),
		},
	}
	if amt := values.Get("Amt"); amt != "" {
		v, err := strconv.ParseInt(amt, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Amt %q", amt)
		}
		n.Result.Amt = FlexInt(v)
	}
	return n, nil
}
