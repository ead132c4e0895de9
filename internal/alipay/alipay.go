package alipay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ksred/vipshop-api/internal/config"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingCredentials = errors.New("alipay credentials not configured")
	ErrGatewayRejected    = errors.New("gateway rejected the request")
)

// Gateway is the payment-gateway surface the order pipeline depends on.
// CreatePaymentLink builds a signed redirect URL locally; CloseTrade calls
// the gateway over HTTP.
type Gateway interface {
	CreatePaymentLink(tradeNo string, amount float64, subject string) (string, error)
	VerifyNotification(params map[string]string) bool
	CloseTrade(ctx context.Context, tradeNo string) error
}

// Client is the production Gateway implementation speaking the open-API
// protocol: form parameters signed with the merchant RSA key (RSA2),
// notifications verified against the gateway public key.
type Client struct {
	appID      string
	sellerID   string
	gatewayURL string
	notifyURL  string
	returnURL  string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	httpClient *http.Client
}

// NewClient builds a gateway client from configuration. Both keys are
// required: the private key signs outbound requests, the gateway public key
// verifies inbound notifications.
func NewClient(cfg config.AlipayConfig) (*Client, error) {
	if cfg.AppID == "" || cfg.PrivateKey == "" || cfg.GatewayPublicKey == "" {
		return nil, ErrMissingCredentials
	}

	priv, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse merchant private key: %w", err)
	}
	pub, err := ParsePublicKey(cfg.GatewayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gateway public key: %w", err)
	}

	return &Client{
		appID:      cfg.AppID,
		sellerID:   cfg.SellerID,
		gatewayURL: cfg.GatewayURL,
		notifyURL:  cfg.NotifyURL,
		returnURL:  cfg.ReturnURL,
		privateKey: priv,
		publicKey:  pub,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type bizContent struct {
	OutTradeNo  string `json:"out_trade_no"`
	TotalAmount string `json:"total_amount,omitempty"`
	Subject     string `json:"subject,omitempty"`
	ProductCode string `json:"product_code,omitempty"`
	SellerID    string `json:"seller_id,omitempty"`
}

// CreatePaymentLink returns a wap-pay redirect URL for the given trade.
// The URL is built and signed locally, no network round trip.
func (c *Client) CreatePaymentLink(tradeNo string, amount float64, subject string) (string, error) {
	biz, err := json.Marshal(bizContent{
		OutTradeNo:  tradeNo,
		TotalAmount: fmt.Sprintf("%.2f", amount),
		Subject:     subject,
		ProductCode: "QUICK_WAP_WAY",
		SellerID:    c.sellerID,
	})
	if err != nil {
		return "", err
	}

	params := c.commonParams("alipay.trade.wap.pay", string(biz))
	params["notify_url"] = c.notifyURL
	params["return_url"] = c.returnURL

	sign, err := SignParams(params, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign payment link: %w", err)
	}
	params["sign"] = sign

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.gatewayURL + "?" + values.Encode(), nil
}

// VerifyNotification checks the gateway signature over an async notification.
// The sign and sign_type fields are excluded from the signed content.
func (c *Client) VerifyNotification(params map[string]string) bool {
	sign, ok := params["sign"]
	if !ok || sign == "" {
		return false
	}
	if err := VerifyParams(params, sign, c.publicKey); err != nil {
		log.Debug().Err(err).Str("service", "alipay").Msg("notification signature rejected")
		return false
	}
	return true
}

// CloseTrade asks the gateway to close an unpaid trade so the buyer's
// payment link stops working before we reclaim the stock.
func (c *Client) CloseTrade(ctx context.Context, tradeNo string) error {
	biz, err := json.Marshal(bizContent{OutTradeNo: tradeNo})
	if err != nil {
		return err
	}

	params := c.commonParams("alipay.trade.close", string(biz))
	sign, err := SignParams(params, c.privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign close request: %w", err)
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("close trade request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Response struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		} `json:"alipay_trade_close_response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("unexpected close trade response: %w", err)
	}
	if envelope.Response.Code != "10000" {
		return fmt.Errorf("%w: %s %s", ErrGatewayRejected, envelope.Response.Code, envelope.Response.Msg)
	}
	return nil
}

func (c *Client) commonParams(method, biz string) map[string]string {
	return map[string]string{
		"app_id":      c.appID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": biz,
	}
}
