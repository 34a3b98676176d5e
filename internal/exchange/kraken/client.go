package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/core"
)

// Client talks to the Kraken Spot REST API for one asset pair.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	base      string
	quote     string

	httpClient *http.Client
	log        zerolog.Logger

	// nonce must be strictly increasing per API key.
	nonceMu   sync.Mutex
	lastNonce int64

	mu         sync.Mutex
	restSymbol string
	pairInfo   core.AssetPairInfo
	pairLoaded bool
}

func NewClient(cfg config.APIConfig, base, quote string, log zerolog.Logger) *Client {
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:     cfg.PublicKey,
		apiSecret:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.RestBaseURL, "/"),
		base:       strings.ToUpper(base),
		quote:      strings.ToUpper(quote),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "kraken").Logger(),
	}
}

func (c *Client) Name() string { return "kraken" }

// WSSymbol is the websocket v2 pair name, e.g. "BTC/USD".
func (c *Client) WSSymbol() string {
	return c.base + "/" + c.quote
}

// RESTSymbol is the altname Kraken reports for the pair, e.g. "XBTUSD".
// Before AssetPairInfo has run it falls back to the joined legacy codes.
func (c *Client) RESTSymbol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restSymbol != "" {
		return c.restSymbol
	}
	return legacyAsset(c.base) + legacyAsset(c.quote)
}

func (c *Client) CheckStatus(ctx context.Context) error {
	body, err := c.public(ctx, "/0/public/SystemStatus", nil)
	if err != nil {
		return err
	}
	var res systemStatusResult
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}
	if res.Status != "online" {
		return fmt.Errorf("exchange not available for trading: status %q", res.Status)
	}
	return nil
}

// CheckAPIKeyPermissions verifies the key can query balances and orders
// before any order is placed. A key missing the trade permission only
// fails later, on the first placement.
func (c *Client) CheckAPIKeyPermissions(ctx context.Context) error {
	if _, err := c.private(ctx, "/0/private/BalanceEx", url.Values{}); err != nil {
		return fmt.Errorf("api key cannot query balances: %w", err)
	}
	if _, err := c.private(ctx, "/0/private/OpenOrders", url.Values{}); err != nil {
		return fmt.Errorf("api key cannot query orders: %w", err)
	}
	return nil
}

func (c *Client) AssetPairInfo(ctx context.Context) (core.AssetPairInfo, error) {
	params := url.Values{}
	params.Set("pair", legacyAsset(c.base)+legacyAsset(c.quote))
	body, err := c.public(ctx, "/0/public/AssetPairs", params)
	if err != nil {
		return core.AssetPairInfo{}, err
	}
	var res map[string]assetPairResult
	if err := json.Unmarshal(body, &res); err != nil {
		return core.AssetPairInfo{}, err
	}
	if len(res) == 0 {
		return core.AssetPairInfo{}, fmt.Errorf("asset pair %s/%s not found", c.base, c.quote)
	}
	var pair assetPairResult
	for _, p := range res {
		pair = p
		break
	}
	// fees_maker tiers come in percent, highest volume last.
	fees := make([]decimal.Decimal, 0, len(pair.FeesMaker))
	for _, tier := range pair.FeesMaker {
		if len(tier) < 2 {
			continue
		}
		fees = append(fees, decimal.NewFromFloat(tier[1]).Div(decimal.NewFromInt(100)))
	}
	if len(fees) == 0 {
		return core.AssetPairInfo{}, fmt.Errorf("asset pair %s has no maker fee schedule", pair.Altname)
	}
	info := core.AssetPairInfo{
		FeesMaker:    fees,
		CostDecimals: pair.CostDecimals,
		LotDecimals:  pair.LotDecimals,
		PairDecimals: pair.PairDecimals,
	}
	c.mu.Lock()
	c.restSymbol = pair.Altname
	c.pairInfo = info
	c.pairLoaded = true
	c.mu.Unlock()
	return info, nil
}

func (c *Client) Truncate(value decimal.Decimal, kind core.TruncateKind) decimal.Decimal {
	c.mu.Lock()
	info := c.pairInfo
	loaded := c.pairLoaded
	c.mu.Unlock()
	if !loaded {
		return value
	}
	return core.TruncateFor(value, kind, info)
}

func (c *Client) OpenOrders(ctx context.Context, userref int64) ([]core.Order, error) {
	params := url.Values{}
	params.Set("userref", strconv.FormatInt(userref, 10))
	body, err := c.private(ctx, "/0/private/OpenOrders", params)
	if err != nil {
		return nil, err
	}
	var res openOrdersResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(res.Open))
	for txid, info := range res.Open {
		orders = append(orders, orderFromInfo(txid, info))
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, txid string) (core.Order, error) {
	params := url.Values{}
	params.Set("txid", txid)
	body, err := c.private(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		if errors.Is(err, core.ErrUnknownOrder) {
			return core.Order{}, fmt.Errorf("order %s: %w", txid, core.ErrOrderNotFound)
		}
		return core.Order{}, err
	}
	var res map[string]orderInfo
	if err := json.Unmarshal(body, &res); err != nil {
		return core.Order{}, err
	}
	info, ok := res[txid]
	if !ok {
		return core.Order{}, fmt.Errorf("order %s: %w", txid, core.ErrOrderNotFound)
	}
	return orderFromInfo(txid, info), nil
}

// OrderWithRetry retries GetOrder for orders the REST API does not know
// yet, which happens when the stream reports an execution before the
// order shows up in QueryOrders.
func (c *Client) OrderWithRetry(ctx context.Context, txid string, exitOnFail bool) (core.Order, error) {
	const maxTries = 3
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		order, err := c.GetOrder(ctx, txid)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !errors.Is(err, core.ErrOrderNotFound) {
			return core.Order{}, err
		}
		if attempt == maxTries {
			break
		}
		wait := time.Duration(2+attempt) * time.Second
		c.log.Warn().Str("txid", txid).Int("attempt", attempt).Dur("retry_in", wait).
			Msg("order not found yet, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return core.Order{}, ctx.Err()
		}
	}
	if exitOnFail {
		return core.Order{}, fmt.Errorf("giving up on order %s after %d tries: %w", txid, maxTries, core.ErrBotState)
	}
	return core.Order{}, lastErr
}

func (c *Client) CreateOrder(ctx context.Context, req core.OrderRequest) (string, error) {
	if req.Side != core.Buy && req.Side != core.Sell {
		return "", fmt.Errorf("order side %q: %w", req.Side, core.ErrConfiguration)
	}
	params := url.Values{}
	params.Set("ordertype", "limit")
	params.Set("type", string(req.Side))
	params.Set("pair", c.RESTSymbol())
	params.Set("price", req.Price.String())
	params.Set("volume", req.Volume.String())
	params.Set("userref", strconv.FormatInt(req.Userref, 10))
	if req.PostOnly {
		params.Set("oflags", "post")
	}
	if req.Validate {
		params.Set("validate", "true")
	}
	body, err := c.private(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return "", err
	}
	var res addOrderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	if len(res.TXID) == 0 {
		if req.Validate {
			// validate-only orders are never booked and get no txid
			return "validated:" + res.Descr.Order, nil
		}
		return "", fmt.Errorf("add order returned no txid")
	}
	return res.TXID[0], nil
}

func (c *Client) CancelOrder(ctx context.Context, txid string) error {
	params := url.Values{}
	params.Set("txid", txid)
	_, err := c.private(ctx, "/0/private/CancelOrder", params)
	return err
}

func (c *Client) PairBalance(ctx context.Context) (core.PairBalance, error) {
	body, err := c.private(ctx, "/0/private/BalanceEx", url.Values{})
	if err != nil {
		return core.PairBalance{}, err
	}
	var res map[string]balanceEntry
	if err := json.Unmarshal(body, &res); err != nil {
		return core.PairBalance{}, err
	}
	var bal core.PairBalance
	if entry, ok := findBalance(res, c.base); ok {
		bal.BaseBalance, bal.BaseAvailable = availableOf(entry)
	}
	if entry, ok := findBalance(res, c.quote); ok {
		bal.QuoteBalance, bal.QuoteAvailable = availableOf(entry)
	}
	return bal, nil
}

// WSToken fetches the token required to subscribe to private websocket
// channels. Tokens expire unused after 15 minutes, so this is called
// right before connecting.
func (c *Client) WSToken(ctx context.Context) (string, error) {
	body, err := c.private(ctx, "/0/private/GetWebSocketsToken", url.Values{})
	if err != nil {
		return "", err
	}
	var res wsTokenResult
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", fmt.Errorf("empty websocket token")
	}
	return res.Token, nil
}

func orderFromInfo(txid string, info orderInfo) core.Order {
	price, _ := decimal.NewFromString(info.Descr.Price)
	vol, _ := decimal.NewFromString(info.Vol)
	volExec, _ := decimal.NewFromString(info.VolExec)
	order := core.Order{
		TXID:    txid,
		Userref: info.Userref,
		Pair:    info.Descr.Pair,
		Side:    core.Side(info.Descr.Type),
		Price:   price,
		Volume:  vol,
		VolExec: volExec,
		Status:  core.OrderStatus(info.Status),
	}
	if info.OpenTm > 0 {
		sec := int64(info.OpenTm)
		nsec := int64((info.OpenTm - float64(sec)) * 1e9)
		order.CreatedAt = time.Unix(sec, nsec)
	}
	return order
}

// legacyAsset maps ISO-ish currency codes onto Kraken's legacy names
// used by the REST pair index.
func legacyAsset(currency string) string {
	switch currency {
	case "BTC":
		return "XBT"
	case "DOGE":
		return "XDG"
	default:
		return currency
	}
}

// findBalance tries the plain code, the legacy code, and the X/Z
// prefixed forms Kraken uses in balance responses.
func findBalance(balances map[string]balanceEntry, currency string) (balanceEntry, bool) {
	legacy := legacyAsset(currency)
	for _, key := range []string{currency, legacy, "X" + legacy, "Z" + legacy} {
		if entry, ok := balances[key]; ok {
			return entry, true
		}
	}
	return balanceEntry{}, false
}

func availableOf(entry balanceEntry) (balance, available decimal.Decimal) {
	balance, _ = decimal.NewFromString(entry.Balance)
	hold, _ := decimal.NewFromString(entry.HoldTrade)
	return balance, balance.Sub(hold)
}

func (c *Client) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	urlStr := c.baseURL + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) private(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("public_key/secret_key required: %w", core.ErrConfiguration)
	}
	nonce := c.nextNonce()
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	encoded := params.Encode()
	signature, err := sign(c.apiSecret, path, strconv.FormatInt(nonce, 10), encoded)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", signature)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kraken http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if err := apiError(envelope.Error); err != nil {
		return nil, err
	}
	return envelope.Result, nil
}

func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce := time.Now().UnixMilli()
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}

// sign builds the API-Sign header: HMAC-SHA512 over the request path and
// SHA256(nonce + POST data), keyed with the base64-decoded secret.
func sign(secret, path, nonce, postData string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("secret_key is not valid base64: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
