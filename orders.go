package recargas

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// OrderAuth is what the order engine needs from the auth layer: ready-to-use
// headers plus the name of the account funding the purchase. Both a single
// session and the session manager satisfy it.
type OrderAuth interface {
	AuthSource
	Account() string
}

// Order is the carrier's view of one purchase order.
type Order struct {
	OrderID           string `json:"orderId"`
	Status            string `json:"status"`
	PaymentStatus     string `json:"currentPaymentStatus"`
	FulfillmentStatus string `json:"currentFulfillmentStatus"`
	PGErrorCode       string `json:"pgErrorCode"`

	// Raw keeps the carrier's full body for API passthrough.
	Raw json.RawMessage `json:"-"`
}

// CooldownError reports that a destination was recharged too recently.
type CooldownError struct {
	Destination string
	Remaining   time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("wait %ds before recharging %s again", int(e.Remaining.Seconds())+1, e.Destination)
}

// OrderFailedError reports a terminal carrier-side failure, as opposed to a
// tracking timeout.
type OrderFailedError struct {
	Message string
	Order   *Order
}

func (e *OrderFailedError) Error() string {
	return e.Message
}

// recentOrder tracks one destination's cooldown slot. A slot is reserved
// before the order is submitted so two concurrent recharges to the same
// number can never both pass the check.
type recentOrder struct {
	createdAt time.Time
	orderID   string
	reference string
}

// OrderEngine creates purchase orders, enforces the per-destination cooldown,
// and tracks orders to completion.
type OrderEngine struct {
	cfg    *Config
	auth   OrderAuth
	client httpDoer
	logger Logger

	mu     sync.Mutex
	recent map[string]*recentOrder

	now func() time.Time
}

func NewOrderEngine(cfg *Config, auth OrderAuth, client httpDoer, logger Logger) *OrderEngine {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &OrderEngine{
		cfg:    cfg,
		auth:   auth,
		client: client,
		logger: PrefixLogger(logger, "orders"),
		recent: make(map[string]*recentOrder),
		now:    time.Now,
	}
}

// CanCreateOrder reports whether the destination is outside its cooldown
// window, and how long remains when it is not.
func (e *OrderEngine) CanCreateOrder(destination string) (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canCreateLocked(destination)
}

func (e *OrderEngine) canCreateLocked(destination string) (bool, time.Duration) {
	entry, ok := e.recent[destination]
	if !ok {
		return true, 0
	}
	elapsed := e.now().Sub(entry.createdAt)
	if elapsed < e.cfg.OrderCooldown {
		return false, e.cfg.OrderCooldown - elapsed
	}
	return true, 0
}

// reserveSlot claims the destination's cooldown slot atomically with the
// check. The caller must either commit or release the slot.
func (e *OrderEngine) reserveSlot(destination string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ok, remaining := e.canCreateLocked(destination); !ok {
		return &CooldownError{Destination: destination, Remaining: remaining}
	}
	e.recent[destination] = &recentOrder{createdAt: e.now()}
	return nil
}

func (e *OrderEngine) commitSlot(destination, orderID, reference string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.recent[destination]; ok {
		entry.orderID = orderID
		entry.reference = reference
	}
}

// ReleaseCooldown frees a destination's slot so it can be recharged again
// immediately. Used when the order never went through.
func (e *OrderEngine) ReleaseCooldown(destination string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.recent, destination)
}

// CleanupOldOrders evicts cooldown entries past the tracking horizon.
func (e *OrderEngine) CleanupOldOrders() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.OrderEvictHorizon)
	for destination, entry := range e.recent {
		if entry.createdAt.Before(cutoff) {
			delete(e.recent, destination)
		}
	}
}

// newOrderReference builds the carrier's purchase order id: the trailing six
// digits of the millisecond timestamp plus nine random digits.
func (e *OrderEngine) newOrderReference() string {
	ts := strconv.FormatInt(e.now().UnixMilli(), 10)
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	return ts + strconv.Itoa(rand.Intn(900000000)+100000000)
}

// GetPackages fetches the package catalog for a destination number. A 403
// triggers one token refresh and retry; the carrier returns it when the
// resource token has been invalidated server-side.
func (e *OrderEngine) GetPackages(ctx context.Context, destination string) ([]Package, error) {
	headers, ok := e.auth.Headers(ctx, destination)
	if !ok {
		return nil, ErrUnauthorized
	}

	e.logger.Log("fetching packages for %s", destination)
	resp, err := e.walletGet(ctx, e.cfg.WalletBaseURL+"/middleware/api/v1.0.0/paquetes", headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		e.logger.Log("got 403, refreshing token and retrying")
		if !e.auth.ForceRefresh(ctx) {
			return nil, ErrUnauthorized
		}
		headers, ok = e.auth.Headers(ctx, destination)
		if !ok {
			return nil, ErrUnauthorized
		}
		resp, err = e.walletGet(ctx, e.cfg.WalletBaseURL+"/middleware/api/v1.0.0/paquetes", headers)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("package catalog: HTTP %d", resp.StatusCode)
	}

	var packages []Package
	if err := decodeJSON(resp.Body, &packages); err != nil {
		return nil, err
	}
	e.logger.Log("found %d packages", len(packages))
	return packages, nil
}

// CreatePurchaseOrder submits a purchase order for the given package. The
// destination's cooldown slot is reserved before submission and released if
// the order is rejected.
func (e *OrderEngine) CreatePurchaseOrder(ctx context.Context, destination string, pkg Package) (*Order, error) {
	if err := e.reserveSlot(destination); err != nil {
		return nil, err
	}

	order, err := e.submitOrder(ctx, destination, pkg)
	if err != nil {
		e.ReleaseCooldown(destination)
		return nil, err
	}
	return order, nil
}

func (e *OrderEngine) submitOrder(ctx context.Context, destination string, pkg Package) (*Order, error) {
	headers, ok := e.auth.Headers(ctx, destination)
	if !ok {
		return nil, ErrUnauthorized
	}
	headers["date"] = []string{e.now().Format("02/01/2006")}

	reference := e.newOrderReference()
	payload := e.orderPayload(destination, pkg, reference)

	e.logger.Log("creating order: %s - %s - ref %s", destination, pkg.Name, reference)
	resp, err := doJSON(ctx, e.client, e.logger, http.MethodPost, e.ordersURL(""), headers, payload, 1, 0)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		order, err := decodeOrderEnvelope(resp.Body)
		if err != nil {
			return nil, err
		}
		e.commitSlot(destination, order.OrderID, reference)
		e.logger.Log("order created: %s", order.OrderID)
		return order, nil

	case http.StatusConflict:
		e.logger.Log("duplicate order rejected for %s", destination)
		return nil, ErrDuplicateOrder

	default:
		return nil, fmt.Errorf("order creation: HTTP %d", resp.StatusCode)
	}
}

// orderPayload builds the payment gateway request body. The card section
// carries the funding wallet's phone number; the gateway charges the wallet
// balance, not an actual card.
func (e *OrderEngine) orderPayload(destination string, pkg Package, reference string) map[string]any {
	return map[string]any{
		"accountNumber":           destination,
		"accountType":             "subscribers",
		"applicationName":         e.cfg.AppNamespace,
		"customerIpAddress":       "181.00.000.00",
		"customerName":            "Cliente API",
		"deviceId":                "0",
		"email":                   "api@tigo.com.py",
		"paymentAmount":           "1.0",
		"paymentChannel":          "84",
		"paymentCurrencyCode":     "PYG",
		"phoneNumber":             destination,
		"productReference":        pkg.ID,
		"purchaseDetails": []map[string]string{
			{
				"name":     pkg.ID,
				"quantity": "1",
				"amount":   formatAmount(pkg.Amount),
			},
		},
		"purchaseOrderId":         reference,
		"updatePaymentSeparately": false,
		"billToAddress": map[string]string{
			"firstName":  "API",
			"lastName":   "Tigo",
			"country":    "PY",
			"city":       "Asunción",
			"street":     "Calle API 123",
			"postalCode": "1000",
			"state":      "Central",
			"email":      "api@tigo.com.py",
		},
		"documentType":         "nit",
		"documentNumber":       "0",
		"deviceFingerprintId":  "0",
		"createPaymentToken":   false,
		"creditCardDetails": map[string]string{
			"accountNumber": e.auth.Account(),
			"cvv":           "0000",
		},
	}
}

// CheckOrderStatus fetches an order's current state.
func (e *OrderEngine) CheckOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	headers, ok := e.auth.Headers(ctx, "")
	if !ok {
		return nil, ErrUnauthorized
	}
	headers["date"] = []string{e.now().Format("02/01/2006")}

	resp, err := doJSON(ctx, e.client, e.logger, http.MethodGet, e.ordersURL(orderID), headers, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order status: HTTP %d", resp.StatusCode)
	}
	return decodeOrderEnvelope(resp.Body)
}

// WaitForCompletion polls the order until it reaches a terminal state, the
// attempt budget runs out, or the wall-clock deadline passes. A nil error
// means the recharge succeeded; *OrderFailedError means the carrier failed
// it; ErrOrderTimeout means the outcome is still unknown.
func (e *OrderEngine) WaitForCompletion(ctx context.Context, orderID string) (*Order, error) {
	e.logger.Log("tracking order %s", orderID)

	deadline := e.now().Add(e.cfg.OrderTrackingTime)
	var last *Order
	lastStatus := ""

	for attempt := 0; attempt < e.cfg.MaxOrderAttempts; attempt++ {
		if e.now().After(deadline) {
			e.logger.Log("tracking deadline passed for order %s", orderID)
			return last, fmt.Errorf("order %s: %w", orderID, ErrOrderTimeout)
		}

		order, err := e.CheckOrderStatus(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return last, fmt.Errorf("order %s: %w", orderID, ErrOrderTimeout)
			}
			if err := sleepCtx(ctx, e.cfg.HTTPRetryDelay); err != nil {
				return last, fmt.Errorf("order %s: %w", orderID, ErrOrderTimeout)
			}
			continue
		}
		last = order

		if order.Status != lastStatus {
			e.logger.Log("order %s: status %q payment %q fulfillment %q",
				orderID, order.Status, order.PaymentStatus, order.FulfillmentStatus)
			lastStatus = order.Status
		}

		switch outcome, msg := classifyOrder(order); outcome {
		case orderSucceeded:
			e.logger.Log("recharge completed, order %s", orderID)
			return order, nil
		case orderFailed:
			e.logger.Log("recharge failed, order %s: %s", orderID, msg)
			return order, &OrderFailedError{Message: msg, Order: order}
		}

		if attempt < e.cfg.MaxOrderAttempts-1 {
			if err := sleepCtx(ctx, e.cfg.OrderCheckInterval); err != nil {
				return last, fmt.Errorf("order %s: %w", orderID, ErrOrderTimeout)
			}
		}
	}

	return last, fmt.Errorf("order %s: %w", orderID, ErrOrderTimeout)
}

// ProcessRecharge runs the full flow: create the order, track it, and free
// the destination's cooldown slot on any failure, timeout included, so the
// caller can retry immediately. Only a confirmed recharge keeps the slot.
func (e *OrderEngine) ProcessRecharge(ctx context.Context, destination string, pkg Package) (*Order, error) {
	e.logger.Log("starting recharge: %s - %s", destination, pkg.Name)

	order, err := e.CreatePurchaseOrder(ctx, destination, pkg)
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		e.ReleaseCooldown(destination)
		return nil, fmt.Errorf("order created without an id")
	}

	final, err := e.WaitForCompletion(ctx, order.OrderID)
	if err != nil {
		e.ReleaseCooldown(destination)
		if final == nil {
			final = order
		}
		return final, err
	}
	return final, nil
}

type orderOutcome int

const (
	orderPending orderOutcome = iota
	orderSucceeded
	orderFailed
)

// classifyOrder maps the carrier's three status fields onto a terminal
// outcome. Checked in failure order first: a refunded order can also carry a
// "Completed" status and must not read as success.
func classifyOrder(o *Order) (orderOutcome, string) {
	switch {
	case strings.Contains(o.Status, "Refund Completed"):
		return orderFailed, "recharge cancelled and refunded"

	case o.PaymentStatus == "Refunded":
		return orderFailed, "payment refunded"

	case strings.Contains(o.FulfillmentStatus, "Fulfillment Failed"):
		if strings.Contains(o.Status, "Refund") {
			return orderFailed, "recharge failed, refund in progress"
		}
		return orderFailed, "recharge failed"

	case o.PaymentStatus == "Declined" || o.PaymentStatus == "Failed" || o.PaymentStatus == "Rejected":
		msg := o.PGErrorCode
		if msg == "" {
			msg = "transaction rejected"
		}
		return orderFailed, "payment rejected: " + msg

	case strings.Contains(o.Status, "Fulfillment Succeeded"),
		strings.Contains(o.Status, "Completed") && !strings.Contains(o.Status, "Refund"):
		return orderSucceeded, "recharge successful"

	default:
		return orderPending, ""
	}
}

// decodeOrderEnvelope unwraps the gateway's nested response: HTTP 200 alone
// is not success, the body-level httpStatusCode and a body payload are also
// required.
func decodeOrderEnvelope(raw []byte) (*Order, error) {
	var envelope struct {
		HTTPStatusCode int             `json:"httpStatusCode"`
		Message        string          `json:"message"`
		Body           json.RawMessage `json:"body"`
	}
	if err := decodeJSON(raw, &envelope); err != nil {
		return nil, err
	}
	if envelope.HTTPStatusCode != http.StatusOK || len(envelope.Body) == 0 {
		msg := envelope.Message
		if msg == "" {
			msg = "unknown gateway error"
		}
		return nil, fmt.Errorf("gateway rejected order: %s (code %d)", msg, envelope.HTTPStatusCode)
	}

	var order Order
	if err := decodeJSON(envelope.Body, &order); err != nil {
		return nil, err
	}
	order.Raw = envelope.Body
	return &order, nil
}

func (e *OrderEngine) ordersURL(orderID string) string {
	u := e.cfg.WalletBaseURL + "/apigee/v1-0-0-0/paymentgateway/pg/customers/" + e.cfg.PaymentCustomerID + "/transactions/orders"
	if orderID != "" {
		u += "/" + orderID
	}
	return u
}

func (e *OrderEngine) walletGet(ctx context.Context, rawURL string, headers http.Header) (*apiResponse, error) {
	return doJSON(ctx, e.client, e.logger, http.MethodGet, rawURL, headers, nil, e.cfg.MaxHTTPAttempts, e.cfg.HTTPRetryDelay)
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatAmount(amount float64) string {
	if amount == float64(int64(amount)) {
		return strconv.FormatInt(int64(amount), 10)
	}
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
