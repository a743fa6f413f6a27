package recargas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth satisfies OrderAuth with canned headers.
type fakeAuth struct {
	mu        sync.Mutex
	refreshes int
	denied    bool
}

func (a *fakeAuth) Headers(ctx context.Context, destination string) (http.Header, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denied {
		return nil, false
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer res-1")
	if destination != "" {
		h["accountnumber"] = []string{destination}
	}
	return h, true
}

func (a *fakeAuth) ForceRefresh(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return true
}

func (a *fakeAuth) Account() string { return "0981111111" }

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

func orderEnvelope(body string) string {
	return fmt.Sprintf(`{"httpStatusCode":200,"body":%s}`, body)
}

func newTestEngine(cfg *Config, client *fakeClient) (*OrderEngine, *fakeAuth) {
	auth := &fakeAuth{}
	e := NewOrderEngine(cfg, auth, client, NoopLogger{})
	return e, auth
}

func TestCooldownWindow(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, &fakeClient{})

	base := time.Now()
	current := base
	e.now = func() time.Time { return current }

	require.NoError(t, e.reserveSlot("0983333333"))

	current = base.Add(cfg.OrderCooldown - time.Second)
	ok, remaining := e.CanCreateOrder("0983333333")
	assert.False(t, ok)
	assert.Greater(t, remaining, time.Duration(0))

	// A different number is unaffected.
	ok, _ = e.CanCreateOrder("0984444444")
	assert.True(t, ok)

	current = base.Add(cfg.OrderCooldown)
	ok, _ = e.CanCreateOrder("0983333333")
	assert.True(t, ok)
}

func TestReserveSlotIsAtomic(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, &fakeClient{})

	require.NoError(t, e.reserveSlot("0983333333"))

	err := e.reserveSlot("0983333333")
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, "0983333333", cooldown.Destination)
}

func TestCreatePurchaseOrderSuccess(t *testing.T) {
	cfg := testConfig()
	var captured map[string]any
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		body, _ := drainRequestBody(req)
		_ = json.Unmarshal(body, &captured)
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Created"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	pkg := Package{ID: "PKG1", Name: "Internet 1GB", Amount: 5000}
	order, err := e.CreatePurchaseOrder(context.Background(), "0983333333", pkg)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)

	// Slot claimed, second order blocked.
	ok, _ := e.CanCreateOrder("0983333333")
	assert.False(t, ok)

	require.NotNil(t, captured)
	assert.Equal(t, "0983333333", captured["accountNumber"])
	assert.Equal(t, "PKG1", captured["productReference"])
	assert.Equal(t, "0981111111", captured["creditCardDetails"].(map[string]any)["accountNumber"])

	ref := captured["purchaseOrderId"].(string)
	assert.Len(t, ref, 15)
}

func TestCreatePurchaseOrderDuplicate(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(409, `{}`), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.CreatePurchaseOrder(context.Background(), "0983333333", Package{ID: "PKG1"})
	require.ErrorIs(t, err, ErrDuplicateOrder)

	// Rejected order frees the slot.
	ok, _ := e.CanCreateOrder("0983333333")
	assert.True(t, ok)
}

func TestCreatePurchaseOrderGatewayRejection(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"httpStatusCode":422,"message":"invalid product"}`), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.CreatePurchaseOrder(context.Background(), "0983333333", Package{ID: "PKG1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid product")

	ok, _ := e.CanCreateOrder("0983333333")
	assert.True(t, ok)
}

func TestClassifyOrder(t *testing.T) {
	tests := []struct {
		name        string
		order       Order
		wantOutcome orderOutcome
	}{
		{"pending", Order{Status: "Created"}, orderPending},
		{"fulfillment succeeded", Order{Status: "Fulfillment Succeeded"}, orderSucceeded},
		{"completed", Order{Status: "Order Completed"}, orderSucceeded},
		{"completed but refunded", Order{Status: "Completed - Refund Completed"}, orderFailed},
		{"refund completed", Order{Status: "Refund Completed"}, orderFailed},
		{"payment refunded", Order{Status: "Processing", PaymentStatus: "Refunded"}, orderFailed},
		{"fulfillment failed", Order{FulfillmentStatus: "Fulfillment Failed"}, orderFailed},
		{"fulfillment failed with refund", Order{Status: "Refund Pending", FulfillmentStatus: "Fulfillment Failed"}, orderFailed},
		{"payment declined", Order{PaymentStatus: "Declined", PGErrorCode: "51"}, orderFailed},
		{"payment failed", Order{PaymentStatus: "Failed"}, orderFailed},
		{"payment rejected", Order{PaymentStatus: "Rejected"}, orderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, _ := classifyOrder(&tt.order)
			assert.Equal(t, tt.wantOutcome, outcome)
		})
	}
}

func TestClassifyDeclinedCarriesErrorCode(t *testing.T) {
	_, msg := classifyOrder(&Order{PaymentStatus: "Declined", PGErrorCode: "51"})
	assert.Contains(t, msg, "51")

	_, msg = classifyOrder(&Order{PaymentStatus: "Declined"})
	assert.Contains(t, msg, "transaction rejected")
}

func TestWaitForCompletionSucceedsAfterPending(t *testing.T) {
	cfg := testConfig()
	polls := 0
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		polls++
		if polls < 3 {
			return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Processing"}`)), nil
		}
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Fulfillment Succeeded"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	order, err := e.WaitForCompletion(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "Fulfillment Succeeded", order.Status)
	assert.Equal(t, 3, polls)
}

func TestWaitForCompletionCarrierFailure(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Processing","currentPaymentStatus":"Declined","pgErrorCode":"05"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.WaitForCompletion(context.Background(), "ord-1")
	var failed *OrderFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Message, "05")
}

func TestWaitForCompletionAttemptBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderAttempts = 3
	polls := 0
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		polls++
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Processing"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.WaitForCompletion(context.Background(), "ord-1")
	require.ErrorIs(t, err, ErrOrderTimeout)
	assert.Equal(t, 3, polls)
}

func TestWaitForCompletionWallClockDeadline(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Processing"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	base := time.Now()
	current := base
	e.now = func() time.Time {
		// Each lookup advances the clock well past the deadline.
		current = current.Add(cfg.OrderTrackingTime)
		return current
	}

	_, err := e.WaitForCompletion(context.Background(), "ord-1")
	require.ErrorIs(t, err, ErrOrderTimeout)
}

func TestProcessRechargeFailureFreesCooldown(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Created"}`)), nil
		}
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Refund Completed"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.ProcessRecharge(context.Background(), "0983333333", Package{ID: "PKG1", Name: "Internet"})
	var failed *OrderFailedError
	require.ErrorAs(t, err, &failed)

	ok, _ := e.CanCreateOrder("0983333333")
	assert.True(t, ok, "terminal failure should free the slot")
}

func TestProcessRechargeSuccessKeepsCooldown(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Created"}`)), nil
		}
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Fulfillment Succeeded"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	order, err := e.ProcessRecharge(context.Background(), "0983333333", Package{ID: "PKG1", Name: "Internet"})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.OrderID)

	ok, _ := e.CanCreateOrder("0983333333")
	assert.False(t, ok, "successful recharge keeps the slot claimed")
}

func TestProcessRechargeTimeoutFreesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderAttempts = 2
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Created"}`)), nil
		}
		return jsonResponse(200, orderEnvelope(`{"orderId":"ord-1","status":"Processing"}`)), nil
	}}
	e, _ := newTestEngine(cfg, client)

	_, err := e.ProcessRecharge(context.Background(), "0983333333", Package{ID: "PKG1"})
	require.ErrorIs(t, err, ErrOrderTimeout)

	// Any failed recharge, timeout included, frees the slot for a retry.
	ok, _ := e.CanCreateOrder("0983333333")
	assert.True(t, ok)
}

func TestGetPackages403RefreshesOnce(t *testing.T) {
	cfg := testConfig()
	calls := 0
	client := &fakeClient{handler: func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(403, `{}`), nil
		}
		return jsonResponse(200, `[{"id":"PKG1","name":"Internet 1GB","amount":5000}]`), nil
	}}
	e, auth := newTestEngine(cfg, client)

	packages, err := e.GetPackages(context.Background(), "0983333333")
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "PKG1", packages[0].ID)
	assert.Equal(t, 1, auth.refreshCount())
}

func TestGetPackagesUnauthorizedWithoutSession(t *testing.T) {
	cfg := testConfig()
	e, auth := newTestEngine(cfg, &fakeClient{})
	auth.denied = true

	_, err := e.GetPackages(context.Background(), "0983333333")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCleanupOldOrders(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, &fakeClient{})

	base := time.Now()
	current := base
	e.now = func() time.Time { return current }

	require.NoError(t, e.reserveSlot("0983333333"))
	current = base.Add(2 * time.Minute)
	require.NoError(t, e.reserveSlot("0984444444"))

	current = base.Add(cfg.OrderEvictHorizon + time.Minute)
	e.CleanupOldOrders()

	e.mu.Lock()
	_, oldKept := e.recent["0983333333"]
	_, newKept := e.recent["0984444444"]
	e.mu.Unlock()
	assert.False(t, oldKept)
	// The second entry is still inside the horizon and survives.
	assert.True(t, newKept)

	current = base.Add(cfg.OrderEvictHorizon + 3*time.Minute)
	e.CleanupOldOrders()
	e.mu.Lock()
	_, newKept = e.recent["0984444444"]
	e.mu.Unlock()
	assert.False(t, newKept)
}

func TestOrderReferenceShape(t *testing.T) {
	cfg := testConfig()
	e, _ := newTestEngine(cfg, &fakeClient{})

	ref := e.newOrderReference()
	assert.Len(t, ref, 15)
	for _, r := range ref {
		assert.True(t, r >= '0' && r <= '9')
	}
}

// drainRequestBody reads a request body for payload assertions.
func drainRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
