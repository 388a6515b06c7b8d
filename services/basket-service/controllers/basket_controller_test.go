package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ValRusDev/microshop/pkg/apperrors"
	"github.com/ValRusDev/microshop/pkg/auth"
	"github.com/ValRusDev/microshop/pkg/eventbus"
	"github.com/ValRusDev/microshop/services/basket-service/controllers"
	"github.com/ValRusDev/microshop/services/basket-service/database"
	"github.com/ValRusDev/microshop/services/basket-service/models"
	"github.com/ValRusDev/microshop/services/basket-service/routes"
	"github.com/ValRusDev/microshop/services/basket-service/services"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCheckout struct {
	err error
}

func (s stubCheckout) Checkout(context.Context, uuid.UUID) (*services.CheckoutResult, error) {
	return nil, s.err
}

func setupRouter(t *testing.T, checkout controllers.Checkouter) (*gin.Engine, *database.BasketStore, *eventbus.MemoryBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	models.RegisterValidators()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := database.NewBasketStore(client, time.Hour)
	bus := eventbus.NewMemoryBus()
	if checkout == nil {
		checkout = services.NewCheckoutService(store, bus, nil, zap.NewNop())
	}

	r := gin.New()
	ctrl := controllers.NewBasketController(store, checkout, zap.NewNop())
	routes.RegisterBasketRoutes(r, ctrl, auth.NewTokenValidator(""), routes.Options{TrustGatewayHeader: true})
	return r, store, bus
}

func do(r http.Handler, method, path string, owner uuid.UUID, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != uuid.Nil {
		req.Header.Set("X-User-ID", owner.String())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBasketFlow_AddListCheckout(t *testing.T) {
	r, store, bus := setupRouter(t, nil)
	owner := uuid.New()
	a, b := uuid.New(), uuid.New()

	w := do(r, http.MethodPost, "/api/v1/basket/items", owner, gin.H{"product_id": a, "quantity": 2, "unit_price": "10"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(r, http.MethodPost, "/api/v1/basket/items", owner, gin.H{"product_id": b, "quantity": 1, "unit_price": 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/api/v1/basket", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var basket models.BasketResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &basket))
	assert.Equal(t, "25.00", basket.Total)
	assert.Len(t, basket.Items, 2)

	w = do(r, http.MethodPost, "/api/v1/basket/checkout", owner, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/api/v1/orders/"+owner.String(), w.Header().Get("Location"))

	var resp models.CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Checkout requested", resp.Message)
	assert.Equal(t, "25.00", resp.Total)
	assert.NotEqual(t, uuid.Nil, resp.CorrelationID)
	assert.Len(t, bus.Published(), 1)

	after, err := store.Get(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, after.IsEmpty())
}

func TestCheckout_EmptyBasketIs400(t *testing.T) {
	r, _, bus := setupRouter(t, nil)

	w := do(r, http.MethodPost, "/api/v1/basket/checkout", uuid.New(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Basket is empty"}`, w.Body.String())
	assert.Empty(t, bus.Published())
}

func TestCheckout_UnavailableIs503WithRetryAfter(t *testing.T) {
	r, _, _ := setupRouter(t, stubCheckout{err: apperrors.Wrap(apperrors.ErrChannelUnavailable, eventbus.ErrUnavailable)})

	w := do(r, http.MethodPost, "/api/v1/basket/checkout", uuid.New(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestAddItem_Validation(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	owner := uuid.New()

	cases := map[string]gin.H{
		"zero quantity":  {"product_id": uuid.New(), "quantity": 0, "unit_price": "1"},
		"negative price": {"product_id": uuid.New(), "quantity": 1, "unit_price": "-1"},
		"bad product":    {"product_id": "nope", "quantity": 1, "unit_price": "1"},
		"sub-cent price": {"product_id": uuid.New(), "quantity": 1, "unit_price": "1.005"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/basket/items", owner, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRemoveItem_And_Clear(t *testing.T) {
	r, store, _ := setupRouter(t, nil)
	owner := uuid.New()
	a := uuid.New()

	w := do(r, http.MethodPost, "/api/v1/basket/items", owner, gin.H{"product_id": a, "quantity": 1, "unit_price": "3"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodDelete, "/api/v1/basket/items/"+uuid.NewString(), owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodDelete, "/api/v1/basket/items/"+a.String(), owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodDelete, "/api/v1/basket/items/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	basket, err := store.Get(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, basket.IsEmpty())

	w = do(r, http.MethodDelete, "/api/v1/basket", owner, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBasketRoutes_RequireOwner(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	w := do(r, http.MethodGet, "/api/v1/basket", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
