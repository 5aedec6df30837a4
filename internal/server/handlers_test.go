package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solrouter/solrouter/internal/broadcast"
	"github.com/solrouter/solrouter/internal/config"
	"github.com/solrouter/solrouter/internal/engine"
	"github.com/solrouter/solrouter/internal/orders"
	"github.com/solrouter/solrouter/internal/router"
	"github.com/solrouter/solrouter/internal/store"
	"github.com/solrouter/solrouter/internal/venues"
	"github.com/solrouter/solrouter/pkg/models"
)

func newTestServer(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := store.Open(store.Config{Driver: "sqlite", DSN: "file::memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bcast := broadcast.New(broadcast.Config{}, engine.Snapshot(db), nil, nil, logger)
	require.NoError(t, bcast.Start())
	sm := orders.NewStateMachine(db, bcast, logger)

	venue := venues.NewSim(venues.SimConfig{
		Name:        "jupiter",
		BasePrice:   decimal.NewFromFloat(155.25),
		FeeBps:      30,
		SlippageBps: 10,
		Seed:        7,
	}, logger)
	clients := []router.VenueClient{venue}
	selector := router.NewSelector(clients, time.Second, logger)

	eng := engine.New(engine.Config{}, sm, selector, clients, bcast, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	srv := New(config.ServerConfig{}, eng, logger)
	return srv.Router(), eng
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitOrderEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/orders",
		`{"token_in":"SOL","token_out":"USDC","amount":1000000,"slippage":"0.01"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp["order_id"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, string(models.StatusPending), resp["status"])
}

func TestSubmitOrderRejectsBadPayload(t *testing.T) {
	r, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"token_in":`},
		{"missing token_out", `{"token_in":"SOL","amount":10}`},
		{"zero amount", `{"token_in":"SOL","token_out":"USDC","amount":0}`},
		{"identical tokens", `{"token_in":"SOL","token_out":"SOL","amount":10}`},
		{"excessive slippage", `{"token_in":"SOL","token_out":"USDC","amount":10,"slippage":"0.9"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/orders", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetOrderEndpoint(t *testing.T) {
	r, eng := newTestServer(t)

	order, err := eng.Submit(context.Background(), models.OrderRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: 1_000_000,
	})
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/api/v1/orders/"+order.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.ID, got.ID)

	w = doJSON(t, r, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/orders/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	r, eng := newTestServer(t)
	eng.Pause()

	order, err := eng.Submit(context.Background(), models.OrderRequest{
		TokenIn: "SOL", TokenOut: "USDC", Amount: 1_000_000,
	})
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+order.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Already terminal, so the second cancel conflicts.
	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+order.ID.String(), "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	r, eng := newTestServer(t)
	eng.Pause()

	for i := 0; i < 3; i++ {
		_, err := eng.Submit(context.Background(), models.OrderRequest{
			TokenIn: "SOL", TokenOut: fmt.Sprintf("USDC%d", i), Amount: 1,
		})
		require.NoError(t, err)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 3, stats["waiting"])
	assert.EqualValues(t, 0, stats["active"])
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var h map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "solrouter_")
}
