package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tradeyard/tradeyard-backend/pkg/config"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

func TestRouterHealthLive(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &config.Config{App: config.AppConfig{Env: "test"}},
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if resp.Header().Get("X-TradeYard-Env") != "test" {
		t.Fatalf("unexpected env header %q", resp.Header().Get("X-TradeYard-Env"))
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := NewRouter(RouterParams{
		Config: &config.Config{App: config.AppConfig{Env: "test"}},
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}
