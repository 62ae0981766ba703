package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetupMetricsExposesCollectors(t *testing.T) {
	handler, gm, dm := setupMetrics()
	if handler == nil || gm == nil || dm == nil {
		t.Fatalf("expected non-nil handler and collectors")
	}

	gm.ObserveCall("/message/custom/send", "ok")
	dm.ObserveRun("chat", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "wechat_gateway_calls_total") {
		t.Fatalf("expected gateway call counter to be exported")
	}
	if !strings.Contains(body, "wechat_dispatch_runs_total") {
		t.Fatalf("expected dispatch run counter to be exported")
	}
}
