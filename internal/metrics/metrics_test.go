package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened(true)
	m.ConnectionClosed(true)
	m.MessageSent("image")
	m.SendFailed("forbidden")
	m.Delivered(3)
	m.LiveEvent("typing", "ok")
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ConnectionOpened(true)
	m.MessageSent("")
	m.Delivered(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"messaging_active_connections 1",
		"messaging_online_users 1",
		`messaging_messages_sent_total{media_type="text"} 1`,
		"messaging_broadcast_deliveries_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
