package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.ExchangesOpened == nil {
		t.Error("ExchangesOpened metric is nil")
	}
}

func TestRecordSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd("closed")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("closed")); got != 1 {
		t.Errorf("SessionsTotal{closed} = %v, want 1", got)
	}
}

func TestRecordExchange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordExchangeOpen("download", "local")
	m.RecordExchangeOpen("stat", "remote")
	m.RecordExchangeOpen("stat", "remote")
	m.RecordExchangeClose("stat", true)
	m.RecordExchangeClose("download", false)

	if got := testutil.ToFloat64(m.ExchangesActive); got != 1 {
		t.Errorf("ExchangesActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExchangesOpened.WithLabelValues("stat", "remote")); got != 2 {
		t.Errorf("ExchangesOpened{stat,remote} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ExchangesRejected.WithLabelValues("stat")); got != 1 {
		t.Errorf("ExchangesRejected{stat} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExchangesRejected.WithLabelValues("download")); got != 0 {
		t.Errorf("ExchangesRejected{download} = %v, want 0", got)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("PING", 13)
	m.RecordFrameSent("FILE_DATA", 100)
	m.RecordFrameReceived("PONG", 13)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("PING")); got != 1 {
		t.Errorf("FramesSent{PING} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 113 {
		t.Errorf("BytesSent = %v, want 113", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 13 {
		t.Errorf("BytesReceived = %v, want 13", got)
	}
}

func TestRecordKeepalive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordKeepaliveSent()
	m.RecordKeepaliveRTT(20 * time.Millisecond)

	if got := testutil.ToFloat64(m.KeepalivesSent); got != 1 {
		t.Errorf("KeepalivesSent = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.KeepaliveRTT); got != 1 {
		t.Errorf("KeepaliveRTT series = %d, want 1", got)
	}
}

func TestRecordCapabilities(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCommandStart("pty")
	m.RecordCommandEnd(2 * time.Second)
	m.RecordTransfer("out", 4096)
	m.RecordTransfer("out", 4096)

	if got := testutil.ToFloat64(m.CommandsStarted.WithLabelValues("pty")); got != 1 {
		t.Errorf("CommandsStarted{pty} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TransferredBytes.WithLabelValues("out")); got != 8192 {
		t.Errorf("TransferredBytes{out} = %v, want 8192", got)
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordSessionStart()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	tests := []struct {
		method string
		path   string
		status int
		body   string
	}{
		{http.MethodGet, "/health", http.StatusOK, "OK"},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/metrics", http.StatusOK, "oxy_sessions_active 1"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(body), tt.body) {
				t.Errorf("body = %q, want it to contain %q", body, tt.body)
			}
		})
	}
}
