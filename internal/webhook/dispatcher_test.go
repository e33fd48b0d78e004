package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testAlert() Alert {
	end := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)
	return Alert{
		Name:        "errors-high",
		Query:       "LOWER(message) LIKE '%error%'",
		Operator:    "gt",
		Threshold:   10,
		Count:       11,
		WindowSpec:  "15m",
		WindowStart: end.Add(-15 * time.Minute),
		WindowEnd:   end,
		FiredAt:     end,
	}
}

func TestDeriveSeverity(t *testing.T) {
	cases := []struct {
		count     int
		threshold float64
		want      string
	}{
		{11, 10, SeverityInfo},
		{15, 10, SeverityWarning},
		{19, 10, SeverityWarning},
		{20, 10, SeverityCritical},
		{11, 5, SeverityCritical},
		{3, 0, SeverityCritical},
		{0, 0, SeverityInfo},
	}
	for _, tc := range cases {
		if got := DeriveSeverity(tc.count, tc.threshold); got != tc.want {
			t.Errorf("DeriveSeverity(%d, %g) = %q, want %q", tc.count, tc.threshold, got, tc.want)
		}
	}
}

func TestBuildPayloadShape(t *testing.T) {
	body, err := json.Marshal(BuildPayload(testAlert()))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if got["alertName"] != "errors-high" || got["severity"] != "info" {
		t.Fatalf("unexpected header fields: %v", got)
	}
	if got["timestamp"] != "2026-03-04T10:30:00Z" {
		t.Fatalf("timestamp = %v", got["timestamp"])
	}
	window := got["window"].(map[string]any)
	if window["start"] != "2026-03-04T10:15:00Z" || window["duration"] != "15m" {
		t.Fatalf("unexpected window: %v", window)
	}
	trigger := got["trigger"].(map[string]any)
	if trigger["actualValue"] != float64(11) || trigger["threshold"] != float64(10) || trigger["operator"] != "gt" {
		t.Fatalf("unexpected trigger: %v", trigger)
	}
	if !strings.Contains(got["message"].(string), "errors-high") {
		t.Fatalf("message should name the alert: %v", got["message"])
	}
}

func TestSend_SuccessWithMergedHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		headers <- r.Header.Clone()
		bodies <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := NewDispatcher("test", zap.NewNop())
	err := d.Send(context.Background(), server.URL, map[string]string{
		"Authorization": "Bearer abc",
		"User-Agent":    "custom-agent",
	}, BuildPayload(testAlert()))
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	h := <-headers
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("User-Agent") != "custom-agent" {
		t.Errorf("operator header should win, User-Agent = %q", h.Get("User-Agent"))
	}

	var p Payload
	if err := json.Unmarshal(<-bodies, &p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Trigger.ActualValue != 11 {
		t.Errorf("actualValue = %d, want 11", p.Trigger.ActualValue)
	}
}

func TestSend_DefaultUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
	}))
	defer server.Close()

	d := NewDispatcher("1.2.3", nil)
	if err := d.Send(context.Background(), server.URL, nil, BuildPayload(testAlert())); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got := <-agents; got != "logsentry/1.2.3" {
		t.Fatalf("User-Agent = %q", got)
	}
}

func TestSend_Non2xxCapturesBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	d := NewDispatcher("test", zap.NewNop())
	err := d.Send(context.Background(), server.URL, nil, BuildPayload(testAlert()))

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if derr.StatusCode != http.StatusBadGateway || derr.Body != "upstream down" {
		t.Fatalf("unexpected delivery error: %+v", derr)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
}

func TestSend_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := NewDispatcher("test", zap.NewNop())
	err = d.Send(context.Background(), "http://"+addr+"/hook", nil, BuildPayload(testAlert()))

	var derr *DeliveryError
	if !errors.As(err, &derr) || derr.Err == nil {
		t.Fatalf("expected transport DeliveryError, got %v", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	d := NewDispatcher("test", zap.NewNop(), WithTimeout(50*time.Millisecond))
	start := time.Now()
	err := d.Send(context.Background(), server.URL, nil, BuildPayload(testAlert()))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestTest_UsesTestPayload(t *testing.T) {
	names := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		names <- p.AlertName
	}))
	defer server.Close()

	d := NewDispatcher("test", zap.NewNop())
	if err := d.Test(context.Background(), server.URL, nil); err != nil {
		t.Fatalf("Test error: %v", err)
	}
	if got := <-names; got != "logsentry.test" {
		t.Fatalf("alertName = %q", got)
	}
}
