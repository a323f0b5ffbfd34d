package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/breaker"
	"chatrelay/pkg/config"
	"chatrelay/pkg/models"
)

func TestMain(m *testing.M) {
	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: map[string]struct{}{"backend-key": {}},
		SigningKeys: map[string]struct{}{"backend-key": {}},
	})
	os.Exit(m.Run())
}

func testBinding(endpoint string, timeoutSecs int) models.HandlerBinding {
	return models.HandlerBinding{ThreadType: "support", Endpoint: endpoint, TimeoutSecs: timeoutSecs}
}

func testClaims() auth.HandlerClaims {
	return auth.HandlerClaims{TenantID: "tn", OwnerID: "u1", ThreadID: "t1"}
}

func ndjsonHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		f := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			f.Flush()
		}
	}
}

func TestInvokeStreamsEvents(t *testing.T) {
	var gotAuth, gotCorr string
	var gotEnv Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get("X-Correlation-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotEnv)
		ndjsonHandler(
			`{"event":"chunk","delta":"hel"}`,
			`{"event":"chunk","delta":"lo"}`,
			`{"event":"complete","usage":{"total_tokens":5}}`,
		)(w, r)
	}))
	defer srv.Close()

	bank := breaker.NewBank()
	g := New(bank, time.Minute)

	stream, err := g.Invoke(context.Background(), testBinding(srv.URL, 5), testClaims(), Envelope{
		Event:    EnvelopeTurn,
		ThreadID: "t1",
		Turn:     &TurnInput{Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer stream.Close()

	var deltas []string
	var sawComplete bool
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch ev.Event {
		case models.EventChunk:
			deltas = append(deltas, ev.Delta)
		case models.EventComplete:
			sawComplete = true
			if ev.Usage == nil || ev.Usage.TotalTokens != 5 {
				t.Fatalf("usage = %+v", ev.Usage)
			}
		}
	}
	if strings.Join(deltas, "") != "hello" || !sawComplete {
		t.Fatalf("deltas=%v complete=%v", deltas, sawComplete)
	}

	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("missing bearer token: %q", gotAuth)
	}
	claims, err := auth.VerifyHandlerToken(strings.TrimPrefix(gotAuth, "Bearer "))
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.ThreadID != "t1" || claims.CorrelationID == "" {
		t.Fatalf("claims = %+v", claims)
	}
	if gotCorr != gotEnv.CorrelationID || gotCorr == "" {
		t.Fatalf("correlation header %q vs envelope %q", gotCorr, gotEnv.CorrelationID)
	}
	if gotEnv.Turn == nil || gotEnv.Turn.Content != "hi" {
		t.Fatalf("envelope turn = %+v", gotEnv.Turn)
	}

	if bank.StateOf("support") != breaker.Closed {
		t.Fatalf("breaker state = %v", bank.StateOf("support"))
	}
}

func TestNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	bank := breaker.NewBank(breaker.WithThreshold(1))
	g := New(bank, time.Minute)

	_, err := g.Invoke(context.Background(), testBinding(srv.URL, 5), testClaims(), Envelope{Event: EnvelopeTurn})
	if !errors.Is(err, ErrHandlerTransport) {
		t.Fatalf("err = %v, want ErrHandlerTransport", err)
	}
	if bank.StateOf("support") != breaker.Open {
		t.Fatal("failure was not reported to the breaker")
	}
}

func TestWholeCallDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		fmt.Fprintln(w, `{"event":"chunk","delta":"a"}`)
		f.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	bank := breaker.NewBank()
	g := New(bank, time.Minute)

	stream, err := g.Invoke(context.Background(), testBinding(srv.URL, 1), testClaims(), Envelope{Event: EnvelopeTurn})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer stream.Close()

	if ev, err := stream.Next(); err != nil || ev.Delta != "a" {
		t.Fatalf("first chunk: %v %v", ev, err)
	}
	_, err = stream.Next()
	if !errors.Is(err, ErrHandlerTimeout) {
		t.Fatalf("err = %v, want ErrHandlerTimeout", err)
	}
}

func TestCircuitOpenSkipsNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	bank := breaker.NewBank()
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		bank.ReportFailure("support")
	}
	g := New(bank, time.Minute)

	_, err := g.Invoke(context.Background(), testBinding(srv.URL, 5), testClaims(), Envelope{Event: EnvelopeTurn})
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("handler reached %d times while open", hits)
	}
}

func TestTruncatedStreamIsTransportError(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(`{"event":"chunk","delta":"a"}`))
	defer srv.Close()

	bank := breaker.NewBank(breaker.WithThreshold(1))
	g := New(bank, time.Minute)

	stream, err := g.Invoke(context.Background(), testBinding(srv.URL, 5), testClaims(), Envelope{Event: EnvelopeTurn})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	_, err = stream.Next()
	if !errors.Is(err, ErrHandlerTransport) {
		t.Fatalf("err = %v, want ErrHandlerTransport for truncated stream", err)
	}
	if bank.StateOf("support") != breaker.Open {
		t.Fatal("truncation was not reported as a failure")
	}
}

func TestLocalMisconfigurationNotReported(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	// no signing keys means every mint fails before the wire
	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: map[string]struct{}{},
		SigningKeys: map[string]struct{}{},
	})
	t.Cleanup(func() {
		config.SetRuntime(&config.RuntimeConfig{
			BackendKeys: map[string]struct{}{"backend-key": {}},
			SigningKeys: map[string]struct{}{"backend-key": {}},
		})
	})

	bank := breaker.NewBank(breaker.WithThreshold(1))
	g := New(bank, time.Minute)

	_, err := g.Invoke(context.Background(), testBinding(srv.URL, 5), testClaims(), Envelope{Event: EnvelopeTurn})
	if !errors.Is(err, ErrHandlerTransport) {
		t.Fatalf("err = %v, want ErrHandlerTransport", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("handler reached %d times", hits)
	}
	if bank.StateOf("support") != breaker.Closed {
		t.Fatal("a local config error must not count against the handler")
	}
}

func TestClientCancellationNotReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		fmt.Fprintln(w, `{"event":"chunk","delta":"a"}`)
		f.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	bank := breaker.NewBank(breaker.WithThreshold(1))
	g := New(bank, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := g.Invoke(ctx, testBinding(srv.URL, 30), testClaims(), Envelope{Event: EnvelopeTurn})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	cancel()
	if _, err := stream.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	stream.Close()

	if bank.StateOf("support") != breaker.Closed {
		t.Fatal("cancellation must not count against the breaker")
	}
}
