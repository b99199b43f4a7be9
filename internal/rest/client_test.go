package rest

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
)

func newTestClient(t *testing.T, srv *httptest.Server, creds Credentials) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:     srv.URL,
		Credentials: creds,
		Timeout:     500 * time.Millisecond,
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	return c
}

// splitSignature returns the signed payload and the signature value.
func splitSignature(t *testing.T, rawQuery string) (string, string) {
	t.Helper()
	idx := strings.LastIndex(rawQuery, "&signature=")
	require.GreaterOrEqual(t, idx, 0, "signature missing from %q", rawQuery)
	sig, err := url.QueryUnescape(rawQuery[idx+len("&signature="):])
	require.NoError(t, err)
	return rawQuery[:idx], sig
}

func TestSignedCallHMAC(t *testing.T) {
	const secret = "s3cr3t"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(apiKeyHeader))
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Equal(t, "5000", q.Get("recvWindow"))

		payload, sig := splitSignature(t, r.URL.RawQuery)
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(payload))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Credentials{APIKey: "key", Secret: secret})
	resp, err := c.Call(context.Background(), http.MethodGet, "/api/v3/openOrders", url.Values{"symbol": {"BTCUSDT"}}, Signed)
	require.NoError(t, err)

	var out struct{ OK bool }
	require.NoError(t, resp.Decode(&out))
	assert.True(t, out.OK)
}

func TestSignedCallEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, sig := splitSignature(t, r.URL.RawQuery)
		raw, err := base64.StdEncoding.DecodeString(sig)
		assert.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, []byte(payload), raw))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Credentials{APIKey: "key", PrivateKeyPEM: keyPEM})
	_, err = c.Call(context.Background(), http.MethodPost, "/api/v3/order", url.Values{"side": {"BUY"}}, Signed)
	require.NoError(t, err)
}

func TestNewRejectsBadPEM(t *testing.T) {
	_, err := New(Options{BaseURL: "http://localhost", Credentials: Credentials{PrivateKeyPEM: "garbage"}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Config))
}

func TestSignedCallWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Credentials{APIKey: "key"})
	_, err := c.Call(context.Background(), http.MethodGet, "/api/v3/account", nil, Signed)
	require.Error(t, err)
	assert.Equal(t, AuthRejected, KindOf(err))
}

func TestPublicCallOmitsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(apiKeyHeader))
		assert.NotContains(t, r.URL.RawQuery, "signature")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Credentials{APIKey: "key", Secret: "x"})
	_, err := c.Call(context.Background(), http.MethodGet, "/api/v3/time", nil, Public)
	require.NoError(t, err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		kind       ErrorKind
		faultKind  fault.Kind
		retryAfter time.Duration
		duplicate  bool
		unknown    bool
	}{
		{name: "unauthorized", status: 401, body: `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, kind: AuthRejected, faultKind: fault.Auth},
		{name: "bad signature", status: 400, body: `{"code":-1022,"msg":"Signature for this request is not valid."}`, kind: AuthRejected, faultKind: fault.Auth},
		{name: "too many requests", status: 429, header: map[string]string{"Retry-After": "3"}, body: `{"code":-1003,"msg":"Too many requests."}`, kind: RateLimited, faultKind: fault.RateLimited, retryAfter: 3 * time.Second},
		{name: "server error", status: 503, body: `oops`, kind: ServerError, faultKind: fault.Transport},
		{name: "duplicate order", status: 400, body: `{"code":-2010,"msg":"Duplicate order sent."}`, kind: Rejected, faultKind: fault.Unknown, duplicate: true},
		{name: "insufficient balance", status: 400, body: `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, kind: Rejected, faultKind: fault.Unknown},
		{name: "unknown order", status: 400, body: `{"code":-2011,"msg":"Unknown order sent."}`, kind: Rejected, faultKind: fault.Unknown, unknown: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, Credentials{APIKey: "key", Secret: "x"})
			_, err := c.Call(context.Background(), http.MethodPost, "/api/v3/order", nil, Signed)
			require.Error(t, err)

			var restErr *Error
			require.ErrorAs(t, err, &restErr)
			assert.Equal(t, tt.kind, restErr.Kind)
			assert.Equal(t, tt.status, restErr.Status)
			assert.Equal(t, tt.faultKind, fault.KindOf(err))
			assert.Equal(t, tt.retryAfter, restErr.RetryAfter)
			assert.Equal(t, tt.duplicate, IsDuplicateOrder(err))
			assert.Equal(t, tt.unknown, IsUnknownOrder(err))
		})
	}
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, HTTPClient: srv.Client()})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Call(context.Background(), http.MethodGet, "/api/v3/ping", nil, Public)
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
	assert.True(t, fault.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallParentCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Credentials{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, http.MethodGet, "/api/v3/ping", nil, Public)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUsedWeightReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "17")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c, err := New(Options{BaseURL: srv.URL, HTTPClient: srv.Client(), Metrics: m})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), http.MethodGet, "/api/v3/ping", nil, Public)
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "trader_rest_used_weight" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			found = true
			assert.Equal(t, 17.0, metric.GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestDetectLimit(t *testing.T) {
	rl, ban := detectLimit("Way too many requests; IP banned until 1700000000000.")
	assert.True(t, rl)
	assert.True(t, ban)

	rl, ban = detectLimit("Filter failure: PRICE_FILTER")
	assert.False(t, rl)
	assert.False(t, ban)
}
