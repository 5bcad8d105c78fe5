package sri

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/proof-module/internal/digest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "ожидалась *FetchError, получено %v", err)
	assert.Equal(t, want, fe.Reason, fe.Error())
}

// newProdFetcher — production-политика с allowlist на адрес тестового сервера.
func newProdFetcher(srv *httptest.Server, maxSize int64) *Fetcher {
	return NewFetcher(Policy{
		Production:   true,
		AllowedHosts: []string{"127.0.0.1"},
		MaxSizeBytes: maxSize,
		Timeout:      2 * time.Second,
	}, srv.Client(), testLogger())
}

func TestFetch_ExactBytesOnDigestMatch(t *testing.T) {
	payload := []byte("0123456789")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newProdFetcher(srv, 1024)
	sum := sha256.Sum256(payload)

	for name, expected := range map[string]string{
		"hex":       digest.SHA256Hex(payload),
		"hex upper": upperHex(digest.SHA256Hex(payload)),
		"sri":       "sha256-" + base64.StdEncoding.EncodeToString(sum[:]),
		"base64url": base64.RawURLEncoding.EncodeToString(sum[:]),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := f.Fetch(context.Background(), Request{URI: srv.URL + "/proof", ExpectedDigest: expected})
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func upperHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestFetch_FlippedBitIsDigestMismatch(t *testing.T) {
	payload := []byte("0123456789")
	tampered := append([]byte(nil), payload...)
	tampered[4] ^= 0x01

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(tampered)
	}))
	defer srv.Close()

	got, err := newProdFetcher(srv, 1024).Fetch(context.Background(), Request{
		URI:            srv.URL,
		ExpectedDigest: digest.SHA256Hex(payload),
	})
	requireReason(t, err, ReasonDigestMismatch)
	assert.Nil(t, got)
}

func TestFetch_SizeCapOnReceivedBytes(t *testing.T) {
	const maxSize = 64 * 1024
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Без Content-Length: размер заранее неизвестен, ответ идёт порциями.
		flusher := w.(http.Flusher)
		chunk := make([]byte, 1024)
		for sent := 0; sent < maxSize+1; sent += len(chunk) {
			if rest := maxSize + 1 - sent; rest < len(chunk) {
				chunk = chunk[:rest]
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	defer srv.Close()

	got, err := newProdFetcher(srv, maxSize).Fetch(context.Background(), Request{
		URI:            srv.URL,
		ExpectedDigest: digest.SHA256Hex(make([]byte, maxSize+1)),
	})
	requireReason(t, err, ReasonSizeExceeded)
	assert.Nil(t, got)
}

func TestFetch_DeclaredLengthAboveCapRejectedEarly(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(2048))
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := newProdFetcher(srv, 1024).Fetch(context.Background(), Request{
		URI:            srv.URL,
		ExpectedDigest: digest.SHA256Hex(make([]byte, 2048)),
	})
	requireReason(t, err, ReasonSizeExceeded)
}

func TestFetch_RequestCannotRaisePolicyCap(t *testing.T) {
	payload := make([]byte, 2048)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	_, err := newProdFetcher(srv, 1024).Fetch(context.Background(), Request{
		URI:            srv.URL,
		ExpectedDigest: digest.SHA256Hex(payload),
		MaxSizeBytes:   1 << 20,
	})
	requireReason(t, err, ReasonSizeExceeded)
}

func TestFetch_HTTPStatusAndEmptyBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f := newProdFetcher(srv, 1024)
	want := digest.SHA256Hex([]byte("x"))

	_, err := f.Fetch(context.Background(), Request{URI: srv.URL + "/missing", ExpectedDigest: want})
	requireReason(t, err, ReasonHTTPStatus)

	_, err = f.Fetch(context.Background(), Request{URI: srv.URL + "/empty", ExpectedDigest: want})
	requireReason(t, err, ReasonMissingBody)
}

func TestFetch_PolicyRejectionsBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()
	want := digest.SHA256Hex([]byte("x"))

	notAllowed := NewFetcher(Policy{Production: true, AllowedHosts: []string{"proofs.example.com"}}, srv.Client(), testLogger())
	_, err := notAllowed.Fetch(context.Background(), Request{URI: srv.URL, ExpectedDigest: want})
	requireReason(t, err, ReasonHostNotAllowed)

	emptyAllowlist := NewFetcher(Policy{Production: true}, srv.Client(), testLogger())
	_, err = emptyAllowlist.Fetch(context.Background(), Request{URI: srv.URL, ExpectedDigest: want})
	requireReason(t, err, ReasonHostNotAllowed)

	_, err = newProdFetcher(srv, 1024).Fetch(context.Background(), Request{URI: "http://127.0.0.1/proof", ExpectedDigest: want})
	requireReason(t, err, ReasonProtocolNotAllowed)

	_, err = newProdFetcher(srv, 1024).Fetch(context.Background(), Request{URI: "ftp://127.0.0.1/proof", ExpectedDigest: want})
	requireReason(t, err, ReasonProtocolNotAllowed)

	_, err = newProdFetcher(srv, 1024).Fetch(context.Background(), Request{URI: "::not a uri", ExpectedDigest: want})
	requireReason(t, err, ReasonInvalidURI)

	_, err = newProdFetcher(srv, 1024).Fetch(context.Background(), Request{URI: srv.URL, ExpectedDigest: "not-a-digest"})
	requireReason(t, err, ReasonInvalidDigest)

	assert.Equal(t, int32(0), hits.Load(), "ни одного сетевого запроса")
}

func TestFetch_PolicyReasonTakesPrecedenceOverDigestFormat(t *testing.T) {
	f := NewFetcher(Policy{Production: true, AllowedHosts: []string{"proofs.example.com"}}, nil, testLogger())
	ctx := context.Background()
	inline := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("x"))

	tests := []struct {
		name string
		uri  string
		want Reason
	}{
		{"ftp", "ftp://proofs.example.com/proof", ReasonProtocolNotAllowed},
		{"http", "http://proofs.example.com/proof", ReasonProtocolNotAllowed},
		{"data в production", inline, ReasonProtocolNotAllowed},
		{"хост вне allowlist", "https://evil.example.com/proof", ReasonHostNotAllowed},
		{"разрешённый хост", "https://proofs.example.com/proof", ReasonInvalidDigest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(ctx, Request{URI: tt.uri, ExpectedDigest: "zz"})
			requireReason(t, err, tt.want)
		})
	}

	dev := NewFetcher(Policy{}, nil, testLogger())
	_, err := dev.Fetch(ctx, Request{URI: inline, ExpectedDigest: "zz"})
	requireReason(t, err, ReasonInvalidDigest)
}

func TestFetch_DevelopmentAllowsAnyHost(t *testing.T) {
	payload := []byte("dev proof")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := NewFetcher(Policy{}, srv.Client(), testLogger())
	got, err := f.Fetch(context.Background(), Request{URI: srv.URL, ExpectedDigest: digest.SHA256Hex(payload)})
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = f.Fetch(context.Background(), Request{URI: "http://127.0.0.1/proof", ExpectedDigest: digest.SHA256Hex(payload)})
	requireReason(t, err, ReasonProtocolNotAllowed)
}

func TestFetch_DataURI(t *testing.T) {
	payload := []byte("inline proof")
	uri := "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(payload)
	want := digest.SHA256Hex(payload)

	dev := NewFetcher(Policy{}, nil, testLogger())
	got, err := dev.Fetch(context.Background(), Request{URI: uri, ExpectedDigest: want})
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = dev.Fetch(context.Background(), Request{URI: uri, ExpectedDigest: digest.SHA256Hex([]byte("other"))})
	requireReason(t, err, ReasonDigestMismatch)

	_, err = dev.Fetch(context.Background(), Request{URI: uri, ExpectedDigest: want, MaxSizeBytes: 4})
	requireReason(t, err, ReasonSizeExceeded)

	prod := NewFetcher(Policy{Production: true, AllowedHosts: []string{"127.0.0.1"}}, nil, testLogger())
	_, err = prod.Fetch(context.Background(), Request{URI: uri, ExpectedDigest: want})
	requireReason(t, err, ReasonProtocolNotAllowed)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newProdFetcher(srv, 1024).Fetch(context.Background(), Request{
		URI:            srv.URL,
		ExpectedDigest: digest.SHA256Hex([]byte("x")),
		Timeout:        100 * time.Millisecond,
	})
	requireReason(t, err, ReasonTimeout)
	assert.Less(t, time.Since(start), 3*time.Second, "передача прервана по истечении лимита")
}

func TestFetch_RedirectRechecksPolicy(t *testing.T) {
	payload := []byte("redirected")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/evil":
			http.Redirect(w, r, "https://evil.example.com/proof", http.StatusFound)
		case "/plain":
			http.Redirect(w, r, "http://127.0.0.1/proof", http.StatusFound)
		case "/ok":
			http.Redirect(w, r, "/final", http.StatusFound)
		default:
			_, _ = w.Write(payload)
		}
	}))
	defer srv.Close()
	f := newProdFetcher(srv, 1024)
	want := digest.SHA256Hex(payload)

	_, err := f.Fetch(context.Background(), Request{URI: srv.URL + "/evil", ExpectedDigest: want})
	requireReason(t, err, ReasonHostNotAllowed)

	_, err = f.Fetch(context.Background(), Request{URI: srv.URL + "/plain", ExpectedDigest: want})
	requireReason(t, err, ReasonProtocolNotAllowed)

	got, err := f.Fetch(context.Background(), Request{URI: srv.URL + "/ok", ExpectedDigest: want})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchError_Policy(t *testing.T) {
	assert.True(t, (&FetchError{Reason: ReasonHostNotAllowed}).Policy())
	assert.True(t, (&FetchError{Reason: ReasonTimeout}).Policy())
	assert.False(t, (&FetchError{Reason: ReasonDigestMismatch}).Policy())
	assert.Contains(t, newError(ReasonHTTPStatus, "ответ %d", 500).Error(), "http_status")
}
