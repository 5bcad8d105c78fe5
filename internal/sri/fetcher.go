// Пакет sri — загрузка доказательств по недоверенному URI с проверкой
// целостности (Subresource Integrity).
//
// Содержимое не считается доверенным, пока не совпал SHA-256. Байты
// читаются порциями, лимит размера проверяется по фактически полученным
// данным, хэш обновляется инкрементально. При любой ошибке байты
// не возвращаются и никуда не записываются.
package sri

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vincent-petithory/dataurl"

	"github.com/bigkaa/goartstore/proof-module/internal/digest"
)

// Значения по умолчанию, если Policy их не задаёт.
const (
	DefaultMaxSizeBytes = 1 << 20
	DefaultTimeout      = 10 * time.Second

	chunkSize    = 32 * 1024
	maxRedirects = 5
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pm_sri_fetch_total",
			Help: "Количество загрузок доказательств по результату",
		},
		[]string{"result"},
	)
	fetchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_sri_fetch_bytes",
		Help:    "Размер успешно проверенных доказательств в байтах",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	})
	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_sri_fetch_duration_seconds",
		Help:    "Длительность загрузки доказательства в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)

// Policy — ограничения загрузки.
type Policy struct {
	// Production — в production допустим только https, allowlist обязателен
	Production bool
	// AllowedHosts — допустимые хосты (без порта, регистр не учитывается)
	AllowedHosts []string
	// MaxSizeBytes — лимит размера по умолчанию
	MaxSizeBytes int64
	// Timeout — лимит времени всей загрузки по умолчанию
	Timeout time.Duration
}

// Request — параметры одной загрузки. Нулевые лимиты берутся из Policy
// и не могут превышать её значения.
type Request struct {
	URI            string
	ExpectedDigest string
	MaxSizeBytes   int64
	Timeout        time.Duration
}

// Fetcher загружает и проверяет доказательства. Безопасен для конкурентного использования.
type Fetcher struct {
	policy Policy
	hosts  map[string]struct{}
	client *http.Client
	logger *slog.Logger
}

// NewFetcher создаёт загрузчик. client может быть nil; у переданного
// клиента CheckRedirect заменяется проверкой политики.
func NewFetcher(policy Policy, client *http.Client, logger *slog.Logger) *Fetcher {
	if policy.MaxSizeBytes <= 0 {
		policy.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}

	f := &Fetcher{
		policy: policy,
		hosts:  make(map[string]struct{}, len(policy.AllowedHosts)),
		logger: logger.With(slog.String("component", "sri_fetcher")),
	}
	for _, h := range policy.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			f.hosts[h] = struct{}{}
		}
	}

	var c http.Client
	if client != nil {
		c = *client
	}
	c.Timeout = 0 // лимит задаётся контекстом запроса
	c.CheckRedirect = f.checkRedirect
	f.client = &c
	return f
}

// hostPolicyActive — allowlist действует в production и всегда, когда задан.
func (f *Fetcher) hostPolicyActive() bool {
	return f.policy.Production || len(f.hosts) > 0
}

func (f *Fetcher) checkScheme(u *url.URL) error {
	switch u.Scheme {
	case "https":
		return nil
	case "data":
		if !f.policy.Production {
			return nil
		}
	}
	return newError(ReasonProtocolNotAllowed, "схема %q не разрешена", u.Scheme)
}

func (f *Fetcher) checkHost(u *url.URL) error {
	if !f.hostPolicyActive() {
		return nil
	}
	if _, ok := f.hosts[strings.ToLower(u.Hostname())]; !ok {
		return newError(ReasonHostNotAllowed, "хост %q отсутствует в allowlist", u.Hostname())
	}
	return nil
}

// checkRedirect повторяет проверку схемы и хоста для каждого перенаправления.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return newError(ReasonTransport, "слишком много перенаправлений")
	}
	if req.URL.Scheme != "https" {
		return newError(ReasonProtocolNotAllowed, "перенаправление на схему %q", req.URL.Scheme)
	}
	return f.checkHost(req.URL)
}

func (f *Fetcher) limits(req Request) (int64, time.Duration) {
	maxSize := f.policy.MaxSizeBytes
	if req.MaxSizeBytes > 0 && req.MaxSizeBytes < maxSize {
		maxSize = req.MaxSizeBytes
	}
	timeout := f.policy.Timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	return maxSize, timeout
}

// Fetch загружает содержимое по req.URI и возвращает его только при
// совпадении SHA-256 с req.ExpectedDigest. Ошибки — *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	data, err := f.fetch(ctx, req)
	fetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{Reason: ReasonTransport, Err: err}
			err = fe
		}
		fetchTotal.WithLabelValues(string(fe.Reason)).Inc()
		f.logger.Warn("Загрузка доказательства отклонена",
			slog.String("reason", string(fe.Reason)),
			slog.String("error", fe.Error()),
		)
		return nil, err
	}

	fetchTotal.WithLabelValues("ok").Inc()
	fetchBytes.Observe(float64(len(data)))
	f.logger.Debug("Доказательство загружено и проверено",
		slog.Int("bytes", len(data)),
		slog.String("duration", time.Since(start).String()),
	)
	return data, nil
}

func (f *Fetcher) fetch(ctx context.Context, req Request) ([]byte, error) {
	raw := strings.TrimSpace(req.URI)
	if raw == "" {
		return nil, newError(ReasonInvalidURI, "пустой URI")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, newError(ReasonInvalidURI, "некорректный URI")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "data" && u.Host == "" {
		return nil, newError(ReasonInvalidURI, "в URI нет хоста")
	}

	// Порядок отказов: схема, хост, формат хэша.
	if err := f.checkScheme(u); err != nil {
		return nil, err
	}
	if u.Scheme != "data" {
		if err := f.checkHost(u); err != nil {
			return nil, err
		}
	}
	if _, err := digest.Decode(req.ExpectedDigest); err != nil {
		return nil, &FetchError{Reason: ReasonInvalidDigest, Err: err}
	}
	maxSize, timeout := f.limits(req)

	if u.Scheme == "data" {
		return verifyDataURI(raw, req.ExpectedDigest, maxSize)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, newError(ReasonInvalidURI, "построение запроса: %v", err)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	// Закрытие тела до EOF разрывает соединение и прерывает передачу.
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(ReasonHTTPStatus, "ответ %d", resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, newError(ReasonMissingBody, "ответ без тела")
	}
	if resp.ContentLength > maxSize {
		return nil, newError(ReasonSizeExceeded, "заявленный размер %d превышает лимит %d", resp.ContentLength, maxSize)
	}

	data, sum, err := readCapped(ctx, resp.Body, maxSize)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newError(ReasonMissingBody, "пустое тело ответа")
	}
	return verifySum(data, sum, req.ExpectedDigest)
}

// readCapped читает тело порциями; лимит проверяется после каждой порции
// по фактически полученным байтам, заголовкам сервер не доверяем.
// Возвращает содержимое и его SHA-256, посчитанный по ходу чтения.
func readCapped(ctx context.Context, body io.Reader, maxSize int64) ([]byte, []byte, error) {
	buf := make([]byte, 0, min(maxSize, chunkSize))
	chunk := make([]byte, chunkSize)
	hasher := sha256.New()
	var total int64

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > maxSize {
				clear(buf)
				return nil, nil, newError(ReasonSizeExceeded, "получено больше %d байт", maxSize)
			}
			hasher.Write(chunk[:n])
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return buf, hasher.Sum(nil), nil
		}
		if err != nil {
			clear(buf)
			return nil, nil, classifyTransportError(ctx, err)
		}
	}
}

// verifySum сравнивает посчитанный хэш с ожидаемым. При несовпадении
// буфер обнуляется и не возвращается.
func verifySum(data, sum []byte, expected string) ([]byte, error) {
	if !digest.EqualBytes(sum, expected) {
		clear(data)
		return nil, newError(ReasonDigestMismatch, "SHA-256 содержимого не совпадает с ожидаемым")
	}
	return data, nil
}

// verifyDataURI проверяет встроенное в data: URI содержимое без сетевых запросов.
func verifyDataURI(raw, expected string, maxSize int64) ([]byte, error) {
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, newError(ReasonInvalidURI, "некорректный data URI: %v", err)
	}
	if int64(len(du.Data)) > maxSize {
		return nil, newError(ReasonSizeExceeded, "встроенные данные %d байт превышают лимит %d", len(du.Data), maxSize)
	}
	if len(du.Data) == 0 {
		return nil, newError(ReasonMissingBody, "data URI без содержимого")
	}
	sum := sha256.Sum256(du.Data)
	return verifySum(du.Data, sum[:], expected)
}

func classifyTransportError(ctx context.Context, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Reason: ReasonTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Reason: ReasonTimeout, Err: err}
	}
	return &FetchError{Reason: ReasonTransport, Err: err}
}
