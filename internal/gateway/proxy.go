package gateway

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nao1215/authgate/pkg/apperr"
	"github.com/nao1215/authgate/pkg/middleware"
)

const tracerName = "github.com/nao1215/authgate/internal/gateway"

// hopHeaders は転送してはならないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstream はルートごとのバックエンド接続。
// 接続プールとタイムアウトをルート間で共有しないため、
// 1つのバックエンドの障害が他のルートに波及しない。
type upstream struct {
	route  Route
	target *url.URL
	client *http.Client
}

// newUpstream はルートに専用のHTTPクライアントを割り当てる。
func newUpstream(route Route) (*upstream, error) {
	target, err := url.Parse(route.Target)
	if err != nil {
		return nil, fmt.Errorf("転送先URLの解析に失敗: %w", err)
	}
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &upstream{
		route:  route,
		target: target,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// url はリクエストパスに対応するバックエンドのURLを組み立てる。
func (u *upstream) url(r *http.Request) string {
	out := *u.target
	out.Path = strings.TrimSuffix(u.target.Path, "/") + u.route.UpstreamPath(r.URL.Path)
	out.RawPath = ""
	out.RawQuery = r.URL.RawQuery
	return out.String()
}

// handleProxy はリクエストをルートのバックエンドに転送するハンドラを返す。
// バックエンドに到達できない場合やタイムアウトした場合は503を返し、再試行はしない。
func (s *Server) handleProxy(u *upstream) gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)

	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "proxy "+u.route.Name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("gateway.route", u.route.Name),
				attribute.String("http.request.method", c.Request.Method),
			),
		)
		defer span.End()

		target := u.url(c.Request)
		req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, c.Request.Body)
		if err != nil {
			span.RecordError(err)
			apperr.Respond(c, s.logger, fmt.Errorf("プロキシリクエストの作成に失敗: %w", err))
			return
		}
		req.ContentLength = c.Request.ContentLength
		req.Header = outboundHeader(c, u.route)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := u.client.Do(req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream unavailable")
			s.logger.Warn("バックエンドとの通信に失敗",
				zap.String("route", u.route.Name),
				zap.String("target", u.target.Host),
				zap.String("request_id", req.Header.Get(middleware.HeaderRequestID)),
				zap.Error(err),
			)
			apperr.Respond(c, s.logger, apperr.Wrap(apperr.KindServiceUnavailable,
				"サービス "+u.route.Name+" は一時的に利用できません", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Status)
		}

		header := c.Writer.Header()
		for k, vv := range resp.Header {
			for _, v := range vv {
				header.Add(k, v)
			}
		}
		removeHopHeaders(header)
		// バックエンドが返したIDでなくGatewayのIDに揃える
		header.Set(middleware.HeaderRequestID, req.Header.Get(middleware.HeaderRequestID))

		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			// ステータスは送信済みのため、記録のみ行う
			s.logger.Warn("レスポンスの転送に失敗",
				zap.String("route", u.route.Name),
				zap.Error(err),
			)
		}
	}
}

// outboundHeader はバックエンドに送るヘッダーを作る。
// 主体ヘッダーは検証済みの値だけを設定する。
func outboundHeader(c *gin.Context, route Route) http.Header {
	h := c.Request.Header.Clone()
	removeHopHeaders(h)
	middleware.StripIdentityHeaders(h)
	if route.StripAuth {
		h.Del("Authorization")
	}
	if id, ok := middleware.GetIdentity(c); ok {
		middleware.SetIdentityHeaders(h, id)
	}

	if ip, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", c.Request.Host)

	if h.Get(middleware.HeaderRequestID) == "" {
		h.Set(middleware.HeaderRequestID, c.Writer.Header().Get(middleware.HeaderRequestID))
	}
	return h
}

// removeHopHeaders はホップバイホップヘッダーとConnectionで指定されたヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
