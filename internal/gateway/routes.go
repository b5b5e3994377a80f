package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nao1215/authgate/pkg/token"
)

// DefaultUpstreamTimeout はルートにタイムアウトが指定されていない場合の上限。
const DefaultUpstreamTimeout = 10 * time.Second

// Access はルートの認証要件。
type Access string

const (
	// AccessPublic は認証なしで転送する。
	AccessPublic Access = "public"
	// AccessOptional はトークンがあれば検証し、失敗しても転送する。
	AccessOptional Access = "optional"
	// AccessProtected は有効なトークンとセッションを必須とする。
	AccessProtected Access = "protected"
)

// Route は公開パスの接頭辞とバックエンドの対応。
type Route struct {
	// Name はログとトレースに使うルート名。
	Name string
	// Prefix は公開パスの接頭辞。"/" で始まり、末尾に "/" を付けない。
	Prefix string
	// Target はバックエンドのベースURL。
	Target string
	// Rewrite はバックエンドに渡すときにPrefixを置き換える接頭辞。空の場合はPrefixのまま。
	Rewrite string
	// Access は認証要件。
	Access Access
	// Roles は許可するロール。空の場合はロールを問わない。AccessProtectedでのみ指定できる。
	Roles []token.Role
	// StripAuth はAuthorizationヘッダーをバックエンドに渡さない。
	StripAuth bool
	// Timeout はバックエンドの応答を待つ上限。0の場合はDefaultUpstreamTimeout。
	Timeout time.Duration
}

// UpstreamPath はリクエストパスをバックエンドのパスに書き換える。
func (r Route) UpstreamPath(path string) string {
	if r.Rewrite == "" {
		return path
	}
	return r.Rewrite + strings.TrimPrefix(path, r.Prefix)
}

// Registry は検証済みのルート表。
type Registry struct {
	routes []Route
}

// NewRegistry はルート表を検証してRegistryを生成する。
func NewRegistry(routes []Route) (*Registry, error) {
	var errs []error
	seen := make(map[string]string, len(routes))
	for i, r := range routes {
		if err := validateRoute(r); err != nil {
			errs = append(errs, fmt.Errorf("ルート %q: %w", r.Name, err))
			continue
		}
		if other, ok := seen[r.Prefix]; ok {
			errs = append(errs, fmt.Errorf("ルート %q: 接頭辞 %s はルート %q と重複しています", r.Name, r.Prefix, other))
			continue
		}
		for _, prev := range routes[:i] {
			if prev.Prefix != r.Prefix && (nested(prev.Prefix, r.Prefix) || nested(r.Prefix, prev.Prefix)) {
				errs = append(errs, fmt.Errorf("ルート %q: 接頭辞 %s はルート %q の %s と入れ子になっています", r.Name, r.Prefix, prev.Name, prev.Prefix))
			}
		}
		seen[r.Prefix] = r.Name
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Prefix < sorted[j].Prefix })
	return &Registry{routes: sorted}, nil
}

func validateRoute(r Route) error {
	if r.Name == "" {
		return errors.New("名前が空です")
	}
	if !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" || strings.HasSuffix(r.Prefix, "/") {
		return fmt.Errorf("接頭辞 %q は \"/\" で始まり \"/\" で終わらない必要があります", r.Prefix)
	}
	if strings.ContainsAny(r.Prefix, ":*") {
		return fmt.Errorf("接頭辞 %q にパラメータは使えません", r.Prefix)
	}
	if r.Rewrite != "" && (!strings.HasPrefix(r.Rewrite, "/") || strings.HasSuffix(r.Rewrite, "/")) {
		return fmt.Errorf("書き換え先 %q は \"/\" で始まり \"/\" で終わらない必要があります", r.Rewrite)
	}
	u, err := url.Parse(r.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("転送先 %q は絶対URL（http/https）である必要があります", r.Target)
	}
	switch r.Access {
	case AccessPublic, AccessOptional:
		if len(r.Roles) > 0 {
			return errors.New("ロールは認証必須のルートにのみ指定できます")
		}
	case AccessProtected:
		for _, role := range r.Roles {
			if _, err := token.ParseRole(string(role)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("不明な認証要件 %q", r.Access)
	}
	if r.Timeout < 0 {
		return errors.New("タイムアウトは0以上である必要があります")
	}
	return nil
}

// nested はchildがparentの配下のパスかどうかを返す。
func nested(parent, child string) bool {
	return strings.HasPrefix(child, parent+"/")
}

// Routes は接頭辞順のルート一覧を返す。
func (r *Registry) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Match はリクエストパスに一致するルートを返す。
func (r *Registry) Match(path string) (Route, bool) {
	for _, route := range r.routes {
		if path == route.Prefix || nested(route.Prefix, path) {
			return route, true
		}
	}
	return Route{}, false
}

// BackendConfig はバックエンドサービスのURL設定。
type BackendConfig struct {
	IdentityURL string `env:"IDENTITY_URL" envDefault:"http://localhost:8081"`
	ProductsURL string `env:"PRODUCTS_URL" envDefault:"http://localhost:8082"`
	PostsURL    string `env:"POSTS_URL" envDefault:"http://localhost:8083"`
	MarketURL   string `env:"MARKET_URL" envDefault:"http://localhost:8084"`
	OrdersURL   string `env:"ORDERS_URL" envDefault:"http://localhost:8085"`
	PaymentsURL string `env:"PAYMENTS_URL" envDefault:"http://localhost:8086"`
	ChatURL     string `env:"CHAT_URL" envDefault:"http://localhost:8087"`
	AnalysisURL string `env:"ANALYSIS_URL" envDefault:"http://localhost:8088"`
	TokensURL   string `env:"TOKENS_URL" envDefault:"http://localhost:8089"`
	SupportURL  string `env:"SUPPORT_URL" envDefault:"http://localhost:8090"`
	AdminURL    string `env:"ADMIN_URL" envDefault:"http://localhost:8091"`

	// UpstreamTimeout は全ルート共通のタイムアウト。
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
}

// DefaultRoutes は既定のルート表を返す。
func DefaultRoutes(cfg BackendConfig) []Route {
	route := func(name, prefix, target string, access Access, roles ...token.Role) Route {
		return Route{
			Name:    name,
			Prefix:  prefix,
			Target:  target,
			Access:  access,
			Roles:   roles,
			Timeout: cfg.UpstreamTimeout,
		}
	}

	market := route("market", "/api/v1/market", cfg.MarketURL, AccessPublic)
	market.StripAuth = true

	return []Route{
		// ログアウトはAuthorizationヘッダーを必要とするため、認証なしでもヘッダーは渡す
		route("auth", "/api/v1/auth", cfg.IdentityURL, AccessPublic),
		route("account", "/api/v1/account", cfg.IdentityURL, AccessProtected),
		route("products", "/api/v1/products", cfg.ProductsURL, AccessOptional),
		route("posts", "/api/v1/posts", cfg.PostsURL, AccessOptional),
		market,
		route("orders", "/api/v1/orders", cfg.OrdersURL, AccessProtected),
		route("payments", "/api/v1/payments", cfg.PaymentsURL, AccessProtected),
		route("chat", "/api/v1/chat", cfg.ChatURL, AccessProtected),
		route("analysis", "/api/v1/analysis", cfg.AnalysisURL, AccessProtected),
		route("tokens", "/api/v1/tokens", cfg.TokensURL, AccessProtected),
		route("support", "/api/v1/support", cfg.SupportURL, AccessProtected, token.RoleSupport, token.RoleAdmin),
		route("admin", "/api/v1/admin", cfg.AdminURL, AccessProtected, token.RoleAdmin),
	}
}
