// Package config はAPIサーバーとクライアントデーモンの設定を読み込む。
//
// APIサーバーは環境変数のみ、クライアントデーモンは既定値、TOMLファイル、
// 環境変数、コマンドライン引数の順に上書きして設定を決める。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nao1215/haisou/pkg/session"
	"github.com/spf13/pflag"
)

// API はバックエンドAPIサーバーの設定。
type API struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string
	// DBPath は通知ストアのSQLiteファイルのパス。
	DBPath string
	// FrontendURLs はCORSとWebSocketで許可するOrigin。管理画面と顧客画面の両方を含める。
	FrontendURLs []string
	// TokenTTL は発行するトークンの有効期間。
	TokenTTL time.Duration
	// TokenRotateWindow は認証確認時にトークンを再発行する残り有効期間の閾値。
	TokenRotateWindow time.Duration
}

// LoadAPI は環境変数からAPIサーバーの設定を読み込む。
func LoadAPI() (API, error) {
	ttl, err := getDurationOr("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return API{}, err
	}
	window, err := getDurationOr("TOKEN_ROTATE_WINDOW", time.Hour)
	if err != nil {
		return API{}, err
	}
	if window >= ttl {
		return API{}, fmt.Errorf("TOKEN_ROTATE_WINDOWはTOKEN_TTLより短くしてください: %s >= %s", window, ttl)
	}

	return API{
		Port:              getEnvOr("PORT", "8080"),
		JWTSecret:         getEnvOr("JWT_SECRET", "dev-secret-key"),
		DBPath:            getEnvOr("DB_PATH", "/data/haisou.db"),
		FrontendURLs:      getListOr("FRONTEND_URL", []string{"http://localhost:3000"}),
		TokenTTL:          ttl,
		TokenRotateWindow: window,
	}, nil
}

// Client はクライアントデーモンの設定。
type Client struct {
	// APIURL はバックエンドAPIのベースURL。
	APIURL string `toml:"api_url"`
	// Role はクライアントのロール（admin / customer）。
	Role session.Role `toml:"role"`
	// Store はトークンと設定を保存するストアのDSN（memory:// / sqlite://path / redis://...）。
	Store string `toml:"store"`
	// Port はクライアント画面のリッスンポート。
	Port string `toml:"port"`
	// PushSchedule はプッシュ配信を取得するcronスケジュール。
	PushSchedule string `toml:"push_schedule"`
	// CanOpenWindow は通知クリック時に新しいウィンドウを開けるかどうか。
	CanOpenWindow bool `toml:"can_open_window"`
}

// DefaultClient はクライアントデーモンの既定の設定を返す。
func DefaultClient() Client {
	return Client{
		APIURL:        "http://localhost:8080",
		Role:          session.RoleCustomer,
		Store:         "sqlite://haisou-client.db",
		Port:          "3000",
		PushSchedule:  "@every 15s",
		CanOpenWindow: true,
	}
}

// LoadClient はクライアントデーモンの設定を読み込む。
// argsはプログラム名を除いたコマンドライン引数。--helpが指定された場合はpflag.ErrHelpを返す。
func LoadClient(args []string) (Client, error) {
	cfg := DefaultClient()

	flagSet := pflag.NewFlagSet("haisou-client", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", os.Getenv("HAISOU_CONFIG"), "TOMLの設定ファイル")
	apiURL := flagSet.String("api-url", "", "バックエンドAPIのベースURL")
	role := flagSet.String("role", "", "クライアントのロール（admin / customer）")
	store := flagSet.String("store", "", "ストアのDSN（memory:// / sqlite://path / redis://...）")
	port := flagSet.StringP("port", "p", "", "クライアント画面のリッスンポート")
	schedule := flagSet.String("push-schedule", "", "プッシュ配信を取得するcronスケジュール")
	noOpen := flagSet.Bool("no-open-window", false, "通知クリック時に新しいウィンドウを開かない")

	if err := flagSet.Parse(args); err != nil {
		return Client{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Client{}, fmt.Errorf("不明な引数です: %s", rest[0])
	}

	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return Client{}, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", *configPath, err)
		}
	}

	cfg.APIURL = getEnvOr("HAISOU_API_URL", cfg.APIURL)
	cfg.Role = session.Role(getEnvOr("HAISOU_ROLE", string(cfg.Role)))
	cfg.Port = getEnvOr("PORT", cfg.Port)
	cfg.PushSchedule = getEnvOr("PUSH_INTERVAL", cfg.PushSchedule)
	cfg.Store = getEnvOr("HAISOU_STORE", cfg.Store)
	if os.Getenv("HAISOU_STORE") == "" {
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			cfg.Store = redisURL
		}
	}

	overrideIfSet(&cfg.APIURL, *apiURL)
	overrideIfSet(&cfg.Store, *store)
	overrideIfSet(&cfg.Port, *port)
	overrideIfSet(&cfg.PushSchedule, *schedule)
	if *role != "" {
		cfg.Role = session.Role(*role)
	}
	if *noOpen {
		cfg.CanOpenWindow = false
	}

	if err := cfg.validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// validate は設定値を検証する。
func (c Client) validate() error {
	var errs []error
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("不明なロールです: %q", c.Role))
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		errs = append(errs, fmt.Errorf("APIのURLはhttpまたはhttpsで指定してください: %q", c.APIURL))
	}
	if c.Store == "" {
		errs = append(errs, errors.New("ストアのDSNが空です"))
	}
	if c.PushSchedule == "" {
		errs = append(errs, errors.New("プッシュ取得のスケジュールが空です"))
	}
	return errors.Join(errs...)
}

// overrideIfSet はvが空でなければdstを上書きする。
func overrideIfSet(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getListOr は環境変数をカンマ区切りのリストとして解釈する。
// 設定されていない、または有効な要素が無い場合はデフォルト値を返す。
func getListOr(key string, defaultValue []string) []string {
	var list []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}

// getDurationOr は環境変数を時間として解釈する。設定されていない場合はデフォルト値を返す。
func getDurationOr(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%sの解析に失敗: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%sは正の値を指定してください: %s", key, v)
	}
	return d, nil
}
