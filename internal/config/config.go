package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AlipayConfig holds the gateway credentials and callback endpoints.
// Keys are base64 DER as issued by the gateway console, no PEM armor.
type AlipayConfig struct {
	AppID            string
	SellerID         string
	GatewayURL       string
	NotifyURL        string
	ReturnURL        string
	PrivateKey       string
	GatewayPublicKey string
}

type Config struct {
	Port         string
	DatabasePath string
	JWTSecret    string
	APIKey       string
	APISecret    string

	// DedupWindow is how long an unpaid order blocks a fresh reservation
	// for the same buyer/good pair.
	DedupWindow time.Duration

	// SweepInterval and SweepMaxAge drive the stale-order sweeper.
	SweepInterval time.Duration
	SweepMaxAge   time.Duration

	Alipay AlipayConfig
}

// Load reads configuration from the environment, with a .env overlay for
// local development. Missing keys fall back to development defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:         getenv("PORT", "8080"),
		DatabasePath: getenv("DATABASE_PATH", "vipshop.db"),
		JWTSecret:    getenv("JWT_SECRET", "vipshop-secret-key"),
		APIKey:       getenv("API_KEY", "test-api-key"),
		APISecret:    getenv("API_SECRET", "test-api-secret"),

		DedupWindow:   time.Duration(getenvInt("DEDUP_WINDOW_MINUTES", 15)) * time.Minute,
		SweepInterval: time.Duration(getenvInt("SWEEP_INTERVAL_MINUTES", 30)) * time.Minute,
		SweepMaxAge:   time.Duration(getenvInt("SWEEP_MAX_AGE_HOURS", 24)) * time.Hour,

		Alipay: AlipayConfig{
			AppID:            getenv("ALIPAY_APP_ID", ""),
			SellerID:         getenv("ALIPAY_SELLER_ID", ""),
			GatewayURL:       getenv("ALIPAY_GATEWAY_URL", "https://openapi-sandbox.dl.alipaydev.com/gateway.do"),
			NotifyURL:        getenv("ALIPAY_NOTIFY_URL", "http://localhost:8080/notify"),
			ReturnURL:        getenv("ALIPAY_RETURN_URL", "http://localhost:8080/return"),
			PrivateKey:       getenv("ALIPAY_PRIVATE_KEY", ""),
			GatewayPublicKey: getenv("ALIPAY_PUBLIC_KEY", ""),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
