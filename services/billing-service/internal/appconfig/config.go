// Package appconfig assembles the billing service configuration from the environment.
package appconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/carebill/libs/config"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/crm"
	"github.com/shopspring/decimal"
)

const (
	ProviderHTTP   = "http"
	ProviderStripe = "stripe"
)

type Config struct {
	DatabaseURL string `validate:"required"`
	Port        string `validate:"required"`
	GRPCPort    string `validate:"required"`

	GatewayProvider     string `validate:"oneof=http stripe"`
	GatewayBaseURL      string `validate:"required_if=GatewayProvider http"`
	GatewayAPIKey       string `validate:"required_if=GatewayProvider http"`
	StripeSecretKey     string `validate:"required_if=GatewayProvider stripe"`
	StripeWebhookSecret string
	GatewayWebhookToken string
	GatewayTimeout      time.Duration `validate:"gt=0"`
	MinimumCharge       decimal.Decimal
	Currency            string `validate:"len=3"`

	CRMWebhookURL          string        `validate:"required,url"`
	CRMTimeout             time.Duration `validate:"gt=0"`
	CRMRateLimit           int           `validate:"gte=1"`
	CRMMaxAttempts         int           `validate:"gte=1"`
	CRMDealStage           string
	CRMPlanProducts        string
	CRMPlaceholderProducts string

	RedisURL       string `validate:"omitempty,url"`
	KafkaBrokers   string
	PushgatewayURL string `validate:"omitempty,url"`

	Timezone string `validate:"required"`
	Location *time.Location

	ReconcileEnabled  bool
	ReconcileInterval time.Duration `validate:"gt=0"`
	BatchSize         int           `validate:"gte=1,lte=1000"`
	StatusGrace       time.Duration `validate:"gte=2m"`
	PixExpiry         time.Duration `validate:"gt=0"`
	Window            time.Duration `validate:"gt=0"`
	LostWebhookHours  int           `validate:"gte=1"`
	ClaimLease        time.Duration `validate:"gte=10s"`
}

// Load reads the environment. Only DATABASE_URL and CRM_WEBHOOK_URL have no default; the
// gateway credentials required depend on GATEWAY_PROVIDER.
func Load() (Config, error) {
	var errs []error
	port, err := config.Port("PORT", "8084")
	errs = append(errs, err)
	grpcPort, err := config.Port("GRPC_PORT", "9094")
	errs = append(errs, err)

	minCharge, err := decimal.NewFromString(config.String("GATEWAY_MIN_CHARGE", "5.00"))
	if err != nil || minCharge.IsNegative() {
		errs = append(errs, fmt.Errorf("GATEWAY_MIN_CHARGE must be a non-negative amount"))
	}

	cfg := Config{
		DatabaseURL: config.String("DATABASE_URL", ""),
		Port:        port,
		GRPCPort:    grpcPort,

		GatewayProvider:     strings.ToLower(config.String("GATEWAY_PROVIDER", ProviderHTTP)),
		GatewayBaseURL:      config.String("GATEWAY_BASE_URL", ""),
		GatewayAPIKey:       config.String("GATEWAY_API_KEY", ""),
		StripeSecretKey:     config.String("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: config.String("STRIPE_WEBHOOK_SECRET", ""),
		GatewayWebhookToken: config.String("GATEWAY_WEBHOOK_TOKEN", ""),
		GatewayTimeout:      config.Duration("GATEWAY_TIMEOUT", 15*time.Second),
		MinimumCharge:       minCharge,
		Currency:            strings.ToUpper(config.String("BILLING_CURRENCY", "BRL")),

		CRMWebhookURL:          config.String("CRM_WEBHOOK_URL", ""),
		CRMTimeout:             config.Duration("CRM_TIMEOUT", 20*time.Second),
		CRMRateLimit:           config.Int("CRM_RATE_LIMIT", 2),
		CRMMaxAttempts:         config.Int("CRM_MAX_ATTEMPTS", 10),
		CRMDealStage:           config.String("CRM_DEAL_STAGE", "WON"),
		CRMPlanProducts:        config.String("CRM_PLAN_PRODUCTS", ""),
		CRMPlaceholderProducts: config.String("CRM_PLACEHOLDER_PRODUCTS", ""),

		RedisURL:       config.String("REDIS_URL", ""),
		KafkaBrokers:   config.String("KAFKA_BROKERS", ""),
		PushgatewayURL: config.String("PROMETHEUS_PUSHGATEWAY_URL", ""),

		Timezone: config.String("BILLING_TIMEZONE", "America/Sao_Paulo"),

		ReconcileEnabled:  config.Bool("RECONCILE_ENABLED", false),
		ReconcileInterval: config.Duration("RECONCILE_INTERVAL", 5*time.Minute),
		BatchSize:         config.Int("RECONCILE_BATCH_SIZE", 50),
		StatusGrace:       config.Duration("RECONCILE_STATUS_GRACE", 2*time.Minute),
		PixExpiry:         config.Duration("RECONCILE_PIX_EXPIRY", 10*time.Minute),
		Window:            config.Duration("RECONCILE_WINDOW", 2*time.Hour),
		LostWebhookHours:  config.Int("RECONCILE_LOST_WEBHOOK_HOURS", 24),
		ClaimLease:        config.Duration("CLAIM_LEASE", 2*time.Minute),
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("BILLING_TIMEZONE: %w", err))
	}
	cfg.Location = loc

	if _, err := cfg.Catalog(); err != nil {
		errs = append(errs, err)
	}
	if err := validate(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Catalog parses the CRM plan product mapping.
func (c Config) Catalog() (crm.Catalog, error) {
	return crm.ParseCatalog(c.CRMPlanProducts, c.CRMPlaceholderProducts)
}

func validate(cfg Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, f := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", envName(f.Field()), f.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var envNames = map[string]string{
	"DatabaseURL":       "DATABASE_URL",
	"GatewayBaseURL":    "GATEWAY_BASE_URL",
	"GatewayAPIKey":     "GATEWAY_API_KEY",
	"StripeSecretKey":   "STRIPE_SECRET_KEY",
	"GatewayProvider":   "GATEWAY_PROVIDER",
	"CRMWebhookURL":     "CRM_WEBHOOK_URL",
	"StatusGrace":       "RECONCILE_STATUS_GRACE",
	"BatchSize":         "RECONCILE_BATCH_SIZE",
	"ClaimLease":        "CLAIM_LEASE",
	"Currency":          "BILLING_CURRENCY",
	"RedisURL":          "REDIS_URL",
	"PushgatewayURL":    "PROMETHEUS_PUSHGATEWAY_URL",
	"ReconcileInterval": "RECONCILE_INTERVAL",
}

func envName(field string) string {
	if n, ok := envNames[field]; ok {
		return n
	}
	return field
}
