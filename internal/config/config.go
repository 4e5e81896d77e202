/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables, with an
 * optional .env file for local development. Besides the usual connection
 * settings it also seeds the two static tables of the ledger: the action-cost
 * policy and the credit pack catalog. Both are deployment-time configuration,
 * never mutated at runtime.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the credits-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	BillingEventExchange string `mapstructure:"BILLING_EVENT_EXCHANGE"`
	BillingEventQueue    string `mapstructure:"BILLING_EVENT_QUEUE"`
	PaymentAPIBaseURL    string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey        string `mapstructure:"PAYMENT_API_KEY"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins       string `mapstructure:"ALLOWED_ORIGINS"`

	// Ledger policy knobs
	PolicyFailClosed     bool   `mapstructure:"POLICY_FAIL_CLOSED"`
	LowBalanceThreshold  int64  `mapstructure:"LOW_BALANCE_THRESHOLD"`
	SignupBonusCredits   int64  `mapstructure:"SIGNUP_BONUS_CREDITS"`
	ReferralBonusCredits int64  `mapstructure:"REFERRAL_BONUS_CREDITS"`
	DefaultRefillPackID  string `mapstructure:"DEFAULT_REFILL_PACK_ID"`
	RefillGuardTTLMin    int    `mapstructure:"REFILL_GUARD_TTL_MINUTES"`
	RefillSweepSchedule  string `mapstructure:"REFILL_SWEEP_SCHEDULE"`
	RefillSweepBatchSize int    `mapstructure:"REFILL_SWEEP_BATCH_SIZE"`

	// Action costs, in credits
	CostAITextGeneration  int64 `mapstructure:"COST_AI_TEXT_GENERATION"`
	CostAIImageGeneration int64 `mapstructure:"COST_AI_IMAGE_GENERATION"`
	CostSitePublish       int64 `mapstructure:"COST_SITE_PUBLISH"`
	CostSiteExport        int64 `mapstructure:"COST_SITE_EXPORT"`
	CostTemplatePurchase  int64 `mapstructure:"COST_TEMPLATE_PURCHASE"`

	// Pack catalog, in credits
	PackStarterCredits  int64 `mapstructure:"PACK_STARTER_CREDITS"`
	PackStandardCredits int64 `mapstructure:"PACK_STANDARD_CREDITS"`
	PackStudioCredits   int64 `mapstructure:"PACK_STUDIO_CREDITS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("BILLING_EVENT_EXCHANGE", "billing.events")
	viper.SetDefault("BILLING_EVENT_QUEUE", "credits_service.billing_events")
	viper.SetDefault("POLICY_FAIL_CLOSED", false)
	viper.SetDefault("LOW_BALANCE_THRESHOLD", 50)
	viper.SetDefault("SIGNUP_BONUS_CREDITS", 50)
	viper.SetDefault("REFERRAL_BONUS_CREDITS", 100)
	viper.SetDefault("DEFAULT_REFILL_PACK_ID", "standard")
	viper.SetDefault("REFILL_GUARD_TTL_MINUTES", 30)
	viper.SetDefault("REFILL_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("REFILL_SWEEP_BATCH_SIZE", 100)
	viper.SetDefault("COST_AI_TEXT_GENERATION", 3)
	viper.SetDefault("COST_AI_IMAGE_GENERATION", 8)
	viper.SetDefault("COST_SITE_PUBLISH", 25)
	viper.SetDefault("COST_SITE_EXPORT", 40)
	viper.SetDefault("COST_TEMPLATE_PURCHASE", 120)
	viper.SetDefault("PACK_STARTER_CREDITS", 250)
	viper.SetDefault("PACK_STANDARD_CREDITS", 750)
	viper.SetDefault("PACK_STUDIO_CREDITS", 2000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENT_EXCHANGE")
	_ = viper.BindEnv("BILLING_EVENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CREDITS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("POLICY_FAIL_CLOSED")
	_ = viper.BindEnv("LOW_BALANCE_THRESHOLD")
	_ = viper.BindEnv("SIGNUP_BONUS_CREDITS")
	_ = viper.BindEnv("REFERRAL_BONUS_CREDITS")
	_ = viper.BindEnv("DEFAULT_REFILL_PACK_ID")
	_ = viper.BindEnv("REFILL_GUARD_TTL_MINUTES")
	_ = viper.BindEnv("REFILL_SWEEP_SCHEDULE")
	_ = viper.BindEnv("REFILL_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("COST_AI_TEXT_GENERATION")
	_ = viper.BindEnv("COST_AI_IMAGE_GENERATION")
	_ = viper.BindEnv("COST_SITE_PUBLISH")
	_ = viper.BindEnv("COST_SITE_EXPORT")
	_ = viper.BindEnv("COST_TEMPLATE_PURCHASE")
	_ = viper.BindEnv("PACK_STARTER_CREDITS")
	_ = viper.BindEnv("PACK_STANDARD_CREDITS")
	_ = viper.BindEnv("PACK_STUDIO_CREDITS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CREDITS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.DefaultRefillPackID = strings.TrimSpace(config.DefaultRefillPackID)
	if config.DefaultRefillPackID == "" {
		config.DefaultRefillPackID = "standard"
	}

	if config.LowBalanceThreshold < 0 {
		log.Printf("level=warn component=config msg=\"negative low-balance threshold configured; coercing to zero\" threshold=%d", config.LowBalanceThreshold)
		config.LowBalanceThreshold = 0
	}
	if config.SignupBonusCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative signup bonus configured; coercing to zero\" credits=%d", config.SignupBonusCredits)
		config.SignupBonusCredits = 0
	}
	if config.ReferralBonusCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative referral bonus configured; coercing to zero\" credits=%d", config.ReferralBonusCredits)
		config.ReferralBonusCredits = 0
	}
	if config.RefillGuardTTLMin <= 0 {
		config.RefillGuardTTLMin = 30
	}
	if config.RefillSweepBatchSize <= 0 {
		config.RefillSweepBatchSize = 100
	}
	if strings.TrimSpace(config.RefillSweepSchedule) == "" {
		config.RefillSweepSchedule = "*/5 * * * *"
	}

	sanitizeCost := func(name string, cost *int64) {
		if *cost < 0 {
			log.Printf("level=warn component=config msg=\"negative action cost configured; coercing to zero\" action=%s cost=%d", name, *cost)
			*cost = 0
		}
	}
	sanitizeCost("COST_AI_TEXT_GENERATION", &config.CostAITextGeneration)
	sanitizeCost("COST_AI_IMAGE_GENERATION", &config.CostAIImageGeneration)
	sanitizeCost("COST_SITE_PUBLISH", &config.CostSitePublish)
	sanitizeCost("COST_SITE_EXPORT", &config.CostSiteExport)
	sanitizeCost("COST_TEMPLATE_PURCHASE", &config.CostTemplatePurchase)

	return
}

// ActionCosts assembles the static policy table mapping metered action names
// to their cost in credits.
func (c Config) ActionCosts() map[string]int64 {
	return map[string]int64{
		"AI Text Generation":  c.CostAITextGeneration,
		"AI Image Generation": c.CostAIImageGeneration,
		"Site Publish":        c.CostSitePublish,
		"Site Export":         c.CostSiteExport,
		"Template Purchase":   c.CostTemplatePurchase,
	}
}

// PackCatalog assembles the static pack table mapping purchasable pack ids to
// the credits they grant.
func (c Config) PackCatalog() map[string]int64 {
	return map[string]int64{
		"starter":  c.PackStarterCredits,
		"standard": c.PackStandardCredits,
		"studio":   c.PackStudioCredits,
	}
}
