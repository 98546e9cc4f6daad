package billing

import (
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the environment-driven configuration of the billing module.
type Config struct {
	// Processor selects the payment processor implementation: "stripe" or
	// "paddle".
	Processor string `env:"BILLING_PROCESSOR" envDefault:"stripe"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	PaddleAPIKey        string `env:"PADDLE_API_KEY"`
	PaddleWebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	PaddleEnvironment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`

	PostmarkServerToken string `env:"POSTMARK_SERVER_TOKEN"`
	SenderEmail         string `env:"BILLING_SENDER_EMAIL"`
	SupportEmail        string `env:"BILLING_SUPPORT_EMAIL"`

	SuccessURL string `env:"BILLING_CHECKOUT_SUCCESS_URL"`
	CancelURL  string `env:"BILLING_CHECKOUT_CANCEL_URL"`
}

var loadEnvOnce sync.Once

// LoadConfig parses the billing configuration from the environment, loading
// a .env file first when one exists.
func LoadConfig() (Config, error) {
	loadEnvOnce.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
