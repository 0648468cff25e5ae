// Package config turns command flags, environment and config files into
// validated runtime settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings holds the options shared by the grading commands.
type Settings struct {
	LLMProvider    string        `validate:"oneof=gemini openai"`
	LLMModel       string        `validate:"required"`
	LLMKey         string        `validate:"required_if=LLMProvider gemini"`
	LLMURL         string        `validate:"omitempty,url"`
	LLMTimeout     time.Duration `validate:"gt=0"`
	MaxRetries     int           `validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `validate:"gte=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`
	GradingPolicy  string        `validate:"oneof=strict standard lenient keyword"`
	Cache          string        `validate:"oneof=memory sqlite redis none"`
	RedisURL       string        `validate:"required_if=Cache redis"`
	CacheTTL       time.Duration `validate:"gte=0"`
	DB             string        `validate:"required_if=Cache sqlite"`
	NATSURL        string
	NATSSubject    string
	Lang           string `validate:"oneof=en ru"`
	Workers        int    `validate:"gte=1,lte=64"`
	Out            string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadDotEnv loads a .env file from the working directory if there is one.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

// FromViper reads settings bound to v. The model key may also come from
// GEMINI_API_KEY or OPENAI_API_KEY.
func FromViper(v *viper.Viper) (Settings, error) {
	_ = v.BindEnv("llm-key", "AUTOGRADER_LLM_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")

	s := Settings{
		LLMProvider:    strings.ToLower(strings.TrimSpace(v.GetString("llm-provider"))),
		LLMModel:       strings.TrimSpace(v.GetString("llm-model")),
		LLMKey:         strings.TrimSpace(v.GetString("llm-key")),
		LLMURL:         strings.TrimSpace(v.GetString("llm-url")),
		LLMTimeout:     v.GetDuration("llm-timeout"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBaseDelay: v.GetDuration("retry-base-delay"),
		RetryMaxDelay:  v.GetDuration("retry-max-delay"),
		GradingPolicy:  strings.ToLower(strings.TrimSpace(v.GetString("grading-policy"))),
		Cache:          strings.ToLower(strings.TrimSpace(v.GetString("cache"))),
		RedisURL:       v.GetString("redis-url"),
		CacheTTL:       v.GetDuration("cache-ttl"),
		DB:             v.GetString("db"),
		NATSURL:        v.GetString("nats-url"),
		NATSSubject:    v.GetString("nats-subject"),
		Lang:           strings.ToLower(v.GetString("lang")),
		Workers:        v.GetInt("workers"),
		Out:            v.GetString("out"),
	}
	if s.Workers == 0 {
		s.Workers = 1
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks field constraints and reports every invalid field.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", flagName(fe.Field()), fe.Tag(), redact(fe)))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}

var flagNames = map[string]string{
	"LLMProvider":    "llm-provider",
	"LLMModel":       "llm-model",
	"LLMKey":         "llm-key",
	"LLMURL":         "llm-url",
	"LLMTimeout":     "llm-timeout",
	"MaxRetries":     "max-retries",
	"RetryBaseDelay": "retry-base-delay",
	"RetryMaxDelay":  "retry-max-delay",
	"GradingPolicy":  "grading-policy",
	"Cache":          "cache",
	"RedisURL":       "redis-url",
	"CacheTTL":       "cache-ttl",
	"DB":             "db",
	"Lang":           "lang",
	"Workers":        "workers",
}

func flagName(field string) string {
	if n, ok := flagNames[field]; ok {
		return "--" + n
	}
	return field
}

func redact(fe validator.FieldError) any {
	if fe.Field() == "LLMKey" {
		return "<redacted>"
	}
	return fe.Value()
}

