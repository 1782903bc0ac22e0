// Package config loads runtime configuration from environment variables,
// an optional dotenv file, and Secret Manager references.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultEnvironment           = "local"
	defaultCurrency              = "INR"
	defaultShippingFee           = int64(5000)
	defaultFreeShippingThreshold = int64(50000)
	defaultCourierBaseURL        = "https://apiv2.shiprocket.in/v1/external"
	defaultCourierTimeout        = 20 * time.Second
	defaultCourierPickupLocation = "Primary"
	defaultGatewayTimeout        = 15 * time.Second
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Gateway     GatewayConfig
	Courier     CourierConfig
	Pricing     PricingConfig
	PubSub      PubSubConfig
	RateLimits  RateLimitConfig
	Features    FeatureFlags
	Idempotency IdempotencyConfig
	Environment string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for end-user auth.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// GatewayConfig collects payment gateway credentials. The secret fields accept
// secret:// references resolved at load time.
type GatewayConfig struct {
	RazorpayKeyID     string
	RazorpayKeySecret string
	Timeout           time.Duration
}

// CourierConfig holds courier API credentials and behaviour knobs.
type CourierConfig struct {
	BaseURL        string
	Email          string
	Password       string
	PickupLocation string
	ChannelID      string
	Timeout        time.Duration
}

// PricingConfig carries order pricing policy. Amounts are in paise.
type PricingConfig struct {
	Currency              string
	ShippingFee           int64
	FreeShippingThreshold int64
}

// PubSubConfig names the topic order lifecycle events are published to.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableCoupons     bool
	EnableFulfillment bool
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to
// resolve. Error output carries only redacted identifiers so that log lines
// never reveal which credentials a deployment is missing.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	names := e.RedactedNames()
	if len(names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns the hashed identifiers of the unresolved secrets.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func applyOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided
// maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field paths recorded by the loader, such as
// "Gateway.RazorpayKeySecret" or "Courier.Password".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// envSource answers key lookups with the loader's precedence: the explicit
// map wins over system environment variables, which win over the dotenv file.
type envSource struct {
	overrides map[string]string
	useSystem bool
	dotenv    map[string]string
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotenv, err := parseDotEnvFile(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{
		overrides: options.envMap,
		useSystem: options.useSystemEnv,
		dotenv:    dotenv,
	}, nil
}

func (s envSource) get(key string) (string, bool) {
	if value, ok := s.overrides[key]; ok {
		return value, true
	}
	if s.useSystem {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s envSource) num(key string, fallback int) int {
	if value, ok := s.get(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s envSource) num64(key string, fallback int64) int64 {
	if value, ok := s.get(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s envSource) flag(key string, fallback bool) bool {
	if value, ok := s.get(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// EnvironmentValues returns the effective key/value map after applying the
// same precedence rules as Load (dotenv < OS env < explicit map). Callers use
// the result to initialise dependencies, such as the secret fetcher, before
// invoking Load itself.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := applyOptions(opts)

	source, err := newEnvSource(options)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range source.dotenv {
		values[key] = value
	}
	if source.useSystem {
		for _, entry := range os.Environ() {
			key, value, found := strings.Cut(entry, "=")
			if !found || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range source.overrides {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration from defaults, the dotenv
// file, environment variables, and secret references, then validates it.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := applyOptions(opts)

	source, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := buildConfig(source)

	// Firestore and PubSub projects default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	resolved, err := resolveSecretFields(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := missingRequiredSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func buildConfig(env envSource) Config {
	return Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Gateway: GatewayConfig{
			RazorpayKeyID:     env.str("API_GATEWAY_RAZORPAY_KEY_ID", ""),
			RazorpayKeySecret: env.str("API_GATEWAY_RAZORPAY_KEY_SECRET", ""),
			Timeout:           env.duration("API_GATEWAY_TIMEOUT", defaultGatewayTimeout),
		},
		Courier: CourierConfig{
			BaseURL:        env.str("API_COURIER_BASE_URL", defaultCourierBaseURL),
			Email:          env.str("API_COURIER_EMAIL", ""),
			Password:       env.str("API_COURIER_PASSWORD", ""),
			PickupLocation: env.str("API_COURIER_PICKUP_LOCATION", defaultCourierPickupLocation),
			ChannelID:      env.str("API_COURIER_CHANNEL_ID", ""),
			Timeout:        env.duration("API_COURIER_TIMEOUT", defaultCourierTimeout),
		},
		Pricing: PricingConfig{
			Currency:              env.str("API_PRICING_CURRENCY", defaultCurrency),
			ShippingFee:           env.num64("API_PRICING_SHIPPING_FEE", defaultShippingFee),
			FreeShippingThreshold: env.num64("API_PRICING_FREE_SHIPPING_THRESHOLD", defaultFreeShippingThreshold),
		},
		PubSub: PubSubConfig{
			ProjectID: env.str("API_PUBSUB_PROJECT_ID", ""),
			Topic:     env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", "order-events"),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.num("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.num("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
		},
		Features: FeatureFlags{
			EnableCoupons:     env.flag("API_FEATURE_COUPONS", true),
			EnableFulfillment: env.flag("API_FEATURE_FULFILLMENT", true),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.num("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Environment: strings.ToLower(env.str("API_ENVIRONMENT", defaultEnvironment)),
	}
}

// resolveSecretFields walks the credential fields that may hold secret://
// references and replaces each reference with its resolved value. The
// returned map records every field's final value keyed by field path, so
// required-secret enforcement can inspect it.
func resolveSecretFields(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := []struct {
		name  string
		field *string
	}{
		{"Gateway.RazorpayKeyID", &cfg.Gateway.RazorpayKeyID},
		{"Gateway.RazorpayKeySecret", &cfg.Gateway.RazorpayKeySecret},
		{"Courier.Email", &cfg.Courier.Email},
		{"Courier.Password", &cfg.Courier.Password},
	}

	resolved := make(map[string]string, len(fields))
	for _, target := range fields {
		value, err := resolveSecretValue(ctx, *target.field, resolver)
		if err != nil {
			return nil, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}
	return resolved, nil
}

func resolveSecretValue(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Pricing.Currency) == "" {
		missing = append(missing, "Pricing.Currency")
	}
	if cfg.Pricing.ShippingFee < 0 {
		missing = append(missing, "Pricing.ShippingFee")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingRequiredSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(required))
	var missing []missingSecret
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// normalizeSecretReference rewrites the older sm:// scheme onto secret://.
func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

// redactSecretName hashes a secret identifier for log-safe reporting.
func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func parseDotEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
