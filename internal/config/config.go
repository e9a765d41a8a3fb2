package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSTUNServers are used when STUN_SERVERS is not set.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	HTTPPort    string
	HTTPSPort   string
	Domain      string
	HTTPOnly    bool
	FrontendURI string
	LogLevel    string

	DBPath           string
	MessageRetention time.Duration
	SweepSchedule    string
	RingTTL          time.Duration
	CallTTL          time.Duration
	STUNServers      []string

	JWTSecret string
	TokenTTL  time.Duration
	VAPIDKeys *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// ClientConfig drives the headless chat client.
type ClientConfig struct {
	APIURL          string
	UserID          string
	UserName        string
	LogLevel        string
	STUNServers     []string
	RefreshDelay    time.Duration
	OfferTimeout    time.Duration
	ReconcileWindow time.Duration
}

type fileConfig struct {
	HTTPPort         string   `json:"http_port"`
	HTTPSPort        string   `json:"https_port"`
	Domain           string   `json:"domain"`
	FrontendURI      string   `json:"frontend_uri"`
	LogLevel         string   `json:"log_level"`
	DBPath           string   `json:"db_path"`
	MessageRetention string   `json:"message_retention"`
	SweepSchedule    string   `json:"sweep_schedule"`
	STUNServers      []string `json:"stun_servers"`
}

// loadConfigFromJSON loads configuration from config.json next to the executable.
func loadConfigFromJSON() (*fileConfig, error) {
	data, err := os.ReadFile(getConfigFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func getConfigFilePath() string {
	return filepath.Join(executableDir(), "config.json")
}

// Load builds the server configuration. Values come from, in order of
// precedence: environment (including a .env file), config.json, defaults.
func Load(httpOnly bool) *Config {
	loadDotEnv()

	fc, err := loadConfigFromJSON()
	if err != nil {
		fc = &fileConfig{}
	} else {
		slog.Default().Info("custom configuration loaded from config.json")
	}

	cfg := &Config{
		HTTPPort:         getEnv("HTTP_PORT", orDefault(fc.HTTPPort, "8080")),
		HTTPSPort:        getEnv("HTTPS_PORT", orDefault(fc.HTTPSPort, "8443")),
		Domain:           getEnv("DOMAIN", orDefault(fc.Domain, loadDomainFile())),
		HTTPOnly:         httpOnly || getEnvBool("HTTP_ONLY", false),
		FrontendURI:      getEnv("FRONTEND_URI", fc.FrontendURI),
		LogLevel:         getEnv("LOG_LEVEL", orDefault(fc.LogLevel, "info")),
		DBPath:           getEnv("DB_PATH", orDefault(fc.DBPath, filepath.Join(executableDir(), "chat.db"))),
		MessageRetention: getEnvDuration("MESSAGE_RETENTION", parseDuration(fc.MessageRetention, 0)),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", orDefault(fc.SweepSchedule, "@every 1m")),
		RingTTL:          getEnvDuration("CALL_RING_TTL", 45*time.Second),
		CallTTL:          getEnvDuration("CALL_TTL", 12*time.Hour),
		STUNServers:      getEnvList("STUN_SERVERS", orDefaultList(fc.STUNServers, DefaultSTUNServers)),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 30*24*time.Hour),
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()
	return cfg
}

// LoadClient builds the chat client configuration from the environment.
func LoadClient() *ClientConfig {
	loadDotEnv()
	return &ClientConfig{
		APIURL:          getEnv("CHAT_API_URL", "http://localhost:8080"),
		UserID:          getEnv("CHAT_USER_ID", ""),
		UserName:        getEnv("CHAT_USER_NAME", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		STUNServers:     getEnvList("STUN_SERVERS", DefaultSTUNServers),
		RefreshDelay:    getEnvDuration("CHAT_REFRESH_DELAY", 50*time.Millisecond),
		OfferTimeout:    getEnvDuration("CHAT_OFFER_TIMEOUT", 30*time.Second),
		ReconcileWindow: getEnvDuration("CHAT_RECONCILE_WINDOW", 30*time.Second),
	}
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Default().Warn("failed to load .env", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs := getEnvInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return parseDuration(value, defaultValue)
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultList(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func getKeysDirectory() string {
	return filepath.Join(executableDir(), "keys")
}

func getCertsDirectory() string {
	return filepath.Join(executableDir(), "certs")
}

func loadDomainFile() string {
	data, err := os.ReadFile(filepath.Join(getCertsDirectory(), "domain.txt"))
	if err != nil {
		return "localhost"
	}
	if domain := strings.TrimSpace(string(data)); domain != "" {
		return domain
	}
	return "localhost"
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := getKeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")
	if secretData, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(secretData)); secret != "" {
			slog.Default().Info("JWT secret loaded", "path", secretFile)
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			slog.Default().Warn("failed to save JWT secret, tokens will not survive a restart", "error", err)
		}
	}
	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@chat.local")
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	keysDir := getKeysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			privateKey = strings.TrimSpace(string(privateKeyData))
			// The webpush library wants the raw 32 byte scalar.
			if decoded, err := base64.RawURLEncoding.DecodeString(privateKey); err == nil && len(decoded) == 32 {
				if subjectData, err := os.ReadFile(subjectFile); err == nil {
					subject = strings.TrimSpace(string(subjectData))
				}
				return &VAPIDKeys{
					PublicKey:  strings.TrimSpace(string(publicKeyData)),
					PrivateKey: privateKey,
					Subject:    subject,
				}
			}
			slog.Default().Warn("VAPID private key has an unexpected format, regenerating", "path", privateKeyFile)
		}
	}

	keys, err := generateVAPIDKeys(subject)
	if err != nil {
		slog.Default().Error("failed to generate VAPID keys, web push disabled", "error", err)
		return &VAPIDKeys{Subject: subject}
	}
	if err := saveVAPIDKeys(keysDir, keys); err != nil {
		slog.Default().Warn("failed to save VAPID keys", "error", err)
	}
	return keys
}

func generateVAPIDKeys(subject string) (*VAPIDKeys, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	// Uncompressed point: 0x04 || X || Y.
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	priv.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	priv.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	privateKeyBytes := make([]byte, 32)
	priv.D.FillBytes(privateKeyBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
		Subject:    subject,
	}, nil
}

func saveVAPIDKeys(keysDir string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	files := map[string]string{
		"vapid-public.key":  keys.PublicKey,
		"vapid-private.key": keys.PrivateKey,
		"vapid-subject.key": keys.Subject,
	}
	for name, value := range files {
		if err := os.WriteFile(filepath.Join(keysDir, name), []byte(value), 0600); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}
	}
	slog.Default().Info("VAPID keys saved", "path", keysDir)
	return nil
}
