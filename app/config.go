package chatline

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DevMode  = "dev"
	ProdMode = "prod"
)

const (
	// TokenIdentity authenticates WebSocket connections with a session token.
	TokenIdentity = "token"
	// QueryIdentity trusts the user identifier passed in the query string.
	QueryIdentity = "query"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	// Mode is either dev or prod. The default is dev.
	Mode string `validate:"required,oneof=dev prod"`
	Auth struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// TokenExp is how long a session token is valid for. The default is 24h.
		TokenExp time.Duration `mapstructure:"token_exp" validate:"gt=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
		// Mode is the sqlite open mode: ro, rw, rwc or memory. The default is rwc.
		Mode string `validate:"required,oneof=ro rw rwc memory"`
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	WS             struct {
		// Identity selects how connections are authenticated: token or query.
		Identity string `validate:"required,oneof=token query"`
		// IdentityParam is the query parameter carrying the user identifier in query mode.
		IdentityParam string `mapstructure:"identity_param"`
		// SendBuffer is the number of outbound events queued per connection.
		SendBuffer int `mapstructure:"send_buffer" validate:"gte=0"`
	}
	Chat struct {
		// OpenJoin lets any user join a chat, becoming a participant on the way.
		OpenJoin bool `mapstructure:"open_join"`
		// HistoryLimit is the number of messages sent on join.
		HistoryLimit int `mapstructure:"history_limit" validate:"gt=0,lte=500"`
		// SweepInterval is the period of the empty room sweep.
		SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	}
	TLS struct {
		Crt string
		Key string
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from the config file found in one of paths,
// the .env file and environment variables, in increasing order of precedence.
// Any invalid configuration will not be loaded, and the error wil be caught in the validation step.
func LoadConfig(paths ...string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", DevMode)
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.token_exp", 24*time.Hour)
	v.SetDefault("sqlite.file", "./chatline.db")
	v.SetDefault("sqlite.migrations", "./migrations")
	v.SetDefault("sqlite.mode", "rwc")
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("ws.identity", TokenIdentity)
	v.SetDefault("ws.identity_param", "userId")
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("chat.open_join", false)
	v.SetDefault("chat.history_limit", 50)
	v.SetDefault("chat.sweep_interval", 5*time.Minute)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	if (c.TLS.Crt == "") != (c.TLS.Key == "") {
		return errors.New("tls.crt and tls.key must be set together")
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
