package aeko

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/spf13/viper"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	Auth     struct {
		// Secret is the Secret key used to sign bearer tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// TokenTTLMin is the bearer token lifetime in minutes.
		TokenTTLMin int `validate:"required,gt=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
		// BusyTimeoutMS is the sqlite busy handler window.
		BusyTimeoutMS int
	}
	Hub struct {
		// RoomShards is the session registry shard count.
		RoomShards int `validate:"required,gt=0"`
		// TypingTTLMS is how long a typing token lives without refresh.
		TypingTTLMS int `validate:"required,gt=0"`
		// PresenceDebounceMS delays presence fan-out to absorb flaps.
		PresenceDebounceMS int `validate:"required,gt=0"`
		// EditWindowMS bounds how long after sending a message may be edited.
		EditWindowMS int `validate:"required,gt=0"`
		// HistoryLimit caps one replay or history page.
		HistoryLimit int `validate:"required,gt=0"`
		// AIContextWindow is how many recent messages the auto-reply sees.
		AIContextWindow int `validate:"required,gt=0"`
		// DedupeWindowMS is the send idempotency window.
		DedupeWindowMS int `validate:"required,gt=0"`
		// OpTimeoutMS bounds one frame operation end to end.
		OpTimeoutMS int `validate:"required,gt=0"`
	}
	WS struct {
		// MaxFrameBytes caps one inbound frame.
		MaxFrameBytes int64 `validate:"required,gt=0"`
		// OutboundHWM is the per-connection outbound queue capacity.
		OutboundHWM int `validate:"required,gt=0"`
		// ControlRate and DataRate are per-window frame allowances.
		ControlRate int `validate:"required,gt=0"`
		DataRate    int `validate:"required,gt=0"`
		// RateWindowMS is the rate limiter window.
		RateWindowMS int `validate:"required,gt=0"`
		// RelationsTTLMS is the per-connection relations cache lifetime.
		RelationsTTLMS int `validate:"required,gt=0"`
	}
	AI struct {
		// Endpoint is the auto-reply generator URL. Empty disables auto-reply.
		Endpoint string
		// APIKey authenticates against the generator.
		APIKey string
		// TimeoutMS bounds one generation call.
		TimeoutMS int
	}
	Blob struct {
		// Dir is where attachment blobs land.
		Dir string `validate:"required"`
		// MaxBytes caps one upload.
		MaxBytes int64 `validate:"required,gt=0"`
	}
	Push struct {
		// Endpoint is the push gateway URL. Empty disables push dispatch.
		Endpoint string
		// TimeoutMS bounds one dispatch call.
		TimeoutMS int
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	valid          bool
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

// LoadConfig loads the configuration from the config file and environment variables.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("auth.tokenttlmin", 60*24)
	viper.SetDefault("hostname", "0.0.0.0")

	viper.SetDefault("sqlite.file", "./aeko.db")
	viper.SetDefault("sqlite.migrations", "./migrations")
	viper.SetDefault("sqlite.busytimeoutms", 5000)

	viper.SetDefault("hub.roomshards", 16)
	viper.SetDefault("hub.typingttlms", 3000)
	viper.SetDefault("hub.presencedebouncems", 2000)
	viper.SetDefault("hub.editwindowms", int(15*time.Minute/time.Millisecond))
	viper.SetDefault("hub.historylimit", 100)
	viper.SetDefault("hub.aicontextwindow", 20)
	viper.SetDefault("hub.dedupewindowms", int(5*time.Minute/time.Millisecond))
	viper.SetDefault("hub.optimeoutms", 10000)

	viper.SetDefault("ws.maxframebytes", 64*1024)
	viper.SetDefault("ws.outboundhwm", 256)
	viper.SetDefault("ws.controlrate", 30)
	viper.SetDefault("ws.datarate", 60)
	viper.SetDefault("ws.ratewindowms", 10000)
	viper.SetDefault("ws.relationsttlms", 30000)

	viper.SetDefault("blob.dir", "./blobs")
	viper.SetDefault("blob.maxbytes", 16*1024*1024)

	viper.SetDefault("ai.timeoutms", 15000)
	viper.SetDefault("push.timeoutms", 5000)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
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
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {

	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
