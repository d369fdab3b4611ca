package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cardlink/cmd/internal/cardlink"
)

// Consent modes.
const (
	ConsentAuto   = "auto"
	ConsentDeny   = "deny"
	ConsentPrompt = "prompt"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	ServiceURL   string
	ServiceToken string

	LogLevel  string
	LogFormat string
	LogColor  bool

	// Empty disables the ops server.
	OpsAddr string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	APDUWait        time.Duration
	FinishWait      time.Duration
	RegisterAckWait time.Duration

	WSDialTimeout      time.Duration
	WSWriteTimeout     time.Duration
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSMaxFrameBytes    int

	Consent string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		ServiceURL:   EnvString("CARDLINK_SERVICE_URL", ""),
		ServiceToken: EnvString("CARDLINK_SERVICE_TOKEN", ""),

		LogLevel:  EnvString("CARDLINK_LOG_LEVEL", "info"),
		LogFormat: EnvString("CARDLINK_LOG_FORMAT", "json"),
		LogColor:  EnvBool("CARDLINK_LOG_COLOR", false),

		OpsAddr: EnvString("CARDLINK_OPS_ADDR", ""),

		DatabaseURL: EnvString("CARDLINK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CARDLINK_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("CARDLINK_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("CARDLINK_DB_SCHEMA", "cardlink"),

		APDUWait:        EnvDuration("CARDLINK_APDU_WAIT", 30*time.Second),
		FinishWait:      EnvDuration("CARDLINK_FINISH_WAIT", 30*time.Second),
		RegisterAckWait: EnvDuration("CARDLINK_REGISTER_ACK_WAIT", 30*time.Second),

		WSDialTimeout:      EnvDuration("CARDLINK_WS_DIAL_TIMEOUT", 15*time.Second),
		WSWriteTimeout:     EnvDuration("CARDLINK_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHeartbeatEvery:   EnvDuration("CARDLINK_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("CARDLINK_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSMaxFrameBytes:    EnvInt("CARDLINK_WS_MAX_FRAME_BYTES", 256<<10),

		Consent: strings.ToLower(EnvString("CARDLINK_CONSENT", ConsentPrompt)),
	}
}

// Validate fails fast on configuration the bridge cannot run with.
func (c Config) Validate() error {
	if err := cardlink.ValidateServiceURL(c.ServiceURL); err != nil {
		return fmt.Errorf("config: CARDLINK_SERVICE_URL: %w", err)
	}
	switch c.Consent {
	case ConsentAuto, ConsentDeny, ConsentPrompt:
	default:
		return fmt.Errorf("config: CARDLINK_CONSENT must be one of auto|deny|prompt, got %q", c.Consent)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("config: CARDLINK_LOG_FORMAT must be one of json|text|pretty, got %q", c.LogFormat)
	}
	if c.DatabaseURL != "" && c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return errors.New("config: CARDLINK_DB_MIN_CONNS exceeds CARDLINK_DB_MAX_CONNS")
	}
	return nil
}
