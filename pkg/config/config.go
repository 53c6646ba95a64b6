// Package config loads the agent's environment-driven settings: data
// directories, the control API, and the operational toggles that are not
// part of the YAML policy document (internal/configmodel owns that).
// Grounded on the teacher's pkg/config.Load (flat struct + getEnv/getEnvInt
// helpers + godotenv).
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copier agent.
type Config struct {
	// Data directories
	DataDir        string // base dir for idempotency log, safety ledger, execution queue
	PolicyPath     string // path to the YAML CopierConfig document
	MasterQueueDir string // master's CopierQueue/pending dir
	CommandsDirFmt string // per-receiver CopierCommands dir, formatted with receiver id

	// Local Control API
	ControlAPIEnabled bool
	ControlAPIPort    string
	JWTSecret         string

	// Reconciliation
	ReconciliationEnabled  bool
	ReconciliationInterval int // seconds

	// Audit store (internal/audit, sqlite-backed, supplemental to the
	// mandatory JSON persistence)
	AuditDBPath string

	// Discovery
	ManualTerminalPaths []string // comma-separated terminal_id=path entries; empty means no terminals are known

	// Safety
	DailyResetHourUTC int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DataDir:                getEnv("DATA_DIR", "./data"),
		PolicyPath:             getEnv("POLICY_PATH", "./config/copier.yaml"),
		MasterQueueDir:         getEnv("MASTER_QUEUE_DIR", "./CopierQueue/pending"),
		CommandsDirFmt:         getEnv("COMMANDS_DIR_FMT", "./receivers/%s/MQL5/Files/CopierCommands"),
		ControlAPIEnabled:      getEnv("CONTROL_API_ENABLED", "true") == "true",
		ControlAPIPort:         getEnv("CONTROL_API_PORT", "127.0.0.1:8765"),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		ReconciliationEnabled:  getEnv("RECONCILIATION_ENABLED", "false") == "true",
		ReconciliationInterval: getEnvInt("RECONCILIATION_INTERVAL_SECONDS", 30),
		AuditDBPath:            getEnv("AUDIT_DB_PATH", "./data/audit.db"),
		ManualTerminalPaths:    splitAndTrim(getEnv("MANUAL_TERMINAL_PATHS", "")),
		DailyResetHourUTC:      getEnvInt("DAILY_RESET_HOUR_UTC", 0),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
