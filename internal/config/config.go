// Package config assembles FlowGuide configuration from defaults, a .env file,
// environment variables, and an optional YAML file of clinical parameters.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowGuide state data
	DefaultStateDir = "/var/lib/flowguide"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowguide.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"

	DefaultAPIAddr          = ":8080"
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultSignalTimeout    = 2 * time.Second
	DefaultRetrievalTimeout = 1500 * time.Millisecond
	DefaultProfileTimeout   = 300 * time.Millisecond
	DefaultRecordTimeout    = 5 * time.Second
	DefaultSessionTTL       = 24 * time.Hour
	DefaultArchiveSchedule  = "*/15 * * * *"
	DefaultHistoryLimit     = 10
	DefaultMaxStackDepth    = 3
	DefaultRetrievalTopK    = 3
)

// Config holds runtime configuration.
type Config struct {
	StateDir      string
	DatabaseURL   string
	APIAddr       string
	OpenAIKey     string
	OpenAIModel   string
	FlowsFile     string
	KnowledgeFile string
	ClinicalFile  string
	LogLevel      string
	AuditOnStart  bool

	SignalTimeout    time.Duration
	RetrievalTimeout time.Duration
	ProfileTimeout   time.Duration
	RecordTimeout    time.Duration
	SessionTTL       time.Duration
	ArchiveSchedule  string
	HistoryLimit     int
	MaxStackDepth    int
	RetrievalTopK    int

	Clinical Clinical
}

// Clinical holds the routing and safety parameters a domain expert is
// expected to tune. Scenario values are scenario ids or aliases.
type Clinical struct {
	HighIntentThreshold    float64           `yaml:"high_intent_threshold"`
	ConfidenceFloor        float64           `yaml:"confidence_floor"`
	AcuteDistressThreshold float64           `yaml:"acute_distress_threshold"`
	AcuteDistress          map[string]string `yaml:"acute_distress"`
	IntentAliases          map[string]string `yaml:"intent_aliases"`
	CrisisHighConfidence   float64           `yaml:"crisis_high_confidence"`
	CrisisMediumConfidence float64           `yaml:"crisis_medium_confidence"`
	StopPhrases            []string          `yaml:"stop_phrases"`
}

// DefaultClinical returns the built-in clinical parameters.
func DefaultClinical() Clinical {
	return Clinical{
		HighIntentThreshold:    0.80,
		ConfidenceFloor:        0.35,
		AcuteDistressThreshold: 0.60,
		AcuteDistress: map[string]string{
			"panic":        "panic",
			"custom_panic": "panic",
			"fear":         "panic",
			"terror":       "panic",
			"crisis":       "crisis",
			"despair":      "crisis",
		},
		IntentAliases:          map[string]string{},
		CrisisHighConfidence:   0.95,
		CrisisMediumConfidence: 0.85,
		StopPhrases:            []string{"stop", "quit", "exit", "cancel", "end session"},
	}
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	return Config{
		StateDir:         DefaultStateDir,
		DatabaseURL:      filepath.Join(DefaultStateDir, DefaultDBFileName),
		APIAddr:          DefaultAPIAddr,
		OpenAIModel:      DefaultOpenAIModel,
		LogLevel:         "info",
		SignalTimeout:    DefaultSignalTimeout,
		RetrievalTimeout: DefaultRetrievalTimeout,
		ProfileTimeout:   DefaultProfileTimeout,
		RecordTimeout:    DefaultRecordTimeout,
		SessionTTL:       DefaultSessionTTL,
		ArchiveSchedule:  DefaultArchiveSchedule,
		HistoryLimit:     DefaultHistoryLimit,
		MaxStackDepth:    DefaultMaxStackDepth,
		RetrievalTopK:    DefaultRetrievalTopK,
		Clinical:         DefaultClinical(),
	}
}

// Load reads a .env file when present, then environment variables, then the
// clinical parameters file named by FLOWGUIDE_CLINICAL_CONFIG.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	cfg := Default()
	cfg.StateDir = util.GetEnv("FLOWGUIDE_STATE_DIR", cfg.StateDir)
	cfg.DatabaseURL = util.GetEnv("DATABASE_URL", filepath.Join(cfg.StateDir, DefaultDBFileName))
	cfg.APIAddr = util.GetEnv("FLOWGUIDE_API_ADDR", cfg.APIAddr)
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = util.GetEnv("FLOWGUIDE_OPENAI_MODEL", cfg.OpenAIModel)
	cfg.FlowsFile = os.Getenv("FLOWGUIDE_FLOWS_FILE")
	cfg.KnowledgeFile = os.Getenv("FLOWGUIDE_KNOWLEDGE_FILE")
	cfg.ClinicalFile = os.Getenv("FLOWGUIDE_CLINICAL_CONFIG")
	cfg.LogLevel = util.GetEnv("FLOWGUIDE_LOG_LEVEL", cfg.LogLevel)
	cfg.AuditOnStart = util.ParseBoolEnv("FLOWGUIDE_AUDIT_ON_START", false)
	cfg.SignalTimeout = util.ParseDurationEnv("FLOWGUIDE_SIGNAL_TIMEOUT", cfg.SignalTimeout)
	cfg.RetrievalTimeout = util.ParseDurationEnv("FLOWGUIDE_RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout)
	cfg.ProfileTimeout = util.ParseDurationEnv("FLOWGUIDE_PROFILE_TIMEOUT", cfg.ProfileTimeout)
	cfg.RecordTimeout = util.ParseDurationEnv("FLOWGUIDE_RECORD_TIMEOUT", cfg.RecordTimeout)
	cfg.SessionTTL = util.ParseDurationEnv("FLOWGUIDE_SESSION_TTL", cfg.SessionTTL)
	cfg.ArchiveSchedule = util.GetEnv("FLOWGUIDE_ARCHIVE_SCHEDULE", cfg.ArchiveSchedule)
	cfg.HistoryLimit = util.ParseIntEnv("FLOWGUIDE_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.MaxStackDepth = util.ParseIntEnv("FLOWGUIDE_MAX_STACK_DEPTH", cfg.MaxStackDepth)
	cfg.RetrievalTopK = util.ParseIntEnv("FLOWGUIDE_RETRIEVAL_TOP_K", cfg.RetrievalTopK)

	if cfg.ClinicalFile != "" {
		clinical, err := LoadClinical(cfg.ClinicalFile)
		if err != nil {
			return cfg, err
		}
		cfg.Clinical = clinical
	}

	slog.Debug("config.Load: configuration loaded",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"openai_key_set", cfg.OpenAIKey != "",
		"flows_file", cfg.FlowsFile,
		"clinical_file", cfg.ClinicalFile,
		"max_stack_depth", cfg.MaxStackDepth)
	return cfg, nil
}

// LoadClinical reads clinical parameters from a YAML file. Keys absent from
// the file keep their defaults.
func LoadClinical(path string) (Clinical, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clinical{}, fmt.Errorf("failed to read clinical config %s: %w", path, err)
	}
	return ParseClinical(data)
}

// ParseClinical decodes clinical parameters over the defaults and validates them.
func ParseClinical(data []byte) (Clinical, error) {
	c := DefaultClinical()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Clinical{}, fmt.Errorf("failed to parse clinical config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Clinical{}, err
	}
	return c, nil
}

// Validate checks that thresholds are well ordered probabilities.
func (c Clinical) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"high_intent_threshold":    c.HighIntentThreshold,
		"confidence_floor":         c.ConfidenceFloor,
		"acute_distress_threshold": c.AcuteDistressThreshold,
		"crisis_high_confidence":   c.CrisisHighConfidence,
		"crisis_medium_confidence": c.CrisisMediumConfidence,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	if c.ConfidenceFloor > c.HighIntentThreshold {
		errs = append(errs, fmt.Errorf("confidence_floor (%v) must not exceed high_intent_threshold (%v)", c.ConfidenceFloor, c.HighIntentThreshold))
	}
	if c.CrisisMediumConfidence > c.CrisisHighConfidence {
		errs = append(errs, fmt.Errorf("crisis_medium_confidence (%v) must not exceed crisis_high_confidence (%v)", c.CrisisMediumConfidence, c.CrisisHighConfidence))
	}
	return errors.Join(errs...)
}

// Validate checks the full configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Clinical.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"signal timeout":    c.SignalTimeout,
		"retrieval timeout": c.RetrievalTimeout,
		"profile timeout":   c.ProfileTimeout,
		"record timeout":    c.RecordTimeout,
		"session ttl":       c.SessionTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.MaxStackDepth < 1 {
		errs = append(errs, fmt.Errorf("max stack depth must be at least 1, got %d", c.MaxStackDepth))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("history limit must not be negative, got %d", c.HistoryLimit))
	}
	if c.RetrievalTopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval top_k must be at least 1, got %d", c.RetrievalTopK))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database url must not be empty"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
