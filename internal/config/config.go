package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BudgetConfig controls the eviction cutoff and the token ledger.
type BudgetConfig struct {
	TargetTokens         int     `toml:"target_tokens"`
	BatchSize            int     `toml:"batch_size"`
	MinMessagesToKeep    int     `toml:"min_messages_to_keep"`
	RetractWhenUnder     bool    `toml:"retract_when_under"`
	RetractHeadroom      float64 `toml:"retract_headroom"`
	RoleOverheadTokens   int     `toml:"role_overhead_tokens"`
	SeparatorTokens      int     `toml:"separator_tokens"`
	NonChatFallbackRatio float64 `toml:"non_chat_fallback_ratio"`
	MinSummaryChars      int     `toml:"min_summary_chars"`
}

// CalibrationConfig controls the correction factor and the self-tuning target.
type CalibrationConfig struct {
	AdaptiveTarget      bool    `toml:"adaptive_target"`
	TargetUtilization   float64 `toml:"target_utilization"`
	StartFraction       float64 `toml:"start_fraction"`
	BaseTolerance       float64 `toml:"base_tolerance"`
	VolatilityScale     float64 `toml:"volatility_scale"`
	MaxTolerance        float64 `toml:"max_tolerance"`
	TrainingGenerations int     `toml:"training_generations"`
	StableThreshold     int     `toml:"stable_threshold"`
	DestabilizeFactor   float64 `toml:"destabilize_factor"`
	Damping             float64 `toml:"damping"`
	MinTargetRatio      float64 `toml:"min_target_ratio"`
	MaxTargetRatio      float64 `toml:"max_target_ratio"`
	HysteresisRatio     float64 `toml:"hysteresis_ratio"`
	BaseSmoothing       float64 `toml:"base_smoothing"`
	MaxSmoothing        float64 `toml:"max_smoothing"`
	DeletionTolerance   int     `toml:"deletion_tolerance"`
	MemoryHistorySize   int     `toml:"memory_history_size"`
}

// InjectionConfig places an injected text block in the host prompt.
type InjectionConfig struct {
	Position string `toml:"position"`
	Depth    int    `toml:"depth"`
	Role     string `toml:"role"`
	Header   string `toml:"header"`
}

type SummaryConfig struct {
	AutoSummarize  bool            `toml:"auto_summarize"`
	Profile        string          `toml:"profile"`
	PromptTemplate string          `toml:"prompt_template"`
	Prefill        string          `toml:"prefill"`
	MaxWords       int             `toml:"max_words"`
	UserName       string          `toml:"user_name"`
	AssistantName  string          `toml:"assistant_name"`
	TimeoutSeconds int             `toml:"timeout_seconds"`
	Injection      InjectionConfig `toml:"injection"`
}

type EmbeddingConfig struct {
	Endpoint       string `toml:"endpoint"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	Dimension      int    `toml:"dimension"`
	BatchSize      int    `toml:"batch_size"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type MemoryConfig struct {
	Enabled        bool            `toml:"enabled"`
	DatabasePath   string          `toml:"database_path"`
	MinMessages    int             `toml:"min_messages"`
	QueryMessages  int             `toml:"query_messages"`
	Limit          int             `toml:"limit"`
	ScoreThreshold float64         `toml:"score_threshold"`
	MaxTokensRatio float64         `toml:"max_tokens_ratio"`
	TimeoutSeconds int             `toml:"timeout_seconds"`
	Embedding      EmbeddingConfig `toml:"embedding"`
	Injection      InjectionConfig `toml:"injection"`
}

// ProfileConfig is an alternate endpoint/model used for side calls such as summarization.
type ProfileConfig struct {
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
}

type DebugConfig struct {
	LogLevel     string `toml:"log_level"`
	LogRequests  bool   `toml:"log_requests"`
	LogResponses bool   `toml:"log_responses"`
	LogDirectory string `toml:"log_directory"`
}

type Config struct {
	Bind        string                   `toml:"bind"`
	Endpoint    string                   `toml:"endpoint"`
	Model       string                   `toml:"model"`
	ContextSize int                      `toml:"context_size"`
	DataDir     string                   `toml:"data_dir"`
	Budget      BudgetConfig             `toml:"budget"`
	Calibration CalibrationConfig        `toml:"calibration"`
	Summary     SummaryConfig            `toml:"summary"`
	Memory      MemoryConfig             `toml:"memory"`
	Profiles    map[string]ProfileConfig `toml:"profiles"`
	Debug       DebugConfig              `toml:"debug"`
}

const DefaultSummaryPrompt = `Summarize the following message from {{speaker}} in a conversation between {{user}} and {{assistant}}.
Write a single sentence of at most {{words}} words. Do not add commentary.

Message:
{{message}}`

func Default() Config {
	defaultDataDir := defaultDataDir()
	return Config{
		Bind:        "127.0.0.1:50061",
		Endpoint:    "http://127.0.0.1:8080",
		ContextSize: 0,
		DataDir:     defaultDataDir,
		Budget:      DefaultBudget(),
		Calibration: DefaultCalibration(),
		Summary: SummaryConfig{
			AutoSummarize:  true,
			PromptTemplate: DefaultSummaryPrompt,
			MaxWords:       40,
			UserName:       "User",
			AssistantName:  "Assistant",
			TimeoutSeconds: 60,
			Injection: InjectionConfig{
				Position: "before_prompt",
				Depth:    0,
				Role:     "system",
				Header:   "Summary of earlier conversation:",
			},
		},
		Memory: MemoryConfig{
			Enabled:        false,
			DatabasePath:   filepath.Join(defaultDataDir, "memory.db"),
			MinMessages:    20,
			QueryMessages:  3,
			Limit:          5,
			ScoreThreshold: 0.5,
			MaxTokensRatio: 0.1,
			TimeoutSeconds: 15,
			Embedding: EmbeddingConfig{
				Endpoint:       "http://127.0.0.1:11434",
				BatchSize:      16,
				TimeoutSeconds: 15,
			},
			Injection: InjectionConfig{
				Position: "in_chat",
				Depth:    2,
				Role:     "system",
				Header:   "Relevant earlier context:",
			},
		},
		Profiles: map[string]ProfileConfig{},
		Debug: DebugConfig{
			LogLevel:     "info",
			LogRequests:  false,
			LogResponses: false,
			LogDirectory: filepath.Join(defaultDataDir, "debug"),
		},
	}
}

func DefaultBudget() BudgetConfig {
	return BudgetConfig{
		TargetTokens:         8000,
		BatchSize:            20,
		MinMessagesToKeep:    10,
		RetractWhenUnder:     true,
		RetractHeadroom:      0.9,
		RoleOverheadTokens:   4,
		SeparatorTokens:      1,
		NonChatFallbackRatio: 0.15,
		MinSummaryChars:      40,
	}
}

func DefaultCalibration() CalibrationConfig {
	return CalibrationConfig{
		AdaptiveTarget:      false,
		TargetUtilization:   0.8,
		StartFraction:       0.5,
		BaseTolerance:       0.05,
		VolatilityScale:     2.0,
		MaxTolerance:        0.15,
		TrainingGenerations: 2,
		StableThreshold:     5,
		DestabilizeFactor:   1.5,
		Damping:             0.7,
		MinTargetRatio:      0.3,
		MaxTargetRatio:      0.95,
		HysteresisRatio:     0.05,
		BaseSmoothing:       0.15,
		MaxSmoothing:        0.4,
		DeletionTolerance:   3,
		MemoryHistorySize:   10,
	}
}

func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return config, err
			}

			configData, err := toml.Marshal(config)
			if err != nil {
				return config, err
			}

			if err := os.WriteFile(path, configData, 0o644); err != nil {
				return config, err
			}

			return config, nil
		}

		return config, err
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		return config, err
	}

	config.DataDir = expandPath(config.DataDir)
	config.Memory.DatabasePath = expandPath(config.Memory.DatabasePath)
	config.Debug.LogDirectory = expandPath(config.Debug.LogDirectory)
	config.Endpoint = strings.TrimSpace(config.Endpoint)
	config.Bind = strings.TrimSpace(config.Bind)

	if config.Bind == "" {
		config.Bind = "127.0.0.1:50061"
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.ContextSize < 0 {
		errs = append(errs, fmt.Errorf("context_size must be >= 0, got %d", c.ContextSize))
	}

	errs = append(errs, c.Budget.validate()...)
	errs = append(errs, c.Calibration.validate()...)

	if c.Summary.MaxWords <= 0 {
		errs = append(errs, fmt.Errorf("summary.max_words must be > 0, got %d", c.Summary.MaxWords))
	}
	if c.Summary.Profile != "" {
		if _, ok := c.Profiles[c.Summary.Profile]; !ok {
			errs = append(errs, fmt.Errorf("summary.profile %q is not defined under [profiles]", c.Summary.Profile))
		}
	}

	if c.Memory.Enabled {
		if c.Memory.Embedding.Model == "" {
			errs = append(errs, errors.New("memory.embedding.model is required when memory is enabled"))
		}
		if c.Memory.Limit <= 0 {
			errs = append(errs, fmt.Errorf("memory.limit must be > 0, got %d", c.Memory.Limit))
		}
		if c.Memory.ScoreThreshold < 0 || c.Memory.ScoreThreshold > 1 {
			errs = append(errs, fmt.Errorf("memory.score_threshold must be within [0,1], got %v", c.Memory.ScoreThreshold))
		}
		if !inUnitInterval(c.Memory.MaxTokensRatio) {
			errs = append(errs, fmt.Errorf("memory.max_tokens_ratio must be within (0,1], got %v", c.Memory.MaxTokensRatio))
		}
	}

	return errors.Join(errs...)
}

func (b BudgetConfig) Validate() error {
	return errors.Join(b.validate()...)
}

func (b BudgetConfig) validate() []error {
	var errs []error

	if b.TargetTokens <= 0 {
		errs = append(errs, fmt.Errorf("budget.target_tokens must be > 0, got %d", b.TargetTokens))
	}
	if b.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("budget.batch_size must be >= 1, got %d", b.BatchSize))
	}
	if b.MinMessagesToKeep < 0 {
		errs = append(errs, fmt.Errorf("budget.min_messages_to_keep must be >= 0, got %d", b.MinMessagesToKeep))
	}
	if !inUnitInterval(b.RetractHeadroom) {
		errs = append(errs, fmt.Errorf("budget.retract_headroom must be within (0,1], got %v", b.RetractHeadroom))
	}
	if !inUnitInterval(b.NonChatFallbackRatio) {
		errs = append(errs, fmt.Errorf("budget.non_chat_fallback_ratio must be within (0,1], got %v", b.NonChatFallbackRatio))
	}

	return errs
}

func (c CalibrationConfig) Validate() error {
	return errors.Join(c.validate()...)
}

func (c CalibrationConfig) validate() []error {
	var errs []error

	if !inUnitInterval(c.TargetUtilization) {
		errs = append(errs, fmt.Errorf("calibration.target_utilization must be within (0,1], got %v", c.TargetUtilization))
	}
	if !inUnitInterval(c.StartFraction) {
		errs = append(errs, fmt.Errorf("calibration.start_fraction must be within (0,1], got %v", c.StartFraction))
	}
	if c.BaseTolerance <= 0 || c.BaseTolerance > c.MaxTolerance {
		errs = append(errs, fmt.Errorf("calibration.base_tolerance must be within (0,max_tolerance], got %v", c.BaseTolerance))
	}
	if c.TrainingGenerations < 1 {
		errs = append(errs, fmt.Errorf("calibration.training_generations must be >= 1, got %d", c.TrainingGenerations))
	}
	if c.StableThreshold < 1 {
		errs = append(errs, fmt.Errorf("calibration.stable_threshold must be >= 1, got %d", c.StableThreshold))
	}
	if c.Damping <= 0 || c.Damping > 1 {
		errs = append(errs, fmt.Errorf("calibration.damping must be within (0,1], got %v", c.Damping))
	}
	if c.MinTargetRatio <= 0 || c.MinTargetRatio > c.MaxTargetRatio || c.MaxTargetRatio > 1 {
		errs = append(errs, fmt.Errorf("calibration target ratios must satisfy 0 < min <= max <= 1, got [%v, %v]", c.MinTargetRatio, c.MaxTargetRatio))
	}
	if c.BaseSmoothing <= 0 || c.BaseSmoothing > c.MaxSmoothing || c.MaxSmoothing >= 1 {
		errs = append(errs, fmt.Errorf("calibration smoothing must satisfy 0 < base <= max < 1, got [%v, %v]", c.BaseSmoothing, c.MaxSmoothing))
	}
	if c.DeletionTolerance < 0 {
		errs = append(errs, fmt.Errorf("calibration.deletion_tolerance must be >= 0, got %d", c.DeletionTolerance))
	}
	if c.MemoryHistorySize < 1 {
		errs = append(errs, fmt.Errorf("calibration.memory_history_size must be >= 1, got %d", c.MemoryHistorySize))
	}

	return errs
}

func inUnitInterval(v float64) bool {
	return v > 0 && v <= 1
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".ctxbudget"
	}

	return filepath.Join(homeDir, ".ctxbudget")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
