// Package validator decides which score submissions may compete on a chart.
// It performs no I/O.
package validator

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// nicknamePattern allows ASCII letters, digits, underscore and Hangul syllables
var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9_\x{AC00}-\x{D7A3}]+$`)

// defaultMaxCombo applies when Config.MaxCombo is unset
const defaultMaxCombo = 100_000

// clientAt must fall within [1970-01-01, 9999-12-31] in epoch milliseconds
var maxClientAtMillis = float64(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).UnixMilli())

// Config holds the rules a Validator enforces
type Config struct {
	MinNicknameLength int
	MaxNicknameLength int
	MaxScore          int64
	MaxCombo          int64
	BannedWords       []string
}

// ConfigFrom builds validator rules from the application configuration
func ConfigFrom(cfg *config.ValidationConfig) Config {
	return Config{
		MinNicknameLength: cfg.MinNicknameLength,
		MaxNicknameLength: cfg.MaxNicknameLength,
		MaxScore:          cfg.MaxScore,
		MaxCombo:          cfg.MaxCombo,
		BannedWords:       cfg.BannedWords,
	}
}

// Validator checks raw submissions against format, range and content rules
type Validator struct {
	cfg    Config
	banned []string
}

// New creates a Validator. Banned words are matched case-insensitively.
func New(cfg Config) *Validator {
	banned := make([]string, 0, len(cfg.BannedWords))
	for _, w := range cfg.BannedWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			banned = append(banned, w)
		}
	}
	if cfg.MaxCombo <= 0 {
		cfg.MaxCombo = defaultMaxCombo
	}
	return &Validator{cfg: cfg, banned: banned}
}

// Validate checks a raw submission in a fixed order and returns the first
// violated rule as a *domain.ValidationError.
func (v *Validator) Validate(raw domain.RawSubmission) (*domain.Candidate, error) {
	nickname, err := v.checkNickname(raw.Nickname)
	if err != nil {
		return nil, err
	}

	chartID, ok := raw.ChartID.(string)
	if !ok || chartID == "" {
		return nil, domain.NewValidationError(domain.RuleChartID, "chartId is required")
	}

	score, ok := toNumber(raw.Score)
	if !ok {
		return nil, domain.NewValidationError(domain.RuleScore, "score must be a number")
	}
	if score != math.Trunc(score) || score <= 0 || score > float64(v.cfg.MaxScore) {
		return nil, domain.NewValidationError(domain.RuleScore,
			"score must be an integer between 1 and %d", v.cfg.MaxScore)
	}

	accuracy, ok := toNumber(raw.Accuracy)
	if !ok || accuracy < 0 || accuracy > 100 {
		return nil, domain.NewValidationError(domain.RuleAccuracy, "accuracy must be a number between 0 and 100")
	}

	maxCombo, ok := toNumber(raw.MaxCombo)
	if !ok || maxCombo != math.Trunc(maxCombo) || maxCombo < 0 || maxCombo > float64(v.cfg.MaxCombo) {
		return nil, domain.NewValidationError(domain.RuleMaxCombo,
			"maxCombo must be an integer between 0 and %d", v.cfg.MaxCombo)
	}

	candidate := &domain.Candidate{
		Nickname: nickname,
		ChartID:  chartID,
		Score:    int64(score),
		Accuracy: accuracy,
		MaxCombo: int64(maxCombo),
	}

	if raw.ClientAt != nil {
		millis, ok := toNumber(raw.ClientAt)
		if !ok || millis != math.Trunc(millis) || millis <= 0 || millis > maxClientAtMillis {
			return nil, domain.NewValidationError(domain.RuleClientAt, "clientAt must be epoch milliseconds")
		}
		at := time.UnixMilli(int64(millis))
		candidate.ClientAt = &at
	}

	return candidate, nil
}

func (v *Validator) checkNickname(value any) (string, error) {
	nickname, ok := value.(string)
	if !ok {
		return "", domain.NewValidationError(domain.RuleNicknameLength, "nickname is required")
	}

	n := utf8.RuneCountInString(nickname)
	if n < v.cfg.MinNicknameLength || n > v.cfg.MaxNicknameLength {
		return "", domain.NewValidationError(domain.RuleNicknameLength,
			"nickname must be %d-%d characters", v.cfg.MinNicknameLength, v.cfg.MaxNicknameLength)
	}

	if !nicknamePattern.MatchString(nickname) {
		return "", domain.NewValidationError(domain.RuleNicknameCharset,
			"nickname may only contain letters, digits, underscore and Hangul")
	}

	lower := strings.ToLower(nickname)
	for _, word := range v.banned {
		if strings.Contains(lower, word) {
			return "", domain.NewValidationError(domain.RuleNicknameBanned, "nickname contains a banned word")
		}
	}

	return nickname, nil
}

// toNumber accepts the numeric types produced by JSON decoding and by Go callers
func toNumber(value any) (float64, bool) {
	var f float64
	switch n := value.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
