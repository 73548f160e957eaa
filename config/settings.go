package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/coverage-audit/coverage"
)

// =============================================================================
// AUTO TICKETING
// =============================================================================

// AutoTicketing controls what happens to findings after analysis.
type AutoTicketing string

const (
	// TicketManual never drafts or files automatically.
	TicketManual AutoTicketing = "manual"
	// TicketAnalysis drafts automatically; the operator files it.
	TicketAnalysis AutoTicketing = "analysis"
	// TicketPrefill drafts and submits the ticket form automatically.
	TicketPrefill AutoTicketing = "prefill"
)

func (a AutoTicketing) Valid() bool {
	switch a {
	case TicketManual, TicketAnalysis, TicketPrefill:
		return true
	}
	return false
}

// =============================================================================
// LIMIT - int or "unlimited"
// =============================================================================

// Limit caps a count. The zero value is unlimited.
type Limit struct {
	N         int
	Unlimited bool
}

// Unlimited is a Limit that caps nothing.
func Unlimited() Limit { return Limit{Unlimited: true} }

// ParseLimit accepts a non-negative integer or "unlimited".
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unlimited") {
		return Unlimited(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Limit{}, fmt.Errorf("limit must be a non-negative integer or \"unlimited\", got %q", s)
	}
	return Limit{N: n}, nil
}

// IsUnlimited reports whether the limit caps nothing.
func (l Limit) IsUnlimited() bool { return l.Unlimited || l.N <= 0 }

// Apply returns n capped by the limit.
func (l Limit) Apply(n int) int {
	if l.IsUnlimited() || n <= l.N {
		return n
	}
	return l.N
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(l.N)
}

// Set and Type make *Limit a pflag.Value.
func (l *Limit) Set(s string) error {
	parsed, err := ParseLimit(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l *Limit) Type() string { return "limit" }

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return json.Marshal("unlimited")
	}
	return json.Marshal(l.N)
}

func (l *Limit) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		return l.Set(strconv.Itoa(n))
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("batchLimit: %w", err)
	}
	return l.Set(s)
}

func (l Limit) MarshalYAML() (any, error) {
	if l.IsUnlimited() {
		return "unlimited", nil
	}
	return l.N, nil
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	return l.Set(node.Value)
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are the options exposed in the settings panel.
type Settings struct {
	BatchLimit          Limit         `yaml:"batchLimit" json:"batchLimit"`
	LateRefundGraceDays int           `yaml:"lateRefundGraceDays" json:"lateRefundGraceDays"`
	AutoTicketing       AutoTicketing `yaml:"autoTicketing" json:"autoTicketing"`

	// DefaultChecked selects every row when a report first loads.
	DefaultChecked bool `yaml:"defaultChecked" json:"defaultChecked"`

	// AutoAnalysis runs reconciliation as soon as the grid is ready.
	AutoAnalysis bool `yaml:"autoAnalysis" json:"autoAnalysis"`

	// AutoExpand expands collapsed rows before extraction.
	AutoExpand bool `yaml:"autoExpand" json:"autoExpand"`

	// SkipIfNoNew leaves listing rows out of a batch when every order
	// on them already has a status.
	SkipIfNoNew bool `yaml:"skipIfNoNew" json:"skipIfNoNew"`

	PollIntervalMs  int `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	MaxRetries      int `yaml:"maxRetries" json:"maxRetries"`
	RetryIntervalMs int `yaml:"retryIntervalMs" json:"retryIntervalMs"`

	// DebounceMs is the quiet time after a content change before the
	// report is processed again.
	DebounceMs int `yaml:"debounceMs" json:"debounceMs"`
}

func DefaultSettings() Settings {
	return Settings{
		BatchLimit:          Unlimited(),
		LateRefundGraceDays: coverage.DefaultGraceDays,
		AutoTicketing:       TicketManual,
		DefaultChecked:      true,
		AutoAnalysis:        false,
		AutoExpand:          true,
		SkipIfNoNew:         true,
		PollIntervalMs:      100,
		MaxRetries:          15,
		RetryIntervalMs:     1000,
		DebounceMs:          300,
	}
}

// Validate checks the settings for errors.
func (s Settings) Validate() error {
	var errs []error
	if s.LateRefundGraceDays < 0 {
		errs = append(errs, fmt.Errorf("lateRefundGraceDays must not be negative, got %d", s.LateRefundGraceDays))
	}
	if !s.AutoTicketing.Valid() {
		errs = append(errs, fmt.Errorf("autoTicketing must be manual, prefill or analysis, got %q", s.AutoTicketing))
	}
	if s.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("pollIntervalMs must be positive, got %d", s.PollIntervalMs))
	}
	if s.RetryIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("retryIntervalMs must be positive, got %d", s.RetryIntervalMs))
	}
	if s.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("maxRetries must be positive, got %d", s.MaxRetries))
	}
	if s.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("debounceMs must not be negative, got %d", s.DebounceMs))
	}
	return errors.Join(errs...)
}

func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s Settings) RetryInterval() time.Duration {
	return time.Duration(s.RetryIntervalMs) * time.Millisecond
}

func (s Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// =============================================================================
// PERSISTED SETTINGS
// =============================================================================

// LoadSettings reads the settings saved in the shared store. Fields
// missing from the stored document keep their value from base.
func LoadSettings(ctx context.Context, kv coverage.Store, base Settings) (Settings, error) {
	out := base
	if _, err := coverage.GetJSON(ctx, kv, coverage.KeySettings, &out); err != nil {
		return base, err
	}
	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("stored settings: %w", err)
	}
	return out, nil
}

// SaveSettings validates and persists s.
func SaveSettings(ctx context.Context, kv coverage.Store, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return coverage.SetJSON(ctx, kv, coverage.KeySettings, s)
}
