package reliability

import (
	"errors"
	"net"
	"strings"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// Category classifies an error's persistence.
type Category string

const (
	CategoryTransient   Category = "TRANSIENT"
	CategoryPermanent   Category = "PERMANENT"
	CategoryRecoverable Category = "RECOVERABLE"
	CategoryFatal       Category = "FATAL"
)

// Strategy is the recommended recovery action.
type Strategy string

const (
	StrategyRetry    Strategy = "RETRY"
	StrategyFallback Strategy = "FALLBACK"
	StrategyDegrade  Strategy = "DEGRADE"
	StrategyFailFast Strategy = "FAIL_FAST"
	StrategyEscalate Strategy = "ESCALATE"
)

// Severity grades an error's impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Classification is the verdict for one error.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Classification struct {
	Rule     string         `json:"rule"`
	Category Category       `json:"category"`
	Severity Severity       `json:"severity"`
	Strategy Strategy       `json:"strategy"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Retryable reports whether the reliability layer should attempt again.
func (c Classification) Retryable() bool {
	return c.Category == CategoryTransient || c.Strategy == StrategyRetry
}

// ErrorInfo is the view of an error a rule predicate sees.
type ErrorInfo struct {
	Err        error
	Code       contracts.ErrorCode
	StatusCode int
	Message    string
}

// Rule maps a predicate to a classification. Evaluation is first-match
// in declaration order.
type Rule struct {
	Name    string
	Match   func(ErrorInfo) bool
	Verdict Classification
}

// Classifier evaluates rules against errors. The rule list is immutable
// after construction; the hot path takes no locks.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier; with no rules given, the default
// rule set applies.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// unmatched is the fallback verdict.
var unmatched = Classification{
	Rule:     "default",
	Category: CategoryPermanent,
	Severity: SeverityMedium,
	Strategy: StrategyFailFast,
}

// Classify runs the rules over err. statusCode carries an associated
// HTTP status when the caller knows one; zero means none.
func (c *Classifier) Classify(err error, statusCode int) Classification {
	if err == nil {
		return Classification{Rule: "nil", Category: CategoryTransient, Severity: SeverityLow, Strategy: StrategyRetry}
	}
	info := ErrorInfo{
		Err:        err,
		Code:       contracts.CodeOf(err),
		StatusCode: statusCode,
		Message:    strings.ToLower(err.Error()),
	}
	for _, r := range c.rules {
		if r.Match(info) {
			v := r.Verdict
			v.Rule = r.Name
			return v
		}
	}
	return unmatched
}

func messageContains(fragments ...string) func(ErrorInfo) bool {
	return func(info ErrorInfo) bool {
		for _, f := range fragments {
			if strings.Contains(info.Message, f) {
				return true
			}
		}
		return false
	}
}

func statusIs(codes ...int) func(ErrorInfo) bool {
	return func(info ErrorInfo) bool {
		for _, c := range codes {
			if info.StatusCode == c {
				return true
			}
		}
		return false
	}
}

func anyOf(preds ...func(ErrorInfo) bool) func(ErrorInfo) bool {
	return func(info ErrorInfo) bool {
		for _, p := range preds {
			if p(info) {
				return true
			}
		}
		return false
	}
}

func isNetTimeout(info ErrorInfo) bool {
	var ne net.Error
	return errors.As(info.Err, &ne) && ne.Timeout()
}

// DefaultRules is the baseline rule set, ordered most-specific first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "network-timeout",
			Match: anyOf(
				isNetTimeout,
				func(info ErrorInfo) bool { return info.Code == contracts.ErrTimeout },
				messageContains("etimedout", "timed out", "timeout"),
			),
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityMedium, Strategy: StrategyRetry},
		},
		{
			Name:    "connection-reset",
			Match:   messageContains("econnreset", "connection reset", "broken pipe", "connection refused"),
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityMedium, Strategy: StrategyRetry},
		},
		{
			Name:    "rate-limit",
			Match:   anyOf(statusIs(429), messageContains("rate limit", "too many requests")),
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityLow, Strategy: StrategyRetry},
		},
		{
			Name:    "circuit-open",
			Match:   messageContains("circuit open", "circuit breaker"),
			Verdict: Classification{Category: CategoryRecoverable, Severity: SeverityMedium, Strategy: StrategyFallback},
		},
		{
			Name:    "service-unavailable",
			Match:   anyOf(statusIs(503), messageContains("service unavailable")),
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityHigh, Strategy: StrategyDegrade},
		},
		{
			Name: "server-error",
			Match: func(info ErrorInfo) bool {
				return info.StatusCode >= 500 && info.StatusCode <= 599
			},
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityMedium, Strategy: StrategyRetry},
		},
		{
			Name:    "authentication",
			Match:   anyOf(statusIs(401), messageContains("unauthenticated", "invalid credentials")),
			Verdict: Classification{Category: CategoryPermanent, Severity: SeverityHigh, Strategy: StrategyEscalate},
		},
		{
			Name:    "authorization",
			Match:   anyOf(statusIs(403), messageContains("forbidden", "permission denied")),
			Verdict: Classification{Category: CategoryPermanent, Severity: SeverityHigh, Strategy: StrategyEscalate},
		},
		{
			Name:    "validation",
			Match:   anyOf(statusIs(400), func(info ErrorInfo) bool { return info.Code == contracts.ErrSchemaInvalid }),
			Verdict: Classification{Category: CategoryPermanent, Severity: SeverityLow, Strategy: StrategyFailFast},
		},
		{
			Name:    "not-found",
			Match:   anyOf(statusIs(404), messageContains("not found")),
			Verdict: Classification{Category: CategoryPermanent, Severity: SeverityLow, Strategy: StrategyFailFast},
		},
		{
			Name:    "out-of-memory",
			Match:   messageContains("out of memory", "oom"),
			Verdict: Classification{Category: CategoryFatal, Severity: SeverityCritical, Strategy: StrategyEscalate},
		},
		{
			Name:    "database-deadlock",
			Match:   messageContains("deadlock"),
			Verdict: Classification{Category: CategoryTransient, Severity: SeverityMedium, Strategy: StrategyRetry},
		},
	}
}
