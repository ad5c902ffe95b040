package vaultlib

import (
	"context"
	"strings"
	"time"
)

// StudyHistory is what the backup history knows about one study.
type StudyHistory struct {
	LastBackup       time.Time
	BackupCount      int
	PreviouslyFailed bool
}

// Classification is a classifier verdict for one study.
type Classification struct {
	Score    float64
	Protect  bool
	Priority Priority
}

// Classifier scores studies for smart backups.
type Classifier interface {
	Classify(ctx context.Context, study *Study, hist StudyHistory) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, study *Study, hist StudyHistory) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, study *Study, hist StudyHistory) (Classification, error) {
	return f(ctx, study, hist)
}

// DefaultModalityWeights rates how costly it is to lose a study of each
// modality. Cross-sectional imaging is hardest to reacquire.
var DefaultModalityWeights = map[string]float64{
	"CT": 0.8,
	"MR": 0.8,
	"PT": 0.8,
	"NM": 0.6,
	"XA": 0.6,
	"US": 0.5,
	"MG": 0.7,
	"CR": 0.4,
	"DX": 0.4,
	"OT": 0.2,
}

// RuleClassifier is a rule-table classifier: modality weight plus recency
// and failure bonuses.
type RuleClassifier struct {
	Weights       map[string]float64
	DefaultWeight float64
	// Threshold is the minimum score of a changed study to be protected.
	Threshold float64
	Now       func() time.Time
}

// NewRuleClassifier returns a classifier with the default rule table.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		Weights:       DefaultModalityWeights,
		DefaultWeight: 0.5,
		Threshold:     0.5,
		Now:           time.Now,
	}
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(_ context.Context, study *Study, hist StudyHistory) (Classification, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	w, ok := c.Weights[strings.ToUpper(study.Modality)]
	if !ok {
		w = c.DefaultWeight
	}
	score := w
	age := now().Sub(study.LastChange())
	switch {
	case age <= 7*24*time.Hour:
		score += 0.3
	case age <= 30*24*time.Hour:
		score += 0.1
	}
	if hist.PreviouslyFailed {
		score += 0.5
	}

	changed := hist.LastBackup.IsZero() || study.LastChange().After(hist.LastBackup)
	res := Classification{
		Score:    score,
		Protect:  hist.PreviouslyFailed || (changed && score >= c.Threshold),
		Priority: PriorityForScore(score),
	}
	return res, nil
}

// PriorityForScore maps a classifier score to a queue priority.
func PriorityForScore(score float64) Priority {
	switch {
	case score >= 1.5:
		return PriorityUrgent
	case score >= 1.0:
		return PriorityHigh
	case score >= 0.4:
		return PriorityNormal
	}
	return PriorityLow
}
