// Package router classifies SQL text into routing classes.
//
// Classification is a pure function of the query text: the text is
// whitespace-normalized and then matched against ordered pattern sets.
// Write patterns are checked first because sending a mutating statement
// to a replica is a correctness failure, while misrouting a read is
// only a performance problem. A statement matching both (for example
// INSERT ... SELECT) is therefore always classified as a write.
package router

import (
	"regexp"
	"strings"

	"github.com/ernijsansons/pgrouter/config"
)

// Class is the routing decision derived from query text.
type Class string

const (
	ClassRead      Class = "read"
	ClassWrite     Class = "write"
	ClassAnalytics Class = "analytics"
)

var defaultWritePatterns = []string{
	`\bINSERT\b`,
	`\bUPDATE\b`,
	`\bDELETE\b`,
	`\bCREATE\b`,
	`\bALTER\b`,
	`\bDROP\b`,
	`\bTRUNCATE\b`,
	`\bBEGIN\b`,
	`\bCOMMIT\b`,
	`\bROLLBACK\b`,
}

// Analytics patterns capture expensive, scan-heavy query shapes that
// should not compete with low-latency reads: aggregates, grouping,
// sorted-and-limited scans, recursive CTEs and multi-join queries.
var defaultAnalyticsPatterns = []string{
	`\b(COUNT|SUM|AVG|MAX|MIN)\s*\(`,
	`\bGROUP BY\b`,
	`\bORDER BY\b.*\bLIMIT\b`,
	`\bWITH\s+RECURSIVE\b`,
	`\bJOIN\b.*\bJOIN\b`,
}

// Classifier maps SQL text to a Class using ordered regex rules.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	write     []*regexp.Regexp
	analytics []*regexp.Regexp
}

// NewClassifier builds a classifier from the routing configuration.
// Empty override lists keep the built-in defaults for that class.
func NewClassifier(cfg config.RoutingConfig) (*Classifier, error) {
	writePatterns := cfg.WritePatterns
	if len(writePatterns) == 0 {
		writePatterns = defaultWritePatterns
	}
	analyticsPatterns := cfg.AnalyticsPatterns
	if len(analyticsPatterns) == 0 {
		analyticsPatterns = defaultAnalyticsPatterns
	}

	write, err := compilePatterns(writePatterns)
	if err != nil {
		return nil, err
	}
	analytics, err := compilePatterns(analyticsPatterns)
	if err != nil {
		return nil, err
	}

	return &Classifier{write: write, analytics: analytics}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize collapses runs of whitespace to single spaces and trims.
func Normalize(sql string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(sql, " "))
}

// Classify returns the routing class for the given SQL text. Write
// patterns short-circuit; analytics patterns are only consulted when no
// write pattern matches; everything else is a plain read.
func (c *Classifier) Classify(sql string) Class {
	normalized := Normalize(sql)

	for _, re := range c.write {
		if re.MatchString(normalized) {
			return ClassWrite
		}
	}
	for _, re := range c.analytics {
		if re.MatchString(normalized) {
			return ClassAnalytics
		}
	}
	return ClassRead
}
