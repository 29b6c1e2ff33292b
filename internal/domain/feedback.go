package domain

import "time"

// Decision is an analyst's verdict on a scored transaction.
type Decision string

const (
	DecisionConfirmedFraud     Decision = "confirmed_fraud"
	DecisionFalsePositive      Decision = "false_positive"
	DecisionNeedsInvestigation Decision = "needs_investigation"
	DecisionLegitimate         Decision = "legitimate"
)

// Decisions lists the closed set of accepted decisions.
func Decisions() []Decision {
	return []Decision{
		DecisionConfirmedFraud,
		DecisionFalsePositive,
		DecisionNeedsInvestigation,
		DecisionLegitimate,
	}
}

// ParseDecision returns an *InvalidDecisionError for values outside the set.
func ParseDecision(s string) (Decision, error) {
	for _, d := range Decisions() {
		if string(d) == s {
			return d, nil
		}
	}
	return "", &InvalidDecisionError{Decision: s}
}

// Feedback is one analyst review of a transaction within an execution.
// Entries are never updated; re-reviews append new entries.
type Feedback struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	ExecutionID   string    `json:"executionId"`
	TransactionID string    `json:"transactionId"`
	Reviewer      string    `json:"reviewer"`
	Decision      Decision  `json:"decision"`
	Notes         string    `json:"notes"`
	ReviewedAt    time.Time `json:"reviewedAt"`
}

// DecisionSummary is the per-decision breakdown for one execution.
type DecisionSummary struct {
	ExecutionID       string           `json:"executionId"`
	Counts            map[Decision]int `json:"counts"`
	Total             int              `json:"total"`
	FalsePositiveRate float64          `json:"falsePositiveRate"`
}
