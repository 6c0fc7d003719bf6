package aar

import (
	"bytes"
	"encoding/json"
	"fmt"

	"tabletop/internal/audit"
	"tabletop/internal/domain"
)

// Compose deterministically folds a session and its audit trail into
// report content. The trail is the sole source of truth: every ledger
// entry becomes exactly one timeline row. Category scores are external
// facilitator input.
func Compose(sess domain.Session, trail []domain.AuditEvent, categoryScores map[string]float64, findings []string) domain.AARContent {
	view := audit.AARView(trail)
	timeline := make([]domain.TimelineEntry, len(view))
	decisions, deliveries, milestones := 0, 0, 0
	for i, e := range view {
		timeline[i] = domain.TimelineEntry{
			Timestamp: e.Timestamp,
			Type:      e.Type,
			Actor:     e.Actor,
			Summary:   summarize(e),
			Metadata:  e.Metadata,
		}
		switch e.Type {
		case domain.AuditParticipantDecision:
			decisions++
		case domain.AuditInjectDelivery:
			deliveries++
		case domain.AuditMilestone:
			milestones++
		}
	}

	content := domain.AARContent{
		SessionID:      sess.ID,
		ScenarioID:     sess.ScenarioID,
		TenantID:       sess.TenantID,
		Status:         sess.Status,
		Participants:   sess.Participants,
		Timeline:       timeline,
		Scores:         sess.Scores,
		CategoryScores: categoryScores,
		Findings:       findings,
		DecisionCount:  decisions,
		DeliveredCount: deliveries,
		MilestoneCount: milestones,
	}
	if sess.StartedAt != nil {
		content.StartedAt = *sess.StartedAt
	}
	if sess.EndedAt != nil {
		content.EndedAt = *sess.EndedAt
	}
	return content
}

func summarize(e domain.AuditEvent) string {
	switch e.Type {
	case domain.AuditInjectDelivery:
		if id, ok := e.Metadata["inject_id"].(string); ok {
			return fmt.Sprintf("inject %s delivered", id)
		}
		return "inject delivered"
	case domain.AuditParticipantDecision:
		if action, ok := e.Metadata["action"].(string); ok {
			return fmt.Sprintf("%s decided: %s", e.Actor, action)
		}
		return fmt.Sprintf("%s recorded a decision", e.Actor)
	case domain.AuditFacilitatorAction:
		if action, ok := e.Metadata["action"].(string); ok {
			return fmt.Sprintf("facilitator %s: %s", e.Actor, action)
		}
		return fmt.Sprintf("facilitator action by %s", e.Actor)
	case domain.AuditMilestone:
		if name, ok := e.Metadata["milestone"].(string); ok {
			return name
		}
		return "milestone"
	}
	return string(e.Type)
}

// Canonical renders report content as deterministic bytes for hashing:
// struct fields in declaration order, map keys sorted, no volatile
// fields, no HTML escaping.
func Canonical(content domain.AARContent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(content); err != nil {
		return nil, fmt.Errorf("canonicalize aar content: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
