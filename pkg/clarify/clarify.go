// SPDX-License-Identifier: Apache-2.0

// Package clarify defines the structured questions a skill may ask before it
// completes an action, and the answers that resume it.
package clarify

import (
	"fmt"
	"strings"
)

// QuestionType constrains the shape of an answer.
type QuestionType string

const (
	TypeText         QuestionType = "text"
	TypeChoice       QuestionType = "multiple_choice"
	TypeConfirmation QuestionType = "confirmation"
)

// Question is issued by a skill that needs more input.
type Question struct {
	QuestionID   string       `json:"questionId"`
	QuestionText string       `json:"questionText"`
	QuestionType QuestionType `json:"questionType"`
	Options      []string     `json:"options,omitempty"`
	Required     *bool        `json:"required,omitempty"`
}

// IsRequired reports whether the question must be answered. Questions are
// required unless they say otherwise.
func (q Question) IsRequired() bool {
	return q.Required == nil || *q.Required
}

// Answer responds to one question. Value is a string or a bool.
type Answer struct {
	QuestionID string `json:"questionId"`
	Answer     any    `json:"answer"`
}

// ValidateQuestions checks that a skill issued usable questions.
func ValidateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("clarification requires at least one question")
	}
	seen := make(map[string]bool, len(questions))
	for i, q := range questions {
		if strings.TrimSpace(q.QuestionID) == "" {
			return fmt.Errorf("question %d: questionId is required", i)
		}
		if seen[q.QuestionID] {
			return fmt.Errorf("question %s: duplicate questionId", q.QuestionID)
		}
		seen[q.QuestionID] = true
		switch q.QuestionType {
		case TypeText, TypeConfirmation:
		case TypeChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("question %s: multiple_choice requires options", q.QuestionID)
			}
		default:
			return fmt.Errorf("question %s: unknown questionType %q", q.QuestionID, q.QuestionType)
		}
	}
	return nil
}

// ValidateAnswers checks answers against the questions they respond to.
func ValidateAnswers(questions []Question, answers []Answer) error {
	byID := make(map[string]Question, len(questions))
	for _, q := range questions {
		byID[q.QuestionID] = q
	}
	answered := make(map[string]bool, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			return fmt.Errorf("answer for unknown question %q", a.QuestionID)
		}
		answered[a.QuestionID] = true
		switch q.QuestionType {
		case TypeConfirmation:
			if _, ok := a.Answer.(bool); !ok {
				return fmt.Errorf("question %s expects a boolean answer", q.QuestionID)
			}
		case TypeChoice:
			s, ok := a.Answer.(string)
			if !ok || !contains(q.Options, s) {
				return fmt.Errorf("question %s expects one of %s", q.QuestionID, strings.Join(q.Options, ", "))
			}
		default:
			if _, ok := a.Answer.(string); !ok {
				return fmt.Errorf("question %s expects a string answer", q.QuestionID)
			}
		}
	}
	for _, q := range questions {
		if q.IsRequired() && !answered[q.QuestionID] {
			return fmt.Errorf("question %s is required", q.QuestionID)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
