// Package settings keeps each user's generation preferences.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wuwenbin0122/copilot/internal/models"
)

const maxToneLength = 64

var (
	ErrUserRequired    = errors.New("settings: user id is required")
	ErrInvalidSettings = errors.New("settings: invalid value")
)

// Store persists settings per user. Get reports found=false for users
// without a record.
type Store interface {
	GetSettings(ctx context.Context, userID string) (models.GenerationSettings, bool, error)
	PutSettings(ctx context.Context, userID string, s models.GenerationSettings) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns the stored settings, or the defaults when none exist.
func (s *Service) Get(ctx context.Context, userID string) (models.GenerationSettings, error) {
	if strings.TrimSpace(userID) == "" {
		return models.GenerationSettings{}, ErrUserRequired
	}
	stored, found, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return models.GenerationSettings{}, fmt.Errorf("settings: load: %w", err)
	}
	if !found {
		return models.DefaultGenerationSettings(), nil
	}
	return stored, nil
}

// Update merges patch over the current settings. Fields absent from the
// patch keep their previous values.
func (s *Service) Update(ctx context.Context, userID string, patch models.SettingsPatch) (models.GenerationSettings, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return models.GenerationSettings{}, err
	}

	next := patch.Apply(current)
	next.Tone = strings.TrimSpace(next.Tone)
	if err := Validate(next); err != nil {
		return models.GenerationSettings{}, err
	}

	if err := s.store.PutSettings(ctx, userID, next); err != nil {
		return models.GenerationSettings{}, fmt.Errorf("settings: save: %w", err)
	}
	return next, nil
}

func Validate(s models.GenerationSettings) error {
	switch {
	case s.Temperature < 0 || s.Temperature > 2:
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidSettings)
	case s.TopP <= 0 || s.TopP > 1:
		return fmt.Errorf("%w: topP must be within (0, 1]", ErrInvalidSettings)
	case s.MaxTokens < 1 || s.MaxTokens > 8192:
		return fmt.Errorf("%w: maxTokens must be within [1, 8192]", ErrInvalidSettings)
	case s.PresencePenalty < -2 || s.PresencePenalty > 2:
		return fmt.Errorf("%w: presencePenalty must be within [-2, 2]", ErrInvalidSettings)
	case s.FrequencyPenalty < -2 || s.FrequencyPenalty > 2:
		return fmt.Errorf("%w: frequencyPenalty must be within [-2, 2]", ErrInvalidSettings)
	case utf8.RuneCountInString(s.Tone) > maxToneLength:
		return fmt.Errorf("%w: tone is longer than %d characters", ErrInvalidSettings, maxToneLength)
	}
	return nil
}
