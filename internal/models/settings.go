package models

// GenerationSettings tune the CoPilot backend for one user.
type GenerationSettings struct {
	Temperature      float32 `json:"temperature" bson:"temperature"`
	TopP             float32 `json:"topP" bson:"top_p"`
	MaxTokens        int     `json:"maxTokens" bson:"max_tokens"`
	PresencePenalty  float32 `json:"presencePenalty" bson:"presence_penalty"`
	FrequencyPenalty float32 `json:"frequencyPenalty" bson:"frequency_penalty"`
	Tone             string  `json:"tone" bson:"tone"`
	ShowReasoning    bool    `json:"showReasoning" bson:"show_reasoning"`
}

// DefaultGenerationSettings apply when a user has no stored record.
func DefaultGenerationSettings() GenerationSettings {
	return GenerationSettings{
		Temperature:      0.7,
		TopP:             1,
		MaxTokens:        1200,
		PresencePenalty:  0,
		FrequencyPenalty: 0,
		Tone:             "friendly instructor",
		ShowReasoning:    true,
	}
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	TopP             *float32 `json:"topP,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	PresencePenalty  *float32 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequencyPenalty,omitempty"`
	Tone             *string  `json:"tone,omitempty"`
	ShowReasoning    *bool    `json:"showReasoning,omitempty"`
}

// Apply merges the patch over s and returns the result.
func (p SettingsPatch) Apply(s GenerationSettings) GenerationSettings {
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		s.TopP = *p.TopP
	}
	if p.MaxTokens != nil {
		s.MaxTokens = *p.MaxTokens
	}
	if p.PresencePenalty != nil {
		s.PresencePenalty = *p.PresencePenalty
	}
	if p.FrequencyPenalty != nil {
		s.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.Tone != nil {
		s.Tone = *p.Tone
	}
	if p.ShowReasoning != nil {
		s.ShowReasoning = *p.ShowReasoning
	}
	return s
}
