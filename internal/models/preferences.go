// internal/models/preferences.go
package models

const (
	DefaultLanguage  = "en"
	DefaultTextModel = "gpt-4"
)

type NotificationSettings struct {
	Reminders bool `json:"reminders"`
	Mentions  bool `json:"mentions"`
	DMs       bool `json:"dms"`
}

type UserPreferences struct {
	Language             string               `json:"language"`
	TextModel            string               `json:"textModel"`
	AutoJoinVoice        bool                 `json:"autoJoinVoice"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`
}

// DefaultPreferences are applied to users with no stored preferences.
func DefaultPreferences() UserPreferences {
	return UserPreferences{
		Language:      DefaultLanguage,
		TextModel:     DefaultTextModel,
		AutoJoinVoice: true,
		NotificationSettings: NotificationSettings{
			Reminders: true,
			Mentions:  true,
			DMs:       true,
		},
	}
}

// PreferencesUpdate is a partial update; nil fields are left unchanged.
type PreferencesUpdate struct {
	Language      *string `json:"language,omitempty"`
	TextModel     *string `json:"textModel,omitempty"`
	AutoJoinVoice *bool   `json:"autoJoinVoice,omitempty"`
	Reminders     *bool   `json:"reminders,omitempty"`
	Mentions      *bool   `json:"mentions,omitempty"`
	DMs           *bool   `json:"dms,omitempty"`
}

func (u PreferencesUpdate) Empty() bool {
	return u.Language == nil && u.TextModel == nil && u.AutoJoinVoice == nil &&
		u.Reminders == nil && u.Mentions == nil && u.DMs == nil
}

// Apply merges the update onto p and returns the result.
func (u PreferencesUpdate) Apply(p UserPreferences) UserPreferences {
	if u.Language != nil {
		p.Language = *u.Language
	}
	if u.TextModel != nil {
		p.TextModel = *u.TextModel
	}
	if u.AutoJoinVoice != nil {
		p.AutoJoinVoice = *u.AutoJoinVoice
	}
	if u.Reminders != nil {
		p.NotificationSettings.Reminders = *u.Reminders
	}
	if u.Mentions != nil {
		p.NotificationSettings.Mentions = *u.Mentions
	}
	if u.DMs != nil {
		p.NotificationSettings.DMs = *u.DMs
	}
	return p
}
