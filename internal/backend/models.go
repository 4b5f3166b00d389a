package backend

import (
	"fmt"
	"time"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

type Language string

const (
	LanguageEnglish   Language = "english"
	LanguageSpanish   Language = "spanish"
	LanguageIndonesia Language = "indonesia"
)

func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageSpanish, LanguageIndonesia:
		return true
	}
	return false
}

type User struct {
	ID          int64        `json:"id"`
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	Preferences *Preferences `json:"preferences,omitempty"` // Embedded snapshot, may be absent
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the embedded snapshot.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Preferences = u.Preferences.Clone()
	return &c
}

type Preferences struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Theme         Theme     `json:"theme"`
	Language      Language  `json:"language"`
	Notifications bool      `json:"notifications"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Preferences) Clone() *Preferences {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Validate rejects snapshots that are not fully populated.
func (p *Preferences) Validate() error {
	if p == nil {
		return &ValidationError{Field: "preferences", Reason: "missing"}
	}
	if !p.Theme.Valid() {
		return &ValidationError{Field: "theme", Reason: fmt.Sprintf("unknown theme %q", p.Theme)}
	}
	if !p.Language.Valid() {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("unknown language %q", p.Language)}
	}
	return nil
}

// PreferencesPatch carries the subset of mutable fields to send. Nil fields are omitted from the request body.
type PreferencesPatch struct {
	Theme         *Theme    `json:"theme,omitempty"`
	Language      *Language `json:"language,omitempty"`
	Notifications *bool     `json:"notifications,omitempty"`
}

func (p PreferencesPatch) IsEmpty() bool {
	return p.Theme == nil && p.Language == nil && p.Notifications == nil
}

func (p PreferencesPatch) Validate() error {
	if p.IsEmpty() {
		return &ValidationError{Field: "preferences", Reason: "at least one field is required"}
	}
	if p.Theme != nil && !p.Theme.Valid() {
		return &ValidationError{Field: "theme", Reason: fmt.Sprintf("unknown theme %q", *p.Theme)}
	}
	if p.Language != nil && !p.Language.Valid() {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("unknown language %q", *p.Language)}
	}
	return nil
}

// DiffPreferences returns a patch holding only the mutable fields of desired that differ from current.
// A nil current yields a patch with every field set.
func DiffPreferences(current *Preferences, desired Preferences) PreferencesPatch {
	var patch PreferencesPatch
	if current == nil || current.Theme != desired.Theme {
		theme := desired.Theme
		patch.Theme = &theme
	}
	if current == nil || current.Language != desired.Language {
		language := desired.Language
		patch.Language = &language
	}
	if current == nil || current.Notifications != desired.Notifications {
		notifications := desired.Notifications
		patch.Notifications = &notifications
	}
	return patch
}

// Action is the tag the assistant endpoint attaches when it changed a preference category.
type Action string

const (
	ActionThemeUpdated         Action = "theme_updated"
	ActionLanguageUpdated      Action = "language_updated"
	ActionNotificationsUpdated Action = "notifications_updated"
)

// MutatesPreferences reports whether the tag names a preference mutation.
func (a Action) MutatesPreferences() bool {
	switch a {
	case ActionThemeUpdated, ActionLanguageUpdated, ActionNotificationsUpdated:
		return true
	}
	return false
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

type PreferencesResponse struct {
	Preferences *Preferences `json:"preferences"`
}

type AssistantRequest struct {
	Message string `json:"message"`
}

type AssistantResponse struct {
	Message     string       `json:"message"`
	Action      Action       `json:"action,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}
