// ABOUTME: Per-user rendering preferences kept in the shared kv store
// ABOUTME: Read by the dispatcher, written by the operator surface

package userpref

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/seance-gateway/internal/kv"
)

// OutputMode selects how the out-of-scope renderer should present replies.
type OutputMode string

const (
	ModeText  OutputMode = "text"
	ModeImage OutputMode = "image"
	ModeAudio OutputMode = "audio"
)

// ErrInvalidMode is returned when setting an unrecognized output mode.
var ErrInvalidMode = errors.New("invalid output mode")

// Preference is one user's rendering settings. Zero value means all defaults.
type Preference struct {
	OutputMode OutputMode `json:"output_mode,omitempty"`
	// VoiceRole names the TTS voice used when OutputMode is audio.
	VoiceRole string `json:"voice_role,omitempty"`
	// Suggestions toggles whether follow-up suggestions are passed through.
	Suggestions bool `json:"suggestions,omitempty"`
}

// Store reads and writes preferences.
type Store struct {
	store kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{store: store}
}

func prefKey(userID string) string {
	return "seance:user:" + userID
}

// Load returns the user's preferences, defaults when none are stored.
func (s *Store) Load(ctx context.Context, userID string) (*Preference, error) {
	raw, err := s.store.Get(ctx, prefKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return &Preference{OutputMode: ModeText, Suggestions: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	var pref Preference
	if err := json.Unmarshal([]byte(raw), &pref); err != nil {
		return nil, fmt.Errorf("decoding preferences: %w", err)
	}
	if pref.OutputMode == "" {
		pref.OutputMode = ModeText
	}
	return &pref, nil
}

// Save persists the user's preferences. No TTL: preferences outlive
// conversations.
func (s *Store) Save(ctx context.Context, userID string, pref *Preference) error {
	switch pref.OutputMode {
	case "", ModeText, ModeImage, ModeAudio:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, pref.OutputMode)
	}
	data, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := s.store.Set(ctx, prefKey(userID), string(data), 0); err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}
