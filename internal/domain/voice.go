package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// VoiceParticipant is one voice-session connection; a multi-tab user holds several.
type VoiceParticipant struct {
	SessionID  string `json:"session_id" validate:"required,uuid"`
	Username   string `json:"username" validate:"required,max=36"`
	IsMuted    bool   `json:"isMuted"`
	IsSpeaking bool   `json:"isSpeaking"`
}

func (p VoiceParticipant) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	return nil
}

// VoiceSettings are local audio preferences, read on every (re)join.
type VoiceSettings struct {
	MicrophoneVolume float64 `json:"microphoneVolume" mapstructure:"microphone_volume" validate:"gte=0,lte=1"`
	SpeakerVolume    float64 `json:"speakerVolume" mapstructure:"speaker_volume" validate:"gte=0,lte=1"`
	PushToTalk       bool    `json:"pushToTalk" mapstructure:"push_to_talk"`
	PushToTalkKey    string  `json:"pushToTalkKey" mapstructure:"push_to_talk_key" validate:"required_if=PushToTalk true"`
	NoiseSuppression bool    `json:"noiseSuppression" mapstructure:"noise_suppression"`
	EchoCancellation bool    `json:"echoCancellation" mapstructure:"echo_cancellation"`
}

var ErrInvalidSettings = errors.New("invalid voice settings")

var validate = validator.New(validator.WithRequiredStructEnabled())

func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		MicrophoneVolume: 1,
		SpeakerVolume:    1,
		PushToTalkKey:    "Space",
		NoiseSuppression: true,
		EchoCancellation: true,
	}
}

func (s VoiceSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}
