package sound

import (
	"context"
	"fmt"
	"time"
)

// Clip is a rendered, playable cue.
type Clip struct {
	SoundID     string
	ContentType string
	Data        []byte
	Duration    time.Duration
}

// Source produces a clip for one sound.
type Source interface {
	ID() string
	Render(ctx context.Context) (Clip, error)
}

type synthSource struct {
	profile Profile
}

// NewSynthSource renders a profile procedurally.
func NewSynthSource(profile Profile) Source {
	return synthSource{profile: profile}
}

func (s synthSource) ID() string {
	return s.profile.ID
}

func (s synthSource) Render(context.Context) (Clip, error) {
	samples, err := Synthesize(s.profile)
	if err != nil {
		return Clip{}, fmt.Errorf("sound: synthesize %s: %w", s.profile.ID, err)
	}
	return Clip{
		SoundID:     s.profile.ID,
		ContentType: wavContentType,
		Data:        EncodeWAV(samples),
		Duration:    s.profile.Duration(),
	}, nil
}

type fileSource struct {
	sound CustomSound
}

// NewFileSource plays an uploaded sound as stored.
func NewFileSource(sound CustomSound) Source {
	return fileSource{sound: sound}
}

func (s fileSource) ID() string {
	return s.sound.ID
}

func (s fileSource) Render(context.Context) (Clip, error) {
	if len(s.sound.Data) == 0 {
		return Clip{}, fmt.Errorf("sound: custom sound %s has no data", s.sound.ID)
	}
	return Clip{
		SoundID:     s.sound.ID,
		ContentType: s.sound.ContentType,
		Data:        s.sound.Data,
	}, nil
}
