// Package sound produces notification cues, either synthesized from tone
// profiles or played back from uploaded files.
package sound

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

var errMissingOutput = errors.New("sound: output is required")

// Output plays rendered clips. Resume unlocks playback after a user gesture.
type Output interface {
	Resume(ctx context.Context) error
	Play(ctx context.Context, clip Clip) error
}

// Config describes the dependencies of a Generator. Library is optional.
type Config struct {
	OwnerID        string
	Output         Output
	Library        *Library
	Profiles       []Profile
	DefaultProfile string
	Enabled        bool
	Logger         *zap.Logger
}

// Generator resolves sound ids and plays them. Playback stays locked until a
// Gesture resumes the output; cues requested before it are dropped.
type Generator struct {
	ownerID        string
	output         Output
	library        *Library
	profiles       map[string]Profile
	order          []string
	defaultProfile string
	logger         *zap.Logger

	enabled  atomic.Bool
	unlocked atomic.Bool
	resuming atomic.Bool
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Output == nil {
		return nil, errMissingOutput
	}
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = BuiltinProfiles()
	}
	byID := make(map[string]Profile, len(profiles))
	order := make([]string, 0, len(profiles))
	for _, profile := range profiles {
		if _, exists := byID[profile.ID]; !exists {
			order = append(order, profile.ID)
		}
		byID[profile.ID] = profile
	}
	defaultProfile := strings.TrimSpace(cfg.DefaultProfile)
	if defaultProfile == "" {
		defaultProfile = DefaultProfileID
	}
	if _, ok := byID[defaultProfile]; !ok {
		defaultProfile = order[0]
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	generator := &Generator{
		ownerID:        strings.TrimSpace(cfg.OwnerID),
		output:         cfg.Output,
		library:        cfg.Library,
		profiles:       byID,
		order:          order,
		defaultProfile: defaultProfile,
		logger:         logger,
	}
	generator.enabled.Store(cfg.Enabled)
	return generator, nil
}

// Profiles lists the synthesized profiles in registration order.
func (g *Generator) Profiles() []Profile {
	profiles := make([]Profile, 0, len(g.order))
	for _, id := range g.order {
		profiles = append(profiles, g.profiles[id])
	}
	return profiles
}

func (g *Generator) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *Generator) Enabled() bool {
	return g.enabled.Load()
}

// Unlocked reports whether a gesture has resumed playback.
func (g *Generator) Unlocked() bool {
	return g.unlocked.Load()
}

// Gesture resumes the output until one resume succeeds. Gestures arriving
// while a resume is in progress are ignored.
func (g *Generator) Gesture(ctx context.Context) {
	if g.unlocked.Load() || !g.resuming.CompareAndSwap(false, true) {
		return
	}
	defer g.resuming.Store(false)
	if err := g.output.Resume(ctx); err != nil {
		g.logger.Warn("sound output resume failed", zap.Error(err))
		return
	}
	g.unlocked.Store(true)
}

// Resolve picks the source for soundID: the owner's custom sound, then a
// builtin profile, then the default profile.
func (g *Generator) Resolve(ctx context.Context, soundID string) Source {
	soundID = strings.TrimSpace(soundID)
	if g.library != nil && g.ownerID != "" && soundID != "" {
		custom, found, err := g.library.Get(ctx, g.ownerID, soundID)
		if err != nil {
			g.logger.Debug("custom sound lookup failed", zap.String("sound_id", soundID), zap.Error(err))
		} else if found {
			return NewFileSource(custom)
		}
	}
	if profile, ok := g.profiles[soundID]; ok {
		return NewSynthSource(profile)
	}
	return NewSynthSource(g.profiles[g.defaultProfile])
}

// Render resolves and renders soundID without playing it.
func (g *Generator) Render(ctx context.Context, soundID string) (Clip, error) {
	return g.Resolve(ctx, soundID).Render(ctx)
}

// Play plays soundID when sound is enabled and unlocked. Failures are logged
// and never returned.
func (g *Generator) Play(ctx context.Context, soundID string) {
	if !g.enabled.Load() {
		return
	}
	if !g.unlocked.Load() {
		g.logger.Debug("sound dropped before first gesture", zap.String("sound_id", soundID))
		return
	}
	clip, err := g.Render(ctx, soundID)
	if err != nil {
		g.logger.Debug("sound render failed", zap.String("sound_id", soundID), zap.Error(err))
		return
	}
	if err := g.output.Play(ctx, clip); err != nil {
		g.logger.Debug("sound playback failed", zap.String("sound_id", clip.SoundID), zap.Error(err))
	}
}
