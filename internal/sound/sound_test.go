package sound

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingOutput struct {
	mu        sync.Mutex
	resumes   int
	resumeErr error
	played    []Clip
}

func (o *recordingOutput) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	return o.resumeErr
}

func (o *recordingOutput) Play(_ context.Context, clip Clip) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.played = append(o.played, clip)
	return nil
}

func (o *recordingOutput) playedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.played))
	for _, clip := range o.played {
		ids = append(ids, clip.SoundID)
	}
	return ids
}

func openLibrary(t *testing.T, maxBytes int64) *Library {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&CustomSound{}))

	sequence := 0
	library, err := NewLibrary(LibraryConfig{
		Database:       db,
		MaxUploadBytes: maxBytes,
		IDGenerator: func() (string, error) {
			sequence++
			return fmt.Sprintf("s-%03d", sequence), nil
		},
	})
	require.NoError(t, err)
	return library
}

func testWAV(t *testing.T) []byte {
	t.Helper()
	samples, err := Synthesize(Profile{ID: "test", Volume: 0.5, Tones: []Tone{{Frequency: 440, Duration: 20 * time.Millisecond}}})
	require.NoError(t, err)
	return EncodeWAV(samples)
}

func TestEncodeWAVHeader(t *testing.T) {
	profile := Profile{ID: "two", Volume: 1, Tones: []Tone{
		{Frequency: 440, Duration: 100 * time.Millisecond},
		{Frequency: 660, Duration: 50 * time.Millisecond},
	}}
	samples, err := Synthesize(profile)
	require.NoError(t, err)
	require.Len(t, samples, sampleRate/10)

	encoded := EncodeWAV(samples)
	require.Len(t, encoded, wavHeaderSize+len(samples)*2)
	require.Equal(t, "RIFF", string(encoded[0:4]))
	require.Equal(t, "WAVE", string(encoded[8:12]))
	require.Equal(t, "data", string(encoded[36:40]))
	require.Equal(t, uint32(sampleRate), binary.LittleEndian.Uint32(encoded[24:28]))
	require.Equal(t, uint32(len(samples)*2), binary.LittleEndian.Uint32(encoded[40:44]))
}

func TestSynthesizeEnvelope(t *testing.T) {
	profile := Profile{ID: "pair", Volume: 0.8, Tones: []Tone{
		{Frequency: 500, Duration: 200 * time.Millisecond},
		{Frequency: 750, Duration: 200 * time.Millisecond},
	}}
	samples, err := Synthesize(profile)
	require.NoError(t, err)

	require.Equal(t, 0.0, samples[0])
	var peak float64
	for _, sample := range samples {
		if sample > peak {
			peak = sample
		}
		require.LessOrEqual(t, sample, 0.8)
		require.GreaterOrEqual(t, sample, -0.8)
	}
	require.Greater(t, peak, 0.3)

	tail := samples[len(samples)-100:]
	for _, sample := range tail {
		require.Less(t, sample, 0.01)
		require.Greater(t, sample, -0.01)
	}

	_, err = Synthesize(Profile{ID: "empty"})
	require.ErrorIs(t, err, errEmptyProfile)
}

func TestPlayDroppedBeforeGesture(t *testing.T) {
	output := &recordingOutput{}
	generator, err := NewGenerator(Config{Output: output, Enabled: true})
	require.NoError(t, err)
	ctx := context.Background()

	generator.Play(ctx, "ping")
	require.Empty(t, output.playedIDs())

	generator.Gesture(ctx)
	generator.Gesture(ctx)
	require.Equal(t, 1, output.resumes)
	require.True(t, generator.Unlocked())

	generator.Play(ctx, "ping")
	require.Equal(t, []string{"ping"}, output.playedIDs())
}

func TestPlayDisabledIsNoop(t *testing.T) {
	output := &recordingOutput{}
	generator, err := NewGenerator(Config{Output: output})
	require.NoError(t, err)
	ctx := context.Background()
	generator.Gesture(ctx)

	generator.Play(ctx, "chime")
	require.Empty(t, output.playedIDs())

	generator.SetEnabled(true)
	generator.Play(ctx, "chime")
	require.Equal(t, []string{"chime"}, output.playedIDs())
}

func TestFailedResumeRetriesOnNextGesture(t *testing.T) {
	output := &recordingOutput{resumeErr: errors.New("blocked")}
	generator, err := NewGenerator(Config{Output: output, Enabled: true})
	require.NoError(t, err)
	ctx := context.Background()

	generator.Gesture(ctx)
	generator.Play(ctx, "chime")
	require.False(t, generator.Unlocked())
	require.Empty(t, output.playedIDs())

	output.mu.Lock()
	output.resumeErr = nil
	output.mu.Unlock()
	generator.Gesture(ctx)
	require.Equal(t, 2, output.resumes)
	require.True(t, generator.Unlocked())

	generator.Gesture(ctx)
	require.Equal(t, 2, output.resumes)
	generator.Play(ctx, "chime")
	require.Equal(t, []string{"chime"}, output.playedIDs())
}

func TestResolveOrder(t *testing.T) {
	library := openLibrary(t, 0)
	ctx := context.Background()
	uploaded, err := library.Upload(ctx, "owner", "Custom", testWAV(t))
	require.NoError(t, err)

	output := &recordingOutput{}
	generator, err := NewGenerator(Config{OwnerID: "owner", Output: output, Library: library, Enabled: true})
	require.NoError(t, err)

	require.Equal(t, uploaded.ID, generator.Resolve(ctx, uploaded.ID).ID())
	require.Equal(t, "bell", generator.Resolve(ctx, "bell").ID())
	require.Equal(t, DefaultProfileID, generator.Resolve(ctx, "missing").ID())
	require.Equal(t, DefaultProfileID, generator.Resolve(ctx, "").ID())

	clip, err := generator.Render(ctx, uploaded.ID)
	require.NoError(t, err)
	require.Equal(t, "audio/wav", clip.ContentType)
	require.True(t, bytes.Equal(testWAV(t), clip.Data))

	other, err := NewGenerator(Config{OwnerID: "someone-else", Output: output, Library: library})
	require.NoError(t, err)
	require.Equal(t, DefaultProfileID, other.Resolve(ctx, uploaded.ID).ID())
}

func TestLibraryRejectsInvalidUploads(t *testing.T) {
	library := openLibrary(t, 64)
	ctx := context.Background()

	_, err := library.Upload(ctx, "owner", "big", testWAV(t))
	require.ErrorIs(t, err, ErrSoundTooLarge)

	_, err = library.Upload(ctx, "owner", "text", []byte("definitely not audio"))
	require.ErrorIs(t, err, ErrNotAudio)

	_, err = library.Upload(ctx, "owner", "empty", nil)
	require.ErrorIs(t, err, ErrEmptyUpload)

	_, err = library.Upload(ctx, " ", "anon", []byte("x"))
	require.ErrorIs(t, err, ErrMissingOwnerID)
}

func TestLibraryListAndDelete(t *testing.T) {
	library := openLibrary(t, 0)
	ctx := context.Background()

	first, err := library.Upload(ctx, "owner", "First", testWAV(t))
	require.NoError(t, err)
	_, err = library.Upload(ctx, "owner", "", testWAV(t))
	require.NoError(t, err)

	sounds, err := library.List(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, sounds, 2)
	require.Equal(t, "First", sounds[0].Name)
	require.Equal(t, "s-002", sounds[1].Name)
	require.Empty(t, sounds[0].Data)

	deleted, err := library.Delete(ctx, "owner", first.ID)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = library.Delete(ctx, "owner", first.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	_, found, err := library.Get(ctx, "owner", first.ID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNewGeneratorRequiresOutput(t *testing.T) {
	_, err := NewGenerator(Config{})
	require.ErrorIs(t, err, errMissingOutput)
}
