package sound

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	sampleRate     = 44100
	bitsPerSample  = 16
	channelCount   = 1
	attackDuration = 10 * time.Millisecond
	decayFloor     = 0.001
	wavHeaderSize  = 44
	wavContentType = "audio/wav"
)

var errEmptyProfile = errors.New("sound: profile has no tones")

// Tone is one oscillator of a profile.
type Tone struct {
	Frequency float64       `json:"frequency"`
	Duration  time.Duration `json:"duration"`
}

// Profile is a named synthesized cue. Its tones start together and share one
// volume, divided evenly between them.
type Profile struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Volume float64 `json:"volume"`
	Tones  []Tone  `json:"tones"`
}

// Duration is the length of the longest tone.
func (p Profile) Duration() time.Duration {
	var longest time.Duration
	for _, tone := range p.Tones {
		if tone.Duration > longest {
			longest = tone.Duration
		}
	}
	return longest
}

// DefaultProfileID is played when a requested sound does not exist.
const DefaultProfileID = "chime"

var builtinProfiles = []Profile{
	{ID: "chime", Name: "Chime", Volume: 0.3, Tones: []Tone{
		{Frequency: 880, Duration: 300 * time.Millisecond},
		{Frequency: 1320, Duration: 300 * time.Millisecond},
	}},
	{ID: "ping", Name: "Ping", Volume: 0.25, Tones: []Tone{
		{Frequency: 1046.5, Duration: 150 * time.Millisecond},
	}},
	{ID: "bell", Name: "Bell", Volume: 0.3, Tones: []Tone{
		{Frequency: 659.25, Duration: 600 * time.Millisecond},
		{Frequency: 987.77, Duration: 600 * time.Millisecond},
		{Frequency: 1318.51, Duration: 450 * time.Millisecond},
	}},
	{ID: "pop", Name: "Pop", Volume: 0.35, Tones: []Tone{
		{Frequency: 440, Duration: 80 * time.Millisecond},
	}},
	{ID: "message", Name: "Message", Volume: 0.3, Tones: []Tone{
		{Frequency: 587.33, Duration: 200 * time.Millisecond},
		{Frequency: 880, Duration: 250 * time.Millisecond},
	}},
}

// BuiltinProfiles returns the synthesized profiles shipped with the generator.
func BuiltinProfiles() []Profile {
	profiles := make([]Profile, len(builtinProfiles))
	for index, profile := range builtinProfiles {
		profile.Tones = append([]Tone(nil), profile.Tones...)
		profiles[index] = profile
	}
	return profiles
}

// Synthesize renders the profile to mono PCM samples in [-1, 1]. Each tone
// rises linearly over the attack and then decays exponentially to silence at
// its own duration.
func Synthesize(profile Profile) ([]float64, error) {
	if len(profile.Tones) == 0 {
		return nil, errEmptyProfile
	}
	total := samplesFor(profile.Duration())
	samples := make([]float64, total)
	peak := profile.Volume / float64(len(profile.Tones))
	attack := samplesFor(attackDuration)

	for _, tone := range profile.Tones {
		length := samplesFor(tone.Duration)
		if length == 0 {
			continue
		}
		toneAttack := min(attack, length)
		decayLength := length - toneAttack
		for index := 0; index < length; index++ {
			var envelope float64
			if index < toneAttack {
				envelope = peak * float64(index) / float64(toneAttack)
			} else if decayLength > 0 {
				progress := float64(index-toneAttack) / float64(decayLength)
				envelope = peak * math.Pow(decayFloor, progress)
			}
			phase := 2 * math.Pi * tone.Frequency * float64(index) / sampleRate
			samples[index] += envelope * math.Sin(phase)
		}
	}
	return samples, nil
}

// EncodeWAV encodes mono samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float64) []byte {
	dataSize := len(samples) * bitsPerSample / 8
	buffer := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataSize))
	blockAlign := channelCount * bitsPerSample / 8

	buffer.WriteString("RIFF")
	writeLE(buffer, uint32(36+dataSize))
	buffer.WriteString("WAVE")
	buffer.WriteString("fmt ")
	writeLE(buffer, uint32(16))
	writeLE(buffer, uint16(1))
	writeLE(buffer, uint16(channelCount))
	writeLE(buffer, uint32(sampleRate))
	writeLE(buffer, uint32(sampleRate*blockAlign))
	writeLE(buffer, uint16(blockAlign))
	writeLE(buffer, uint16(bitsPerSample))
	buffer.WriteString("data")
	writeLE(buffer, uint32(dataSize))
	for _, sample := range samples {
		clamped := math.Max(-1, math.Min(1, sample))
		writeLE(buffer, int16(math.Round(clamped*math.MaxInt16)))
	}
	return buffer.Bytes()
}

func writeLE(buffer *bytes.Buffer, value any) {
	_ = binary.Write(buffer, binary.LittleEndian, value)
}

func samplesFor(duration time.Duration) int {
	if duration <= 0 {
		return 0
	}
	return int(duration.Seconds() * sampleRate)
}
