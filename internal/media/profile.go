package media

import (
	"fmt"
	"strings"
)

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// CaptureProfile is one rung of the constraint ladder. A nil Audio or Video means
// the kind is not requested.
type CaptureProfile struct {
	Name  string
	Audio *AudioConstraints
	Video *VideoConstraints
}

func (p CaptureProfile) String() string {
	var parts []string
	if p.Video != nil {
		parts = append(parts, fmt.Sprintf("%dx%d@%d", p.Video.Width, p.Video.Height, p.Video.FrameRate))
	}
	if p.Audio != nil {
		parts = append(parts, "audio")
	}
	return p.Name + "[" + strings.Join(parts, "+") + "]"
}

// Ladder is tried most capable first.
type Ladder []CaptureProfile

var builtinProfiles = map[string]CaptureProfile{
	"hd": {
		Name:  "hd",
		Audio: &AudioConstraints{EchoCancellation: true, NoiseSuppression: true},
		Video: &VideoConstraints{Width: 1280, Height: 720, FrameRate: 30},
	},
	"sd": {
		Name:  "sd",
		Audio: &AudioConstraints{EchoCancellation: true},
		Video: &VideoConstraints{Width: 640, Height: 480, FrameRate: 24},
	},
	"low": {
		Name:  "low",
		Audio: &AudioConstraints{EchoCancellation: true},
		Video: &VideoConstraints{Width: 320, Height: 240, FrameRate: 15},
	},
	"video-only": {
		Name:  "video-only",
		Video: &VideoConstraints{Width: 320, Height: 240, FrameRate: 15},
	},
}

func DefaultLadder() Ladder {
	l, _ := LadderFromNames([]string{"hd", "sd", "low", "video-only"})
	return l
}

// LadderFromNames builds a ladder from built-in profile names and validates it.
func LadderFromNames(names []string) (Ladder, error) {
	ladder := make(Ladder, 0, len(names))
	for _, name := range names {
		p, ok := builtinProfiles[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown profile %q", ErrInvalidLadder, name)
		}
		ladder = append(ladder, p)
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

// Validate requires a non-empty ladder ending in a video-only, no-audio fallback.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidLadder)
	}
	last := l[len(l)-1]
	if last.Video == nil || last.Audio != nil {
		return fmt.Errorf("%w: last profile %q must be video-only without audio", ErrInvalidLadder, last.Name)
	}
	seen := make(map[string]bool, len(l))
	for _, p := range l {
		if p.Name == "" {
			return fmt.Errorf("%w: unnamed profile", ErrInvalidLadder)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate profile %q", ErrInvalidLadder, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
