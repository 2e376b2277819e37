// Package split implements the interactive head/body cut over one uploaded
// character image. A session owns the decoded source image and a cut row in
// source pixel space; it produces full-resolution head and body crops on
// confirm and nothing at all on cancel.
package split

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/gift"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Preset cut ratios exposed by the split tool.
const (
	RatioHalf      = 0.5
	RatioThird     = 1.0 / 3.0
	RatioTwoThirds = 2.0 / 3.0
)

// State tracks the lifecycle of a split session.
type State int

const (
	StateLoaded State = iota
	StateEditing
	StateConfirmed
	StateCancelled
	StateClosed
)

var (
	// ErrClosed is returned when a session is used after confirm or cancel.
	ErrClosed = errors.New("split: session closed")
	// ErrNotImage is returned when the uploaded bytes cannot be decoded.
	ErrNotImage = errors.New("split: data is not a decodable image")
)

// Session holds the in-progress split over one source image. All cut
// coordinates are in source pixel space, never display space; callers map
// pointer positions through DisplayScale before calling SetCutY.
type Session struct {
	src    image.Image
	width  int
	height int
	cutY   int
	state  State
}

// Preview describes one side of the live preview. An Empty preview must be
// suppressed by the caller rather than rendered.
type Preview struct {
	Width  int
	Height int
	Empty  bool
}

// Result carries the materialized crops reported on confirm. A zero-height
// side has nil bytes.
type Result struct {
	HeadPNG []byte
	BodyPNG []byte
	CutY    int
	Ratio   float64
}

// NewSession decodes data and starts a session with the cut row at half
// height. Canvas dimensions are the image's native pixel dimensions.
func NewSession(data []byte) (*Session, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	bounds := src.Bounds()
	s := &Session{
		src:    src,
		width:  bounds.Dx(),
		height: bounds.Dy(),
		state:  StateLoaded,
	}
	s.cutY = s.height / 2
	return s, nil
}

func (s *Session) Width() int   { return s.width }
func (s *Session) Height() int  { return s.height }
func (s *Session) CutY() int    { return s.cutY }
func (s *Session) State() State { return s.state }

// Ratio returns the cut position as a fraction of the image height.
func (s *Session) Ratio() float64 {
	if s.height == 0 {
		return 0
	}
	return float64(s.cutY) / float64(s.height)
}

// Percent returns the rounded percentage label shown next to the cut line.
func (s *Session) Percent() int {
	if s.height == 0 {
		return 0
	}
	return int(math.Round(float64(s.cutY) / float64(s.height) * 100))
}

// DisplayScale maps the rendered element height onto source pixels. A pointer
// row in display space divides by this factor to land in source space.
func (s *Session) DisplayScale(displayHeight float64) float64 {
	if s.height == 0 {
		return 0
	}
	return displayHeight / float64(s.height)
}

// SetRatio positions the cut at the given fraction of the image height.
func (s *Session) SetRatio(ratio float64) error {
	if s.closed() {
		return ErrClosed
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	s.cutY = int(math.Round(float64(s.height) * ratio))
	s.state = StateEditing
	return nil
}

// SetCutY positions the cut at the given source pixel row, clamped to
// [0, height]. Dragging beyond the image edge clamps rather than errors.
func (s *Session) SetCutY(y int) error {
	if s.closed() {
		return ErrClosed
	}
	if y < 0 {
		y = 0
	}
	if y > s.height {
		y = s.height
	}
	s.cutY = y
	s.state = StateEditing
	return nil
}

// Previews returns the head and body preview geometry for the current cut.
// The two heights always sum to the source height.
func (s *Session) Previews() (head, body Preview) {
	head = Preview{Width: s.width, Height: s.cutY, Empty: s.cutY == 0}
	body = Preview{Width: s.width, Height: s.height - s.cutY, Empty: s.cutY == s.height}
	return head, body
}

// Confirm materializes the head and body crops as PNG blobs at full
// resolution and closes the session.
func (s *Session) Confirm() (*Result, error) {
	if s.closed() {
		return nil, ErrClosed
	}

	result := &Result{CutY: s.cutY, Ratio: s.Ratio()}

	if s.cutY > 0 {
		head, err := s.crop(image.Rect(0, 0, s.width, s.cutY))
		if err != nil {
			return nil, err
		}
		result.HeadPNG = head
	}
	if s.cutY < s.height {
		body, err := s.crop(image.Rect(0, s.cutY, s.width, s.height))
		if err != nil {
			return nil, err
		}
		result.BodyPNG = body
	}

	s.state = StateConfirmed
	s.close()
	return result, nil
}

// Cancel discards all in-progress state with no partial output. It is
// available at any point before Confirm.
func (s *Session) Cancel() error {
	if s.closed() {
		return ErrClosed
	}
	s.state = StateCancelled
	s.close()
	return nil
}

func (s *Session) crop(region image.Rectangle) ([]byte, error) {
	g := gift.New(gift.Crop(region))
	dst := image.NewRGBA(g.Bounds(s.src.Bounds()))
	g.Draw(dst, s.src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("split: encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Session) closed() bool {
	return s.state == StateClosed || s.state == StateConfirmed || s.state == StateCancelled
}

func (s *Session) close() {
	s.src = nil
	if s.state == StateConfirmed || s.state == StateCancelled {
		return
	}
	s.state = StateClosed
}
