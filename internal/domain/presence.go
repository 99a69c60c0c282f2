package domain

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidPresence = errors.New("invalid presence record")

// Viewport is the pan offset and zoom of a user's board camera.
type Viewport struct {
	X     float64 `json:"viewport_x"`
	Y     float64 `json:"viewport_y"`
	Scale float64 `json:"viewport_scale"`
}

// Validate rejects non-finite coordinates and non-positive zoom.
func (v Viewport) Validate() error {
	for _, f := range []float64{v.X, v.Y, v.Scale} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: viewport (%v, %v, %v) not finite", ErrInvalidPresence, v.X, v.Y, v.Scale)
		}
	}
	if !(v.Scale > 0) {
		return fmt.Errorf("%w: viewport scale %v", ErrInvalidPresence, v.Scale)
	}
	return nil
}

// PeerPresence is one live presence record on a board channel.
// OnlineAt (unix ms) disambiguates tabs of the same user.
type PeerPresence struct {
	UserID        UserID   `json:"user_id" validate:"required,gt=0"`
	Username      string   `json:"username" validate:"required,max=36"`
	OnlineAt      int64    `json:"online_at" validate:"required,gt=0"`
	ViewportX     *float64 `json:"viewport_x,omitempty"`
	ViewportY     *float64 `json:"viewport_y,omitempty"`
	ViewportScale *float64 `json:"viewport_scale,omitempty" validate:"omitempty,gt=0"`
}

func (p PeerPresence) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	if v, ok := p.Viewport(); ok {
		return v.Validate()
	}
	return nil
}

// Viewport returns the record's viewport if all three fields are present.
func (p PeerPresence) Viewport() (Viewport, bool) {
	if p.ViewportX == nil || p.ViewportY == nil || p.ViewportScale == nil {
		return Viewport{}, false
	}
	return Viewport{X: *p.ViewportX, Y: *p.ViewportY, Scale: *p.ViewportScale}, true
}

// WithViewport returns a copy carrying v.
func (p PeerPresence) WithViewport(v Viewport) PeerPresence {
	x, y, s := v.X, v.Y, v.Scale
	p.ViewportX, p.ViewportY, p.ViewportScale = &x, &y, &s
	return p
}

// ConnectionState is tracked per channel subscription and gates UI.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Reconnecting
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
