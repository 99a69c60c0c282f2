package viewport

import (
	"strconv"

	"github.com/dkeye/boardsync/internal/domain"
)

func key(id domain.UserID) string { return strconv.FormatInt(int64(id), 10) }

// Source answers follow queries; presence.Tracker implements it.
type Source interface {
	Follow(id domain.UserID) (domain.Viewport, error)
}

// Camera consumes follow results.
type Camera interface {
	SetViewport(domain.Viewport)
}

// Follower snaps a camera to a peer's last known viewport, once per call.
type Follower struct {
	src Source
	cam Camera
}

func NewFollower(src Source, cam Camera) *Follower {
	return &Follower{src: src, cam: cam}
}

func (f *Follower) Follow(id domain.UserID) (domain.Viewport, error) {
	v, err := f.src.Follow(id)
	if err != nil {
		return domain.Viewport{}, err
	}
	if f.cam != nil {
		f.cam.SetViewport(v)
	}
	return v, nil
}
