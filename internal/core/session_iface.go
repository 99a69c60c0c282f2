package core

// SessionID identifies one socket connection, not a user. A user with two
// tabs open has two sessions.
type SessionID string

// MemberSession binds a connection id to its transport endpoints.
// This is what a channel stores and fans out to.
type MemberSession interface {
	ID() SessionID
	Signal() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
