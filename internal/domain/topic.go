package domain

import (
	"errors"
	"strings"
)

type (
	BoardID string
	Topic   string
)

// TopicKind is the namespace part of a topic ("board:42" -> "board").
type TopicKind string

const (
	KindBoard TopicKind = "board"
	KindVoice TopicKind = "voice"
)

var ErrInvalidTopic = errors.New("invalid topic")

func BoardTopic(id BoardID) Topic { return Topic(string(KindBoard) + ":" + string(id)) }

// VoiceTopic is the voice sub-channel of a board.
func VoiceTopic(id BoardID) Topic { return Topic(string(KindVoice) + ":" + string(id)) }

// ParseTopic splits "kind:id" and rejects unknown namespaces.
func ParseTopic(t Topic) (TopicKind, BoardID, error) {
	kind, id, ok := strings.Cut(string(t), ":")
	if !ok || id == "" {
		return "", "", ErrInvalidTopic
	}
	switch TopicKind(kind) {
	case KindBoard, KindVoice:
		return TopicKind(kind), BoardID(id), nil
	default:
		return "", "", ErrInvalidTopic
	}
}

func (t Topic) Kind() TopicKind {
	kind, _, err := ParseTopic(t)
	if err != nil {
		return ""
	}
	return kind
}
