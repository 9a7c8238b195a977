package events

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChatPrefix marks a frame meant for human display.
	DefaultChatPrefix = "[CHAT]"
	// HeartbeatPrefix marks a liveness frame carrying the sender's epoch millis.
	HeartbeatPrefix = "[HEARTBEAT]"
)

// FrameType says how a raw channel message must be handled.
type FrameType int

const (
	FrameAction FrameType = iota
	FrameChat
	FrameHeartbeat
)

func (f FrameType) String() string {
	switch f {
	case FrameAction:
		return "action"
	case FrameChat:
		return "chat"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Classify inspects the framing marker before any structured parsing. For chat
// and heartbeat frames the returned body has the marker and surrounding
// whitespace removed.
func Classify(data []byte, chatPrefix string) (FrameType, []byte) {
	if chatPrefix == "" {
		chatPrefix = DefaultChatPrefix
	}
	switch {
	case bytes.HasPrefix(data, []byte(chatPrefix)):
		return FrameChat, bytes.TrimSpace(data[len(chatPrefix):])
	case bytes.HasPrefix(data, []byte(HeartbeatPrefix)):
		return FrameHeartbeat, bytes.TrimSpace(data[len(HeartbeatPrefix):])
	default:
		return FrameAction, data
	}
}

// EncodeChat frames text for display.
func EncodeChat(chatPrefix, text string) []byte {
	if chatPrefix == "" {
		chatPrefix = DefaultChatPrefix
	}
	return []byte(chatPrefix + " " + text)
}

// EncodeHeartbeat frames a heartbeat sent at the given time.
func EncodeHeartbeat(at time.Time) []byte {
	return []byte(HeartbeatPrefix + " " + strconv.FormatInt(at.UnixMilli(), 10))
}

// DecodeHeartbeat parses the body returned by Classify for a heartbeat frame.
func DecodeHeartbeat(body []byte) (time.Time, error) {
	millis, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	return time.UnixMilli(millis), nil
}
