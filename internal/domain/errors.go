package domain

import "errors"

var ErrBadRoomID = errors.New("bad room id")

// Media acquisition. Fatal to room entry.
var (
	ErrMediaPermissionDenied = errors.New("media permission denied")
	ErrMediaDeviceNotFound   = errors.New("media device not found")
	ErrMediaDeviceBusy       = errors.New("media device busy")
)

// Signaling transport. Fatal to room entry.
var (
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrSubscribeTimeout     = errors.New("signaling subscribe timeout")
	ErrHandleClosed         = errors.New("signaling handle closed")
)

var ErrRoomNotIdle = errors.New("room already joined")
var ErrRoomNotActive = errors.New("room not active")
var ErrNoLocalTrack = errors.New("no such local track")

// MediaErrorHint turns a media acquisition error into guidance for the user.
func MediaErrorHint(err error) string {
	switch {
	case errors.Is(err, ErrMediaPermissionDenied):
		return "Camera and microphone access is required. Please allow access and retry."
	case errors.Is(err, ErrMediaDeviceNotFound):
		return "No camera or microphone found. Please connect a device."
	case errors.Is(err, ErrMediaDeviceBusy):
		return "Camera or microphone is in use by another application."
	default:
		return "Failed to access camera/microphone. Please check permissions."
	}
}
