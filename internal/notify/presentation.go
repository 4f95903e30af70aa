package notify

import "context"

// Permission is the state of the system notification permission.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// ParsePermission normalizes a permission value; unknown values map to default.
func ParsePermission(value string) Permission {
	switch Permission(value) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	default:
		return PermissionDefault
	}
}

// Presenter is the in-app surface: visibility, transient banners and focus.
type Presenter interface {
	Visible() bool
	ShowToast(notification Notification)
	Focus()
}

// SoundPlayer plays a notification cue. Playback is best effort.
type SoundPlayer interface {
	Play(ctx context.Context, soundID string)
}

// SystemOptions carries the optional fields of a system notification.
type SystemOptions struct {
	Tag  string
	Icon string
}

// SystemNotifier shows operating system notifications.
type SystemNotifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(title, body string, options SystemOptions) (SystemNotification, error)
}

// SystemNotification is a shown system notification.
type SystemNotification interface {
	OnClick(handler func())
	Close()
}
