package slowsync

import "fmt"

type LogoutReason uint8

const (
	LogoutSelfSoft LogoutReason = iota
	LogoutSelfHard
	LogoutSessionExpired
	LogoutRemovedClient
	LogoutDeletedAccount
)

func (r LogoutReason) String() string {
	switch r {
	case LogoutSelfSoft:
		return "SELF_SOFT_LOGOUT"
	case LogoutSelfHard:
		return "SELF_HARD_LOGOUT"
	case LogoutSessionExpired:
		return "SESSION_EXPIRED"
	case LogoutRemovedClient:
		return "REMOVED_CLIENT"
	case LogoutDeletedAccount:
		return "DELETED_ACCOUNT"
	default:
		return fmt.Sprintf("LOGOUT_%d", uint8(r))
	}
}
