package guardian

import "errors"

// Kind is the stable machine-readable error code returned to clients.
type Kind string

const (
	KindNotGuardian              Kind = "NotGuardian"
	KindUnauthorized             Kind = "Unauthorized"
	KindGuardianAlreadyExists    Kind = "GuardianAlreadyExists"
	KindGuardianNotFound         Kind = "GuardianNotFound"
	KindCannotRemoveLastGuardian Kind = "CannotRemoveLastGuardian"
	KindInvalidThreshold         Kind = "InvalidThreshold"
	KindInvalidTimelock          Kind = "InvalidTimelock"
	KindVaultFrozen              Kind = "VaultFrozen"
	KindVaultNotFrozen           Kind = "VaultNotFrozen"
	KindAlreadyApproved          Kind = "AlreadyApproved"
	KindRecoveryNotReady         Kind = "RecoveryNotReady"
	KindInsufficientApprovals    Kind = "InsufficientApprovals"
	KindRecoveryAlreadyExecuted  Kind = "RecoveryAlreadyExecuted"
	KindRecoveryAlreadyCancelled Kind = "RecoveryAlreadyCancelled"
	KindRecoveryNotFound         Kind = "RecoveryNotFound"
	KindInvalidIdentity          Kind = "InvalidIdentity"
	KindNotInitialized           Kind = "NotInitialized"
	KindAlreadyInitialized       Kind = "AlreadyInitialized"
)

// Error is a domain failure. Sentinels below are compared with errors.Is.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotGuardian              = &Error{Kind: KindNotGuardian, msg: "caller is not a guardian"}
	ErrUnauthorized             = &Error{Kind: KindUnauthorized, msg: "caller is not authorized"}
	ErrGuardianAlreadyExists    = &Error{Kind: KindGuardianAlreadyExists, msg: "guardian already exists"}
	ErrGuardianNotFound         = &Error{Kind: KindGuardianNotFound, msg: "guardian not found"}
	ErrCannotRemoveLastGuardian = &Error{Kind: KindCannotRemoveLastGuardian, msg: "removal would leave fewer guardians than the threshold"}
	ErrInvalidThreshold         = &Error{Kind: KindInvalidThreshold, msg: "threshold must be between 1 and the guardian count"}
	ErrInvalidTimelock          = &Error{Kind: KindInvalidTimelock, msg: "duration out of range"}
	ErrVaultFrozen              = &Error{Kind: KindVaultFrozen, msg: "vault is frozen"}
	ErrVaultNotFrozen           = &Error{Kind: KindVaultNotFrozen, msg: "vault is not frozen"}
	ErrAlreadyApproved          = &Error{Kind: KindAlreadyApproved, msg: "guardian already approved this request"}
	ErrRecoveryNotReady         = &Error{Kind: KindRecoveryNotReady, msg: "timelock has not elapsed"}
	ErrInsufficientApprovals    = &Error{Kind: KindInsufficientApprovals, msg: "not enough approvals"}
	ErrRecoveryAlreadyExecuted  = &Error{Kind: KindRecoveryAlreadyExecuted, msg: "recovery already executed"}
	ErrRecoveryAlreadyCancelled = &Error{Kind: KindRecoveryAlreadyCancelled, msg: "recovery already cancelled"}
	ErrRecoveryNotFound         = &Error{Kind: KindRecoveryNotFound, msg: "recovery request not found"}
	ErrInvalidIdentity          = &Error{Kind: KindInvalidIdentity, msg: "identity must not be empty"}
	ErrNotInitialized           = &Error{Kind: KindNotInitialized, msg: "guardian registry not initialized"}
	ErrAlreadyInitialized       = &Error{Kind: KindAlreadyInitialized, msg: "guardian registry already initialized"}
)

// KindOf returns the domain kind of err, or "" for infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
