package core

import (
	"fmt"

	"emperror.dev/errors"
)

// Error kinds. Concrete errors match them through errors.Is.
const (
	ErrConfig               = errors.Sentinel("invalid automod configuration")
	ErrTransientEnforcement = errors.Sentinel("transient enforcement failure")
	ErrPermanentEnforcement = errors.Sentinel("permanent enforcement failure")
	ErrPersistence          = errors.Sentinel("timed punishment store failure")
	ErrAlreadyApplied       = errors.Sentinel("target already in requested state")
)

// ConfigError is a rule rejected at load time
type ConfigError struct {
	GuildID string
	Index   int // rule index, -1 for guild level settings
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("guild %s: %s: %s", e.GuildID, e.Field, e.Reason)
	}
	return fmt.Sprintf("guild %s: rule %d: %s: %s", e.GuildID, e.Index, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// EnforcementError is a failed call to the platform on behalf of the engine or scheduler
type EnforcementError struct {
	Action    string
	GuildID   string
	UserID    string
	Permanent bool
	Err       error
}

func (e *EnforcementError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s on %s/%s failed: %v", kind, e.Action, e.GuildID, e.UserID, e.Err)
}

func (e *EnforcementError) Unwrap() error {
	return e.Err
}

func (e *EnforcementError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentEnforcement
	}
	return target == ErrTransientEnforcement
}

// Transient marks err as a retryable enforcement failure
func Transient(action, guildID, userID string, err error) error {
	return &EnforcementError{Action: action, GuildID: guildID, UserID: userID, Err: errors.WithStack(err)}
}

// Permanent marks err as an enforcement failure that retrying will not fix
func Permanent(action, guildID, userID string, err error) error {
	return &EnforcementError{Action: action, GuildID: guildID, UserID: userID, Permanent: true, Err: errors.WithStack(err)}
}

// PersistenceError wraps a failed store operation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Persistence wraps err as a PersistenceError, nil stays nil
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: errors.WithStack(err)}
}

// ActionSoftbanUnban names the second step of a softban, lifting the purge ban
const ActionSoftbanUnban = "softban unban"

// IsSoftbanUnbanFailure reports whether a softban removed the member but left them banned
func IsSoftbanUnbanFailure(err error) bool {
	var ee *EnforcementError
	return errors.As(err, &ee) && ee.Action == ActionSoftbanUnban
}

// IsPermanent reports whether err should not be retried
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentEnforcement)
}
