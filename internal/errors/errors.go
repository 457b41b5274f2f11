// Package errors provides sentinel errors and custom error types for cibot.
// Use errors.Is() and errors.As() to check for specific error types.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// ErrUnknownRefChangeType indicates a ref change whose type is not ADD, UPDATE or DELETE
	ErrUnknownRefChangeType = errors.New("unknown ref change type")

	// ErrInvalidCommitID indicates a commit id that is not 40 hex characters
	ErrInvalidCommitID = errors.New("invalid commit id")

	// ErrRepositoryNotConfigured indicates a repository with no configuration record
	ErrRepositoryNotConfigured = errors.New("repository not configured")

	// ErrServerNotConfigured indicates a CI server name that has no configuration record
	ErrServerNotConfigured = errors.New("ci server not configured")

	// ErrUnknownEvent indicates an event value the router does not handle
	ErrUnknownEvent = errors.New("unknown event")

	// ErrUnknownJobKind indicates a job kind outside VERIFY_COMMIT, VERIFY_PR and PUBLISH
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrUnknownBuildState indicates a build state outside successful, failed and inprogress
	ErrUnknownBuildState = errors.New("unknown build state")

	// ErrDispatchFailed indicates that the CI server refused or failed a build trigger
	ErrDispatchFailed = errors.New("build dispatch failed")
)

// RefChangeError represents a malformed ref change in a push
type RefChangeError struct {
	RefID  string
	Reason string
	Err    error
}

func (e *RefChangeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid ref change for %s: %s: %v", e.RefID, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid ref change for %s: %v", e.RefID, e.Err)
}

func (e *RefChangeError) Unwrap() error {
	return e.Err
}

// NewRefChangeError creates a new RefChangeError
func NewRefChangeError(refID, reason string, err error) *RefChangeError {
	return &RefChangeError{RefID: refID, Reason: reason, Err: err}
}

// DispatchError represents a failed build trigger on a CI server
type DispatchError struct {
	Job        string
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("failed to trigger build %s", e.Job)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += fmt.Sprintf(": %s", e.Body)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Is returns true if the target error is ErrDispatchFailed
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatchFailed
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new DispatchError
func NewDispatchError(job string, statusCode int, body string, err error) *DispatchError {
	return &DispatchError{
		Job:        job,
		StatusCode: statusCode,
		Body:       body,
		Err:        err,
	}
}

// PolicyError represents a failed configuration lookup for a repository
type PolicyError struct {
	RepoID string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("failed to load policy for repository %s: %v", e.RepoID, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// NewPolicyError creates a new PolicyError
func NewPolicyError(repoID string, err error) *PolicyError {
	return &PolicyError{RepoID: repoID, Err: err}
}
