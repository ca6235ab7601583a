package room

import (
	"context"

	"github.com/pkg/errors"
)

// FlagStatus is a user's declared role. green is seeking help, red is
// offering it; none matches nothing.
type FlagStatus string

const (
	FlagNone  FlagStatus = "none"
	FlagGreen FlagStatus = "green"
	FlagRed   FlagStatus = "red"
)

// Compatible reports whether a joiner flag complements a creator flag.
func Compatible(creator, joiner FlagStatus) bool {
	switch {
	case creator == FlagRed && joiner == FlagGreen:
		return true
	case creator == FlagGreen && joiner == FlagRed:
		return true
	}
	return false
}

// Subject is the room metadata the authorizer needs, sourced from the REST
// layer which owns subject CRUD.
type Subject struct {
	SubjectID   string     `json:"subject_id"`
	CreatorID   string     `json:"creator_id"`
	CreatorFlag FlagStatus `json:"creator_flag"`
	Open        bool       `json:"open"`
}

// Directory resolves flags and subjects against the REST source of truth.
type Directory interface {
	FlagStatus(ctx context.Context, userID string) (FlagStatus, error)
	Subject(ctx context.Context, subjectID string) (*Subject, error)
}

// FlagAuthorizer enforces the compatibility rule: the creator always may
// (re)join their own subject, anybody else needs the complementary flag.
type FlagAuthorizer struct {
	Dir Directory
}

func (a *FlagAuthorizer) CanJoin(ctx context.Context, userID, subjectID string) (bool, error) {
	subj, err := a.Dir.Subject(ctx, subjectID)
	if err != nil {
		return false, errors.Wrapf(err, "resolve subject %s", subjectID)
	}
	if subj == nil || !subj.Open {
		return false, nil
	}
	if subj.CreatorID == userID {
		return true, nil
	}
	joinerFlag, err := a.Dir.FlagStatus(ctx, userID)
	if err != nil {
		return false, errors.Wrapf(err, "resolve flag for %s", userID)
	}
	return Compatible(subj.CreatorFlag, joinerFlag), nil
}
