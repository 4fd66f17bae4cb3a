package service

import (
	"errors"
	"strings"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// Roles recognised by the access checks.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// ErrForbidden indicates the actor may not act on the submission.
var ErrForbidden = errors.New("access denied")

// Actor is the authenticated caller.
type Actor struct {
	ID   uint
	Role string
}

func (a Actor) role() string {
	return strings.ToLower(strings.TrimSpace(a.Role))
}

// AuthorizeView allows the owning student, the assignment's teacher and admins.
func AuthorizeView(actor Actor, submission models.Submission) error {
	switch actor.role() {
	case RoleAdmin:
		return nil
	case RoleStudent:
		if submission.StudentID == actor.ID {
			return nil
		}
	case RoleTeacher:
		if submission.Assignment.TeacherID == actor.ID {
			return nil
		}
	}
	return ErrForbidden
}

// AuthorizeReview allows the assignment's teacher and admins. Students may not
// reprocess or grade.
func AuthorizeReview(actor Actor, submission models.Submission) error {
	switch actor.role() {
	case RoleAdmin:
		return nil
	case RoleTeacher:
		if submission.Assignment.TeacherID == actor.ID {
			return nil
		}
	}
	return ErrForbidden
}
