package identity

import (
	"context"

	"github.com/ashita-ai/mcpgate/internal/model"
)

// RoleClassifier decides what an unverified caller is treated as. It is a
// trust decision, so it is always injected and never implied.
type RoleClassifier interface {
	Classify(ctx context.Context) (model.Principal, bool)
}

// NoClassifier leaves every unverified caller anonymous.
type NoClassifier struct{}

// Classify implements RoleClassifier.
func (NoClassifier) Classify(context.Context) (model.Principal, bool) {
	return model.Principal{}, false
}

// StaticClassifier assigns the same role to every unverified caller.
type StaticClassifier struct {
	UserID string
	Role   model.Role
}

// Classify implements RoleClassifier.
func (c StaticClassifier) Classify(context.Context) (model.Principal, bool) {
	return model.Principal{UserID: c.UserID, Role: c.Role}, true
}

// ClassifierFromConfig returns NoClassifier for an empty role, otherwise a
// StaticClassifier for it.
func ClassifierFromConfig(role string) RoleClassifier {
	if role == "" {
		return NoClassifier{}
	}
	return StaticClassifier{UserID: model.AnonymousUserID, Role: model.ParseRole(role)}
}
