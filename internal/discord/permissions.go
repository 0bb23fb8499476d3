package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the operator role
// before executing privileged slash commands.
type PermissionChecker struct {
	operatorRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given operator
// role ID.
func NewPermissionChecker(operatorRoleID string) *PermissionChecker {
	return &PermissionChecker{operatorRoleID: operatorRoleID}
}

// IsOperator checks whether the interaction author has the configured
// operator role. If operatorRoleID is empty, all users are treated as
// operators (useful for development). Returns false if the interaction has
// no Member (e.g., DM channel interactions).
func (p *PermissionChecker) IsOperator(i *discordgo.InteractionCreate) bool {
	if p.operatorRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.operatorRoleID)
}
