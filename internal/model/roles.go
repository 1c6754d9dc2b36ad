package model

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleArchitect  Role = "architect"
	RoleEngineer   Role = "engineer"
	RoleTester     Role = "tester"
	RoleCodeReview Role = "code_review"
	RoleSecurity   Role = "security"
	RoleDevops     Role = "devops"
)

// DefaultPipeline returns the full role sequence in execution order.
func DefaultPipeline() []Role {
	return []Role{RoleArchitect, RoleEngineer, RoleTester, RoleCodeReview, RoleSecurity, RoleDevops}
}

func ParseRole(value string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(value))) {
	case RoleArchitect:
		return RoleArchitect, nil
	case RoleEngineer:
		return RoleEngineer, nil
	case RoleTester:
		return RoleTester, nil
	case RoleCodeReview:
		return RoleCodeReview, nil
	case RoleSecurity:
		return RoleSecurity, nil
	case RoleDevops:
		return RoleDevops, nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

func ParseRoles(values []string) ([]Role, error) {
	roles := make([]Role, 0, len(values))
	seen := map[Role]bool{}
	for _, value := range values {
		role, err := ParseRole(value)
		if err != nil {
			return nil, err
		}
		if seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	return roles, nil
}
