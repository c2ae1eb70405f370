package service

import (
	"context"
	"fmt"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"

	"github.com/google/uuid"
)

// --- DTOs ---

type RoleResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	IsSystem    bool                 `json:"is_system"`
	Permissions []PermissionResponse `json:"permissions"`
	CreatedAt   string               `json:"created_at"`
}

type PermissionResponse struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// --- Interface ---

type RoleService interface {
	ListRoles(ctx context.Context) ([]RoleResponse, error)
	GetPermissionsByRoleName(ctx context.Context, roleName string) ([]string, error)
	SeedDefaultRolesAndPermissions(ctx context.Context) error
}

type roleService struct {
	repo repository.RoleRepository
}

func NewRoleService(repo repository.RoleRepository) RoleService {
	return &roleService{repo: repo}
}

var defaultPermissions = []model.Permission{
	{Code: model.PermRequestsSubmit, Name: "Submit access requests", Group: "requests"},
	{Code: model.PermRequestsRead, Name: "View access requests", Group: "requests"},
	{Code: model.PermRequestsDecide, Name: "Approve or reject a stage", Group: "requests"},
	{Code: model.PermTasksManage, Name: "Assign and cancel implementation tasks", Group: "tasks"},
	{Code: model.PermTasksWork, Name: "Work on assigned tasks", Group: "tasks"},
	{Code: model.PermAuditRead, Name: "View audit history", Group: "audit"},
}

var approverPerms = []string{model.PermRequestsSubmit, model.PermRequestsRead, model.PermRequestsDecide}

var defaultRoles = []struct {
	Name        string
	Description string
	PermCodes   []string
}{
	{model.RoleStaff, "Hospital staff submitting requests", []string{model.PermRequestsSubmit, model.PermRequestsRead}},
	{model.RoleHeadOfDepartment, "Head of department, first approval stage", approverPerms},
	{model.RoleDivisionalDirector, "Divisional director", approverPerms},
	{model.RoleICTDirector, "Director of ICT", approverPerms},
	{model.RoleHeadOfIT, "Head of IT, assigns implementation", append(append([]string{}, approverPerms...), model.PermTasksManage, model.PermAuditRead)},
	{model.RoleICTOfficer, "ICT officer implementing approved requests", append(append([]string{}, approverPerms...), model.PermTasksWork)},
	{model.RoleAdmin, "Administrator with every permission", nil},
}

// --- Implementation ---

func (s *roleService) ListRoles(ctx context.Context) ([]RoleResponse, error) {
	roles, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roles: %w", err)
	}

	res := make([]RoleResponse, 0, len(roles))
	for _, r := range roles {
		res = append(res, toRoleResponse(r))
	}
	return res, nil
}

func (s *roleService) GetPermissionsByRoleName(ctx context.Context, roleName string) ([]string, error) {
	codes, err := s.repo.GetPermissionsByRoleName(ctx, roleName)
	if err != nil {
		return nil, fmt.Errorf("role '%s' permissions: %w", roleName, err)
	}
	return codes, nil
}

// SeedDefaultRolesAndPermissions creates the default permissions and roles if not already present
func (s *roleService) SeedDefaultRolesAndPermissions(ctx context.Context) error {
	permIDByCode := make(map[string]uuid.UUID, len(defaultPermissions))
	allIDs := make([]uuid.UUID, 0, len(defaultPermissions))
	for _, def := range defaultPermissions {
		p := def
		if err := s.repo.FindOrCreatePermission(ctx, &p); err != nil {
			return fmt.Errorf("failed to seed permission '%s': %w", p.Code, err)
		}
		permIDByCode[p.Code] = p.ID
		allIDs = append(allIDs, p.ID)
	}

	for _, def := range defaultRoles {
		role := model.Role{Name: def.Name, Description: def.Description, IsSystem: true}
		if err := s.repo.FindOrCreate(ctx, &role); err != nil {
			return fmt.Errorf("failed to seed role '%s': %w", def.Name, err)
		}

		ids := allIDs
		if def.PermCodes != nil {
			ids = make([]uuid.UUID, 0, len(def.PermCodes))
			for _, code := range def.PermCodes {
				if id, ok := permIDByCode[code]; ok {
					ids = append(ids, id)
				}
			}
		}
		if err := s.repo.AssociatePermissions(ctx, role.ID, ids); err != nil {
			return fmt.Errorf("failed to assign permissions to role '%s': %w", def.Name, err)
		}
	}

	return nil
}

// --- Helpers ---

func toRoleResponse(r model.Role) RoleResponse {
	perms := make([]PermissionResponse, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, PermissionResponse{
			ID:    p.ID.String(),
			Code:  p.Code,
			Name:  p.Name,
			Group: p.Group,
		})
	}

	return RoleResponse{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		IsSystem:    r.IsSystem,
		Permissions: perms,
		CreatedAt:   r.CreatedAt.Format(timeLayout),
	}
}
