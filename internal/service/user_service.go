package service

import (
	"context"
	"fmt"

	"ictaccess/internal/model"
	"ictaccess/internal/repository"
)

// UserResponse is a directory entry used to pick additional notify users and officers.
type UserResponse struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

type UserFilter struct {
	Role       string
	Department string
	Page       int
	Limit      int
}

type UserService interface {
	ListUsers(ctx context.Context, filter UserFilter) ([]UserResponse, int64, error)
}

type userService struct {
	repo repository.UserRepository
}

// NewUserService returns a new instance of UserService
func NewUserService(repo repository.UserRepository) UserService {
	return &userService{repo: repo}
}

func mapToResponse(user model.User) UserResponse {
	return UserResponse{
		ID:         user.ID.String(),
		Username:   user.Username,
		FullName:   user.DisplayName(),
		Email:      user.Email,
		Phone:      user.Phone,
		Role:       user.Role,
		Department: user.Department,
	}
}

// ListUsers pages through the directory. Filtering by role returns every match
// on one page since role lists are short.
func (s *userService) ListUsers(ctx context.Context, filter UserFilter) ([]UserResponse, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	var (
		users []model.User
		total int64
		err   error
	)
	if filter.Role != "" {
		users, err = s.repo.ListByRole(ctx, filter.Role, filter.Department)
		total = int64(len(users))
	} else {
		users, total, err = s.repo.List(ctx, filter.Page, filter.Limit)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}

	res := make([]UserResponse, 0, len(users))
	for _, u := range users {
		res = append(res, mapToResponse(u))
	}
	return res, total, nil
}
