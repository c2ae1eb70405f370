package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a hospital staff member known to the identity system. Requesters,
// approvers and ICT officers are all users distinguished by Role.
type User struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Username   string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	FullName   string         `gorm:"type:varchar(255)" json:"full_name"`
	Email      string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Phone      string         `gorm:"type:varchar(20);not null" json:"phone"`
	Role       string         `gorm:"type:varchar(50);not null;index" json:"role"` // head_of_department, ict_officer, staff...
	Department string         `gorm:"type:varchar(100);index" json:"department"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"` // GORM soft delete
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}
