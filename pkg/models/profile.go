package models

const (
	RoleFreeUser    = "free_user"
	RolePremiumUser = "premium_user"
)

// UserProfile is the subset of the accounts profile the pipeline needs.
// Role decides archival eligibility.
type UserProfile struct {
	UserID string `db:"id"    json:"user_id"`
	Name   string `db:"name"  json:"name"`
	Email  string `db:"email" json:"email"`
	Role   string `db:"role"  json:"role"`
}

// IsFree reports whether the user is on the free tier.
func (p *UserProfile) IsFree() bool {
	return p.Role == RoleFreeUser
}
