package store

import (
	"time"

	"couponverse/api/internal/embedding"
)

// User is an account record. AvgEmbedding always has EmbeddingDim
// components; registration seeds it with the zero vector.
type User struct {
	ID           string
	UserName     string
	PasswordHash string
	PictureKey   string
	EmbeddingDim int
	AvgEmbedding embedding.Vector
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Coupon is one stored coupon. The client addresses coupons by their
// position in the user's list, so Position is contiguous from zero.
type Coupon struct {
	Position    int    `json:"-"`
	Title       string `json:"title"`
	Company     string `json:"company"`
	Category    string `json:"category"`
	ExpireDate  string `json:"expireDate"`
	IsUsed      bool   `json:"isUsed"`
	Description string `json:"description"`
	Code        string `json:"code"`
	BoughtFrom  string `json:"boughtFrom"`
}

// EmbedText is the projection of a coupon the embedding model sees:
// category, title, company and description concatenated, matching what the
// client historically sent.
func (c Coupon) EmbedText() string {
	return c.Category + c.Title + c.Company + c.Description
}

// Group is a chat group. Admins is always a subset of Members; admin
// status is a flag on the membership row, so the invariant holds by
// construction.
type Group struct {
	ID         string
	Name       string
	PictureKey string
	Admins     []string
	Members    []string
	CreatedAt  time.Time
}
