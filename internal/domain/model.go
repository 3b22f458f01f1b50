package domain

import "time"

type TransferType string

const (
	TypeText  TransferType = "text"
	TypeImage TransferType = "image"
)

func (t TransferType) Valid() bool {
	return t == TypeText || t == TypeImage
}

// Transfer is a single shareable payload identified by its code.
type Transfer struct {
	Code        string       `json:"code"`
	Content     string       `json:"content"`
	Type        TransferType `json:"type"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	IsRead      bool         `json:"isRead"`
	ReadAt      *time.Time   `json:"readAt,omitempty"`
	SenderEmail string       `json:"senderEmail,omitempty"`
	ObjectKey   string       `json:"objectKey,omitempty"`
	Checksum    string       `json:"checksum,omitempty"`
}

// IsExpired reports whether the transfer can no longer be retrieved at now.
func (t Transfer) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Lifetime is the retrieval window the transfer was created with.
func (t Transfer) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.CreatedAt)
}

type CreateReq struct {
	Content string `json:"content"`
	Text    string `json:"text"` // alias for content
	Type    string `json:"type"` // one of: text, image
	Email   string `json:"email"`
}

type CreateRes struct {
	Code      string    `json:"code"`
	ExpiresIn int       `json:"expiresIn"` // seconds
	ExpiresAt time.Time `json:"expiresAt"`
}

type ReadRes struct {
	Code        string       `json:"code"`
	Content     string       `json:"content"`
	Type        TransferType `json:"type"`
	CreatedAt   time.Time    `json:"createdAt"`
	IsRead      bool         `json:"isRead"`
	ReadAt      *time.Time   `json:"readAt"`
	SenderEmail string       `json:"senderEmail,omitempty"`
	Checksum    string       `json:"checksum,omitempty"`
}

// NewReadRes builds the public view of t.
func NewReadRes(t Transfer) ReadRes {
	return ReadRes{
		Code:        t.Code,
		Content:     t.Content,
		Type:        t.Type,
		CreatedAt:   t.CreatedAt,
		IsRead:      t.IsRead,
		ReadAt:      t.ReadAt,
		SenderEmail: t.SenderEmail,
		Checksum:    t.Checksum,
	}
}
