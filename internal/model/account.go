package model

import "time"

// Tier is a membership level. Limits are resolved through the config tier
// table, never stored on the account.
type Tier string

const (
	TierOrca     Tier = "orca"
	TierHumpback Tier = "humpback"
	TierBlue     Tier = "blue"
)

// Account is the wallet owner identity as the authorization core sees it.
// Accounts are soft-disabled, never hard-deleted, so audit records keep a
// valid reference forever.
type Account struct {
	ID      string `json:"id" gorm:"primaryKey"`
	APIKey  string `json:"api_key" gorm:"uniqueIndex"`
	Tier    Tier   `json:"tier"`
	Address string `json:"address"` // on-chain address the shard set signs for

	// PBKDF2 digests, base64. The duress hash is a distinct credential;
	// matching it switches the session to the decoy path.
	PINHash       string `json:"-"`
	PINSalt       string `json:"-"`
	DuressPINHash string `json:"-"`
	DuressPINSalt string `json:"-"`

	ShardIDs       []string `json:"shard_ids" gorm:"serializer:json"`
	EmergencyEmail string   `json:"-"`

	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }
