package model

import "time"

// Conversation is the thread between one buyer and one seller about one
// listing. There is at most one per (listing, buyer, seller).
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	ListingID string    `db:"listing_id" json:"listing_id"`
	BuyerID   string    `db:"buyer_id" json:"buyer_id"`
	SellerID  string    `db:"seller_id" json:"seller_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.BuyerID || userID == c.SellerID)
}

// Counterpart returns the other participant, or "" if userID is not one.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.BuyerID:
		return c.SellerID
	case c.SellerID:
		return c.BuyerID
	}
	return ""
}
