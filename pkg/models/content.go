package models

import "time"

// ContentKind distinguishes posts from comments
type ContentKind string

const (
	KindPost    ContentKind = "post"
	KindComment ContentKind = "comment"
)

// ContentStatus is the moderation state of a content item
type ContentStatus string

const (
	StatusActive  ContentStatus = "active"
	StatusRemoved ContentStatus = "removed"
)

// Content is a post or a comment
type Content struct {
	ID        string        `json:"id"`
	AuthorID  string        `json:"author_id"`
	Kind      ContentKind   `json:"kind"`
	ParentID  string        `json:"parent_id,omitempty"`
	Body      string        `json:"body"`
	CostPaid  int64         `json:"cost_paid"`
	Status    ContentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// RefKind returns the ledger ref kind for the item
func (c *Content) RefKind() RefKind {
	if c.Kind == KindComment {
		return RefComment
	}
	return RefPost
}

// InteractionKind is the kind of a social interaction
type InteractionKind string

const (
	InteractLike        InteractionKind = "like"
	InteractComment     InteractionKind = "comment"
	InteractReply       InteractionKind = "reply"
	InteractCommentLike InteractionKind = "comment_like"
)

// Interaction records that Actor engaged with something of Target
type Interaction struct {
	ID        string          `json:"id"`
	ActorID   string          `json:"actor_id"`
	TargetID  string          `json:"target_id"`
	Kind      InteractionKind `json:"kind"`
	ContentID string          `json:"content_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Like is unique per content and user. CircleAdmit is the share of the
// like's weight admitted by the liker's daily circle budget.
type Like struct {
	ContentID   string    `json:"content_id"`
	UserID      string    `json:"user_id"`
	FeePaid     int64     `json:"fee_paid"`
	CircleAdmit float64   `json:"circle_admit"`
	CreatedAt   time.Time `json:"created_at"`
}

// Follow is a directed follow edge
type Follow struct {
	FollowerID string    `json:"follower_id"`
	FolloweeID string    `json:"followee_id"`
	CreatedAt  time.Time `json:"created_at"`
}
