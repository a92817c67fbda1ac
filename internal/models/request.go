package models

import (
	"time"

	"github.com/google/uuid"
)

type RequestTier string

const (
	TierCommunity RequestTier = "community"
	TierStandard  RequestTier = "standard"
	TierPro       RequestTier = "pro"
)

type RoutingStrategy string

const (
	StrategyCommunity  RoutingStrategy = "community"
	StrategyMixed      RoutingStrategy = "mixed"
	StrategyExpertOnly RoutingStrategy = "expert_only"
)

type RequestStatus string

const (
	RequestOpen       RequestStatus = "open"
	RequestInProgress RequestStatus = "in_progress"
	RequestClosed     RequestStatus = "closed"
	RequestCompleted  RequestStatus = "completed"
)

// Targeting restricts which reviewers may see a request. Empty slices match
// everyone.
type Targeting struct {
	AgeRanges   []string `json:"age_ranges,omitempty"`
	Genders     []string `json:"genders,omitempty"`
	Professions []string `json:"professions,omitempty"`
	Locations   []string `json:"locations,omitempty"`
}

// Request carries the verdict request fields routing cares about.
type Request struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"user_id"`
	Tier                 RequestTier     `json:"request_tier"`
	Strategy             RoutingStrategy `json:"routing_strategy"`
	ExpertOnly           bool            `json:"expert_only"`
	Category             string          `json:"category,omitempty"`
	Targeting            Targeting       `json:"targeting"`
	Status               RequestStatus   `json:"status"`
	RoutedAt             *time.Time      `json:"routed_at,omitempty"`
	TargetVerdictCount   int             `json:"target_verdict_count"`
	ReceivedVerdictCount int             `json:"received_verdict_count"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ReviewerProfile is read-only input to routing.
type ReviewerProfile struct {
	UserID            uuid.UUID `json:"user_id"`
	IsExpert          bool      `json:"is_expert"`
	ExpertCategories  []string  `json:"expert_categories,omitempty"`
	Available         bool      `json:"available"`
	DailyCap          int       `json:"daily_cap"`
	CurrentDailyCount int       `json:"current_daily_count"`
	AgeRange          string    `json:"age_range,omitempty"`
	Gender            string    `json:"gender,omitempty"`
	Profession        string    `json:"profession,omitempty"`
	Location          string    `json:"location,omitempty"`
	QualityScore      float64   `json:"quality_score"`
	CreatedAt         time.Time `json:"created_at"`
}

type Assignment struct {
	RequestID  uuid.UUID `json:"request_id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	IsExpert   bool      `json:"is_expert"`
	AssignedAt time.Time `json:"assigned_at"`
}
