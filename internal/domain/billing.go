package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

type ReconciliationStatus string

const (
	ReconPending      ReconciliationStatus = "pending"
	ReconMatched      ReconciliationStatus = "matched"
	ReconUnmatched    ReconciliationStatus = "unmatched"
	ReconManualReview ReconciliationStatus = "manual_review"
)

// Transaction is one payment attempt.
type Transaction struct {
	ID                   string
	TenantID             string
	PlanID               string
	HotspotID            *string
	UserPhone            string
	Amount               decimal.Decimal
	Status               TransactionStatus
	StatusDescription    *string
	ReconciliationStatus ReconciliationStatus
	MpesaReceiptNumber   *string
	CheckoutRequestID    *string
	WifiUserID           *string
	ExpiresAt            *time.Time
	// CreditedAt is set once the paid time and any wallet excess have been applied.
	CreditedAt *time.Time
	// ActivatedAt is set once the session exists on the network device.
	ActivatedAt *time.Time
	CreatedAt   time.Time
}

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserExpired   UserStatus = "expired"
)

type AccountType string

const (
	AccountHotspot AccountType = "hotspot"
	PPPoE          AccountType = "pppoe"
	Static         AccountType = "static"
)

type WifiUser struct {
	ID               string
	TenantID         string
	PhoneNumber      string
	Status           UserStatus
	CurrentPlanID    *string
	CurrentHotspotID *string
	ExpiryTime       *time.Time
	MacAddress       *string
	IPAddress        *string
	Username         *string
	Password         *string
	AccountType      AccountType
	CreatedAt        time.Time
}

// HasCredentials reports whether a username/password pair was issued before.
func (u *WifiUser) HasCredentials() bool {
	return u.Username != nil && *u.Username != "" && u.Password != nil && *u.Password != ""
}

// Expired reports whether the paid time has run out at now.
func (u *WifiUser) Expired(now time.Time) bool {
	return u.ExpiryTime != nil && !u.ExpiryTime.After(now)
}

type Plan struct {
	ID        string
	TenantID  string
	Name      string
	Price     decimal.Decimal
	Duration  time.Duration
	RateLimit string // router notation, e.g. "5M/5M"
}

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantTrial     TenantStatus = "trial"
	TenantSuspended TenantStatus = "suspended"
)

type GatewayCredentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
}

func (c GatewayCredentials) Configured() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Shortcode != "" && c.Passkey != ""
}

type Tenant struct {
	ID          string
	Name        string
	Status      TenantStatus
	TrialEndsAt *time.Time
	Gateway     GatewayCredentials
}

// Hotspot is the network device a user connects through, with both its REST
// management endpoint and its RADIUS dynamic-authorization endpoint.
type Hotspot struct {
	ID           string
	TenantID     string
	Name         string
	RouterURL    string
	RouterUser   string
	RouterPass   string
	NASAddress   string // dotted quad
	RadiusSecret string
}

// WalletCredit records excess payment moved to a user's wallet. The source
// transaction id is unique across credits.
type WalletCredit struct {
	ID                  string
	TenantID            string
	WifiUserID          string
	Amount              decimal.Decimal
	SourceTransactionID string
	CreatedAt           time.Time
}

// Entitlement is what a completed payment buys: Extend more access time for
// the user (created when the tenant has none with that phone), plan and device,
// credentials if none were issued before, and an optional wallet credit.
// Storage applies it at most once per transaction and writes the resulting
// user record back into User.
type Entitlement struct {
	TransactionID string
	User          *WifiUser
	Extend        time.Duration
	Credit        *WalletCredit
	At            time.Time
}
