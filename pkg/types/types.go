package types

import "time"

// AssetStatus represents the lifecycle state of a submitted knowledge asset.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetQueued     AssetStatus = "queued"
	AssetAssigned   AssetStatus = "assigned"
	AssetPublishing AssetStatus = "publishing"
	AssetPublished  AssetStatus = "published"
	AssetFailed     AssetStatus = "failed"
)

// Privacy controls how the payload is wrapped before being handed to the DKG.
type Privacy string

const (
	PrivacyPrivate Privacy = "private"
	PrivacyPublic  Privacy = "public"
)

// Asset is a caller's content submission plus its publishing metadata and
// lifecycle state. AssetStore exclusively owns this row.
type Asset struct {
	ID          int64
	ContentURL  string
	ContentSize int64

	Source   string
	SourceID string

	Priority     int
	Privacy      Privacy
	Epochs       int
	Replications int
	MaxAttempts  int

	AttemptCount int
	RetryCount   int

	Status   AssetStatus
	WalletID *int64

	UAL             string
	TransactionHash string
	Blockchain      string

	LastError string

	BatchID *int64

	CreatedAt           time.Time
	QueuedAt            *time.Time
	AssignedAt          *time.Time
	PublishingStartedAt *time.Time
	PublishedAt         *time.Time
	NextRetryAt         *time.Time
	UpdatedAt           time.Time
}

// IsTerminal reports whether the asset has reached a state from which no
// further worker or poller action will move it.
func (a *Asset) IsTerminal() bool {
	return a.Status == AssetPublished || (a.Status == AssetFailed && a.RetryCount >= a.MaxAttempts)
}

// AttemptStatus is the terminal (or in-flight) state of a single publish try.
type AttemptStatus string

const (
	AttemptStarted AttemptStatus = "started"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptTimeout AttemptStatus = "timeout"
)

// PublishingAttempt is an append-only record of a single publish try,
// retained for metrics and post-mortem. (AssetID, AttemptNumber) is unique.
type PublishingAttempt struct {
	ID              int64
	AssetID         int64
	AttemptNumber   int
	WorkerID        string
	WalletAddress   string
	WalletID        int64
	OtnodeURL       string
	Blockchain      string
	Status          AttemptStatus
	UAL             string
	TransactionHash string
	GasUsed         int64
	ErrorType       string
	ErrorMessage    string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
}

// Wallet is a blockchain-signing identity leased under mutual exclusion.
// WalletPool exclusively owns this row.
type Wallet struct {
	ID               int64
	Address          string
	SecretCiphertext []byte
	Blockchain       string
	Active           bool
	Locked           bool
	LockedBy         string
	LockedAt         *time.Time
	LastUsedAt       *time.Time
	TotalUses        int64
	SuccessfulUses   int64
	FailedUses       int64
}

// WalletStats summarizes pool-wide wallet availability.
type WalletStats struct {
	Total     int
	Available int
	InUse     int
	AvgUses   float64
}

// BatchCounters tracks monotonic progress of a batch's member assets.
type BatchCounters struct {
	Total      int
	Pending    int
	Processing int
	Published  int
	Failed     int
}

// Batch is an optional grouping of assets submitted together.
type Batch struct {
	ID          int64
	Name        string
	Source      string
	Counters    BatchCounters
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// RegisterInput is the caller-supplied payload for AssetStore.Register.
type RegisterInput struct {
	Content  []byte
	Source   string
	SourceID string
	BatchID  *int64

	Priority     int
	Privacy      Privacy
	Epochs       int
	Replications int
	MaxAttempts  int
}

// ListFilter narrows AssetStore.ListBySource results.
type ListFilter struct {
	Status *AssetStatus
	Limit  int
	Offset int
}

// RetryFailedFilter narrows AssetStore.RetryFailed's bulk re-queue.
type RetryFailedFilter struct {
	Source      string
	MaxAttempts int
}

// AttemptResult is the terminal outcome recorded by UpdateAttempt.
type AttemptResult struct {
	Status          AttemptStatus
	UAL             string
	TransactionHash string
	GasUsed         int64
	ErrorType       string
	ErrorMessage    string
	DurationSeconds float64
}
