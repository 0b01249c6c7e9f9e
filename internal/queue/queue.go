// Package queue carries payment access events and certificate rendering jobs
// over RabbitMQ.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Queue names
const (
	AccessQueueName      = "escape.access"
	CertificateQueueName = "escape.certificates"
	RenderedQueueName    = "escape.certificates.rendered"
)

// QueueSpec declares one durable queue
type QueueSpec struct {
	Name string
	// TTL drops unconsumed messages after this long; zero keeps them forever.
	TTL time.Duration
}

// Topology lists every queue the bot declares. Access events never expire:
// a lost payment would lock a paying user out.
var Topology = []QueueSpec{
	{Name: AccessQueueName},
	{Name: CertificateQueueName, TTL: 24 * time.Hour},
	{Name: RenderedQueueName, TTL: 24 * time.Hour},
}

// AccessGrantedEvent is published by the payment integration once a user has
// paid for the course.
type AccessGrantedEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
}

// CertificateJob asks the renderer to produce a completion certificate
type CertificateJob struct {
	ID             uuid.UUID `json:"id"`
	CertificateID  uuid.UUID `json:"certificate_id"`
	UserID         int64     `json:"user_id"`
	Name           string    `json:"name"`
	LiberationCode string    `json:"liberation_code"`
	Accuracy       float64   `json:"accuracy"`
	CompletedAt    time.Time `json:"completed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// CertificateRendered reports the outcome of a CertificateJob
type CertificateRendered struct {
	JobID       uuid.UUID `json:"job_id"`
	UserID      int64     `json:"user_id"`
	Status      string    `json:"status"` // rendered, failed
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Rendering statuses
const (
	StatusRendered = "rendered"
	StatusFailed   = "failed"
)
