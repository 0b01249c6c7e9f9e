package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/escape/internal/domain"
	"github.com/google/uuid"
)

// Publisher sends a JSON document to a named queue
type Publisher interface {
	PublishJSON(ctx context.Context, queue string, data any) error
}

// Producer publishes access events and certificate jobs
type Producer struct {
	pub    Publisher
	logger *slog.Logger
}

// NewProducer creates a new queue producer
func NewProducer(pub Publisher, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{pub: pub, logger: logger}
}

// PublishAccessGranted announces that a user paid for the course
func (p *Producer) PublishAccessGranted(ctx context.Context, ev *AccessGrantedEvent) error {
	if ev.UserID <= 0 {
		return fmt.Errorf("access event: invalid user id %d", ev.UserID)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.GrantedAt.IsZero() {
		ev.GrantedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, AccessQueueName, ev); err != nil {
		return fmt.Errorf("failed to publish access event: %w", err)
	}

	p.logger.Info("published access event",
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"provider", ev.Provider,
	)
	return nil
}

// PublishCertificateJob queues a certificate for rendering
func (p *Producer) PublishCertificateJob(ctx context.Context, job *CertificateJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, CertificateQueueName, job); err != nil {
		return fmt.Errorf("failed to publish certificate job: %w", err)
	}

	p.logger.Info("published certificate job",
		"job_id", job.ID,
		"certificate_id", job.CertificateID,
		"user_id", job.UserID,
	)
	return nil
}

// PublishRendered reports a rendering outcome
func (p *Producer) PublishRendered(ctx context.Context, res *CertificateRendered) error {
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now()
	}

	if err := p.pub.PublishJSON(ctx, RenderedQueueName, res); err != nil {
		return fmt.Errorf("failed to publish rendering result: %w", err)
	}

	p.logger.Info("published rendering result",
		"job_id", res.JobID,
		"user_id", res.UserID,
		"status", res.Status,
	)
	return nil
}

// IssueCertificate queues rendering for a freshly issued certificate
func (p *Producer) IssueCertificate(ctx context.Context, cert *domain.Certificate) error {
	return p.PublishCertificateJob(ctx, NewCertificateJob(cert))
}

// NewCertificateJob builds the rendering job for a certificate
func NewCertificateJob(cert *domain.Certificate) *CertificateJob {
	return &CertificateJob{
		ID:             uuid.New(),
		CertificateID:  cert.ID,
		UserID:         int64(cert.UserID),
		Name:           cert.Name,
		LiberationCode: cert.LiberationCode,
		Accuracy:       cert.Accuracy,
		CompletedAt:    cert.CompletedAt,
		CreatedAt:      time.Now(),
	}
}
