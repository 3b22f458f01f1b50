// Package service implements the transfer lifecycle: create, retrieve with
// expiry and read-state tracking, read receipts and expiry sweeps.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smallwat3r/codedrop/internal/blob"
	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/metrics"
	"github.com/smallwat3r/codedrop/internal/notify"
	"github.com/smallwat3r/codedrop/internal/utility"
	"github.com/smallwat3r/codedrop/internal/validation"
)

// ReadPolicy decides what happens when an already read transfer is
// retrieved again.
type ReadPolicy string

const (
	// ReadMany returns the content on every read until expiry. The read
	// receipt still goes out only once.
	ReadMany ReadPolicy = "read-many"
	// ConsumeOnce refuses every read after the first.
	ConsumeOnce ReadPolicy = "consume-once"
)

// Valid reports whether p is a known policy.
func (p ReadPolicy) Valid() bool {
	return p == ReadMany || p == ConsumeOnce
}

// Upload is an image file submitted with a create request.
type Upload struct {
	Reader   io.Reader
	Filename string
}

// CreateInput is a create request. Image is only read for image transfers.
type CreateInput struct {
	Content     string
	Type        domain.TransferType
	SenderEmail string
	Image       *Upload
}

// CreateResult describes a newly created transfer.
type CreateResult struct {
	Code      string
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

// TransferService owns the transfer lifecycle. It is safe for concurrent use.
type TransferService struct {
	repo     domain.TransferRepository
	blobs    blob.Storage
	notifier notify.Notifier

	now           func() time.Time
	generateCode  func() (string, error)
	ttl           time.Duration
	retention     time.Duration
	policy        ReadPolicy
	maxAttempts   int
	notifyTimeout time.Duration

	// in-flight read receipts
	wg sync.WaitGroup
}

// Option configures a TransferService.
type Option func(*TransferService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *TransferService) { s.now = now }
}

// WithTTL sets how long new transfers can be retrieved.
func WithTTL(ttl time.Duration) Option {
	return func(s *TransferService) { s.ttl = ttl }
}

// WithRetention sets how long expired records are kept before the sweeper
// deletes them. It should match the repository's retention.
func WithRetention(d time.Duration) Option {
	return func(s *TransferService) { s.retention = d }
}

// WithPolicy sets the read policy. The default is ReadMany.
func WithPolicy(p ReadPolicy) Option {
	return func(s *TransferService) { s.policy = p }
}

// WithCodeGenerator replaces domain.GenerateCode.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *TransferService) { s.generateCode = gen }
}

// WithMaxCodeAttempts bounds how many codes Create tries.
func WithMaxCodeAttempts(n int) Option {
	return func(s *TransferService) { s.maxAttempts = n }
}

// WithNotifyTimeout bounds a single read receipt delivery.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *TransferService) { s.notifyTimeout = d }
}

// New returns a TransferService storing records in repo and images in
// blobs, with read receipts sent through notifier.
func New(repo domain.TransferRepository, blobs blob.Storage, notifier notify.Notifier, opts ...Option) *TransferService {
	s := &TransferService{
		repo:          repo,
		blobs:         blobs,
		notifier:      notifier,
		now:           time.Now,
		generateCode:  domain.GenerateCode,
		ttl:           domain.DefaultTTL,
		retention:     domain.DefaultExpiredRetention,
		policy:        ReadMany,
		maxAttempts:   domain.MaxCodeAttempts,
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in, stores any uploaded image and persists a new unread
// transfer under a fresh code.
func (s *TransferService) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if err := validateCreate(&in); err != nil {
		return CreateResult{}, err
	}

	now := s.now().UTC()
	t := domain.Transfer{
		Content:     in.Content,
		Type:        in.Type,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		SenderEmail: in.SenderEmail,
	}

	if in.Type == domain.TypeImage {
		key, checksum, err := s.storeImage(ctx, in.Image)
		if err != nil {
			return CreateResult{}, err
		}
		t.Content = s.blobs.URL(key)
		t.ObjectKey = key
		t.Checksum = checksum
	}

	code, err := s.insert(ctx, t)
	if err != nil {
		if t.ObjectKey != "" {
			s.deleteObject(ctx, t.ObjectKey)
		}
		return CreateResult{}, err
	}

	metrics.TransfersCreated.WithLabelValues(string(t.Type)).Inc()
	slog.Info("transfer created", "code", code, "type", t.Type, "expires_at", t.ExpiresAt)

	return CreateResult{
		Code:      code,
		ExpiresIn: s.ttl,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// insert re-rolls the code until the store accepts it.
func (s *TransferService) insert(ctx context.Context, t domain.Transfer) (string, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return "", err
		}
		t.Code = code

		replaced, err := s.repo.Insert(ctx, t)
		if err == nil {
			if replaced.ObjectKey != "" {
				s.deleteObject(ctx, replaced.ObjectKey)
			}
			return code, nil
		}
		if !errors.Is(err, domain.ErrCodeTaken) {
			return "", err
		}
		slog.Debug("transfer code collision", "attempt", attempt)
	}
	return "", fmt.Errorf("%w after %d attempts", domain.ErrCapacity, s.maxAttempts)
}

func (s *TransferService) storeImage(ctx context.Context, up *Upload) (key, checksum string, err error) {
	data, err := io.ReadAll(io.LimitReader(up.Reader, domain.MaxImageSize+1))
	if err != nil {
		return "", "", fmt.Errorf("read upload: %w", err)
	}
	mimeType, ext, err := validation.DetectImage(data, domain.MaxImageSize)
	if err != nil {
		return "", "", domain.Invalid("image", err.Error())
	}

	key = uuid.NewString() + ext
	if err := s.blobs.Save(ctx, key, bytes.NewReader(data), mimeType); err != nil {
		return "", "", fmt.Errorf("store image: %w", err)
	}
	return key, utility.Checksum(data), nil
}

func (s *TransferService) deleteObject(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("failed to delete uploaded image", "key", key, "error", err)
	}
}

func validateCreate(in *CreateInput) error {
	if in.Type == "" {
		return domain.Invalid("type", "is required")
	}
	if !in.Type.Valid() {
		return domain.Invalid("type", "must be one of: text, image")
	}

	switch in.Type {
	case domain.TypeText:
		if strings.TrimSpace(in.Content) == "" {
			return domain.Invalid("content", "is required")
		}
		if len(in.Content) > domain.MaxTextSize {
			return domain.Invalid("content", fmt.Sprintf("must be at most %d bytes", domain.MaxTextSize))
		}
	case domain.TypeImage:
		if in.Image == nil || in.Image.Reader == nil {
			return domain.Invalid("image", "is required")
		}
	}

	in.SenderEmail = strings.TrimSpace(in.SenderEmail)
	if in.SenderEmail != "" {
		if err := validation.ValidateEmail(in.SenderEmail); err != nil {
			return domain.Invalid("email", err.Error())
		}
	}
	return nil
}

// Retrieve returns the transfer stored under code. The first successful
// retrieval marks it read and sends the sender a read receipt; concurrent
// first reads resolve to a single receipt.
func (s *TransferService) Retrieve(ctx context.Context, code string) (t domain.Transfer, err error) {
	defer func() {
		metrics.TransfersRetrieved.WithLabelValues(retrieveResult(err)).Inc()
	}()

	if !domain.ValidCode(code) {
		return domain.Transfer{}, domain.ErrNotFound
	}

	t, err = s.repo.Get(ctx, code)
	if err != nil {
		return domain.Transfer{}, err
	}

	now := s.now()
	if t.IsExpired(now) {
		return domain.Transfer{}, domain.ErrExpired
	}
	if t.IsRead {
		if s.policy == ConsumeOnce {
			return domain.Transfer{}, domain.ErrAlreadyConsumed
		}
		return t, nil
	}

	t, won, err := s.repo.MarkRead(ctx, code, now)
	if err != nil {
		return domain.Transfer{}, err
	}
	if !won {
		// another request got here first
		if s.policy == ConsumeOnce {
			return domain.Transfer{}, domain.ErrAlreadyConsumed
		}
		return t, nil
	}

	slog.Info("transfer read", "code", code, "type", t.Type)
	s.dispatchReceipt(ctx, t)
	return t, nil
}

func retrieveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrAlreadyConsumed):
		return "consumed"
	default:
		return "error"
	}
}

// dispatchReceipt sends the read receipt in the background. Failures are
// logged and never reach the caller.
func (s *TransferService) dispatchReceipt(ctx context.Context, t domain.Transfer) {
	if t.SenderEmail == "" {
		slog.Debug("no sender email provided, skipping read receipt", "code", t.Code)
		return
	}

	receipt := notify.Receipt{
		To:   t.SenderEmail,
		Code: t.Code,
		Type: t.Type,
	}
	if t.ReadAt != nil {
		receipt.ReadAt = *t.ReadAt
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		if err := s.sendReceipt(ctx, receipt); err != nil {
			metrics.ReadReceipts.WithLabelValues("failed").Inc()
			slog.Error("failed to send read receipt", "code", receipt.Code, "error", err)
			return
		}
		metrics.ReadReceipts.WithLabelValues("sent").Inc()
	}()
}

func (s *TransferService) sendReceipt(ctx context.Context, r notify.Receipt) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrNotification, p)
		}
	}()
	if err := s.notifier.SendReadReceipt(ctx, r); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNotification, err)
	}
	return nil
}

// Ping reports whether the transfer store is reachable.
func (s *TransferService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close waits for in-flight read receipts, or until ctx is done.
func (s *TransferService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
