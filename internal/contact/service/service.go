package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"contactlink/internal/contact/metrics"
	"contactlink/internal/contact/models"
	dErrors "contactlink/pkg/domain-errors"
	"contactlink/pkg/platform/sentinel"
	"contactlink/pkg/requestcontext"
)

// Store is the narrow persistence contract the reconciliation core depends on.
// Implementations are pure I/O; ordering is createdAt ascending, then id.
type Store interface {
	FindByAttributes(ctx context.Context, email, phone string) ([]*models.Contact, error)
	FindByIDOrLinkedIDIn(ctx context.Context, ids []int64) ([]*models.Contact, error)
	FindByID(ctx context.Context, id int64) (*models.Contact, error)
	Insert(ctx context.Context, contact *models.Contact) (*models.Contact, error)
	Update(ctx context.Context, id int64, update models.LinkUpdate) (*models.Contact, error)
	// LockAttributes serializes transactions that mention the same email or
	// phone, including values no row carries yet.
	LockAttributes(ctx context.Context, email, phone string) error
}

// StoreTx provides the transactional boundary around closure resolution and
// reconciliation. Implementations wrap a database transaction or, in memory,
// a staged copy behind a lock.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(store Store) error) error
}

// ViewCache caches projected identities keyed by primary contact id. Every
// invalidation advances the primary's generation; a fill only lands while the
// generation read before the store read is still current.
type ViewCache interface {
	Get(ctx context.Context, primaryID int64) (*models.IdentityView, error)
	Generation(ctx context.Context, primaryID int64) (int64, error)
	SetIfUnchanged(ctx context.Context, view *models.IdentityView, generation int64) (bool, error)
	Invalidate(ctx context.Context, primaryIDs ...int64) error
}

// EventPublisher receives identity changes after they commit.
type EventPublisher interface {
	Publish(ctx context.Context, event models.IdentityEvent) error
}

// Clock returns the time to stamp mutations with. The default reads the
// request-scoped time set by middleware.
type Clock func(ctx context.Context) time.Time

var tracer = otel.Tracer("contactlink/internal/contact/service")

// Service orchestrates identify requests and identity lookups.
type Service struct {
	store      Store
	tx         StoreTx
	reconciler *Reconciler
	cache      ViewCache
	events     EventPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      Clock
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the request clock, mainly for deterministic tests.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithViewCache(cache ViewCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithEventPublisher(events EventPublisher) Option {
	return func(s *Service) {
		s.events = events
	}
}

// New constructs a Service. store serves reads outside a transaction; tx
// scopes every identify request.
func New(store Store, tx StoreTx, opts ...Option) *Service {
	s := &Service{store: store, tx: tx, clock: requestcontext.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.reconciler = NewReconciler(s.clock, s.logger)
	return s
}

// Identify resolves the request's closure, reconciles it into one cluster and
// returns the consolidated identity.
func (s *Service) Identify(ctx context.Context, req *models.IdentifyRequest) (*models.IdentityView, error) {
	ctx, span := tracer.Start(ctx, "contact.Service.Identify")
	defer span.End()
	start := time.Now()

	req.Normalize()
	if err := req.Validate(); err != nil {
		s.observeIdentify("invalid", start)
		return nil, err
	}
	email, phone := req.Email, req.PhoneNumber.String()

	var outcome *Outcome
	err := s.tx.RunInTx(ctx, func(store Store) error {
		if err := store.LockAttributes(ctx, email, phone); err != nil {
			return err
		}
		closure, err := ResolveClosure(ctx, store, email, phone)
		if err != nil {
			return err
		}
		outcome, err = s.reconciler.Reconcile(ctx, store, email, phone, closure)
		return err
	})
	if err != nil {
		err = translateStoreError(err, "failed to identify contact")
		span.RecordError(err)
		span.SetStatus(codes.Error, "identify failed")
		s.observeIdentify(string(dErrors.CodeOf(err)), start)
		s.logError(ctx, "identify failed", err)
		return nil, err
	}

	view := Project(outcome.Primary, outcome.Contacts)
	span.SetAttributes(
		attribute.Int64("contact.primary_id", view.PrimaryContactID),
		attribute.Int("contact.cluster_size", len(outcome.Contacts)),
		attribute.String("contact.outcome", outcome.Kind()),
	)
	s.observeIdentify(outcome.Kind(), start)
	s.observeOutcome(outcome)
	s.afterCommit(ctx, outcome)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "identify completed",
			"primary_contact_id", view.PrimaryContactID,
			"outcome", outcome.Kind(),
			"demoted", len(outcome.DemotedPrimaryIDs),
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return &view, nil
}

// Lookup returns the identity of the cluster containing contact id.
func (s *Service) Lookup(ctx context.Context, id int64) (*models.IdentityView, error) {
	ctx, span := tracer.Start(ctx, "contact.Service.Lookup", trace.WithAttributes(attribute.Int64("contact.id", id)))
	defer span.End()

	contact, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "contact not found")
		}
		return nil, translateStoreError(err, "failed to load contact")
	}
	if contact.IsDeleted() {
		return nil, dErrors.New(dErrors.CodeNotFound, "contact not found")
	}

	primaryID := contact.ID
	if contact.IsSecondary() && contact.LinkedID != nil {
		primaryID = *contact.LinkedID
	}

	// A merge committed after FindByID can demote the primary we resolved;
	// follow its new link a bounded number of times.
	for hop := 0; hop < maxLookupHops; hop++ {
		if view := s.cachedView(ctx, primaryID); view != nil {
			return view, nil
		}
		generation, fill := s.cacheGeneration(ctx, primaryID)

		members, err := s.store.FindByIDOrLinkedIDIn(ctx, []int64{primaryID})
		if err != nil {
			return nil, translateStoreError(err, "failed to load identity")
		}
		primary := findByID(members, primaryID)
		if primary != nil && primary.IsSecondary() && primary.LinkedID != nil {
			primaryID = *primary.LinkedID
			continue
		}
		if primary == nil || !primary.IsPrimary() || primary.IsDeleted() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "identity cluster has no primary contact")
		}

		view := Project(primary, members)
		if fill {
			if _, err := s.cache.SetIfUnchanged(ctx, &view, generation); err != nil {
				s.logError(ctx, "identity cache write failed", err)
			}
		}
		return &view, nil
	}
	return nil, dErrors.New(dErrors.CodeInvariantViolation, "identity cluster link chain too long")
}

const maxLookupHops = 3

func findByID(contacts []*models.Contact, id int64) *models.Contact {
	for _, c := range contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// cacheGeneration reports the primary's cache generation and whether a fill
// should be attempted at all.
func (s *Service) cacheGeneration(ctx context.Context, primaryID int64) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	generation, err := s.cache.Generation(ctx, primaryID)
	if err != nil {
		s.logError(ctx, "identity cache generation read failed", err)
		return 0, false
	}
	return generation, true
}

func (s *Service) cachedView(ctx context.Context, primaryID int64) *models.IdentityView {
	if s.cache == nil {
		return nil
	}
	view, err := s.cache.Get(ctx, primaryID)
	switch {
	case err == nil:
		s.observeCache("hit")
		return view
	case errors.Is(err, sentinel.ErrNotFound):
		s.observeCache("miss")
	default:
		s.observeCache("error")
		s.logError(ctx, "identity cache read failed", err)
	}
	return nil
}

// afterCommit drops cached views of every primary the change touched and
// publishes the change. Both are best-effort: the reconciliation is already
// durable. Views are refilled by Lookup.
func (s *Service) afterCommit(ctx context.Context, outcome *Outcome) {
	if !outcome.Changed() {
		return
	}
	if s.cache != nil {
		ids := append([]int64{outcome.Primary.ID}, outcome.DemotedPrimaryIDs...)
		if err := s.cache.Invalidate(ctx, ids...); err != nil {
			s.logError(ctx, "identity cache invalidation failed", err)
		}
	}
	if s.events != nil {
		event := outcome.Event(s.clock(ctx), requestcontext.RequestID(ctx))
		if err := s.events.Publish(ctx, event); err != nil {
			if s.metrics != nil {
				s.metrics.IncEventPublishFailures()
			}
			s.logError(ctx, "identity event publish failed", err)
		}
	}
}

// observeOutcome counts committed changes only; rolled-back attempts of a
// retried transaction never reach it.
func (s *Service) observeOutcome(outcome *Outcome) {
	if s.metrics == nil {
		return
	}
	if outcome.Created != nil {
		s.metrics.IncContactsCreated(string(outcome.Created.LinkPrecedence))
	}
	s.metrics.AddDemotions(len(outcome.DemotedPrimaryIDs))
	s.metrics.AddRepairs(outcome.Repairs)
}

func (s *Service) observeIdentify(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveIdentify(outcome, time.Since(start).Seconds())
	}
}

func (s *Service) observeCache(result string) {
	if s.metrics != nil {
		s.metrics.IncCacheLookup(result)
	}
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.ErrorContext(ctx, msg,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
}

// translateStoreError maps infrastructure failures onto domain codes. Errors
// that already carry a code pass through unchanged.
func translateStoreError(err error, message string) error {
	if _, ok := dErrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "store operation timed out")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "contact store unavailable")
	case errors.Is(err, sentinel.ErrInvalidInput):
		return dErrors.Wrap(err, dErrors.CodeValidation, "email or phoneNumber cannot be stored")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, message)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, message)
	}
}
