package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"contactlink/internal/contact/metrics"
	"contactlink/internal/contact/models"
	"contactlink/internal/contact/service"
	"contactlink/internal/contact/store"
	dErrors "contactlink/pkg/domain-errors"
	"contactlink/pkg/platform/sentinel"
	"contactlink/pkg/requestcontext"
	"contactlink/pkg/testutil"
)

var baseTime = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

// steppingClock returns a strictly increasing time on every call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now(context.Context) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// contactSuite wires a service over the in-memory store with fake cache and
// publisher. It carries no tests of its own.
type contactSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.InMemory
	tx      *store.InMemoryTxManager
	cache   *fakeCache
	events  *fakePublisher
	service *service.Service
}

func (s *contactSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.tx = store.NewInMemoryTxManager(s.store, time.Second)
	s.cache = newFakeCache()
	s.events = &fakePublisher{}
	clock := &steppingClock{now: baseTime.Add(time.Hour)}
	s.service = service.New(s.store, s.tx,
		service.WithClock(clock.Now),
		service.WithViewCache(s.cache),
		service.WithEventPublisher(s.events),
	)
}

func (s *contactSuite) identify(email, phone string) *models.IdentityView {
	view, err := s.service.Identify(s.ctx, &models.IdentifyRequest{Email: email, PhoneNumber: models.PhoneNumber(phone)})
	s.Require().NoError(err)
	return view
}

func (s *contactSuite) seed(c *models.Contact) *models.Contact {
	stored, err := s.store.Insert(s.ctx, c)
	s.Require().NoError(err)
	return stored
}

type IdentifyServiceSuite struct {
	contactSuite
}

func TestIdentifyServiceSuite(t *testing.T) {
	suite.Run(t, new(IdentifyServiceSuite))
}

func (s *IdentifyServiceSuite) TearDownTest() {
	assertLinkInvariants(s.T(), s.store.All())
}

func primary(email, phone string, createdAt time.Time) *models.Contact {
	return &models.Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func secondary(email, phone string, linkedID int64, createdAt time.Time) *models.Contact {
	return &models.Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       &linkedID,
		LinkPrecedence: models.LinkPrecedenceSecondary,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func (s *IdentifyServiceSuite) TestNoMatchCreatesPrimary() {
	view := s.identify("a@x.com", "111")

	s.Equal(models.IdentityView{
		PrimaryContactID:    1,
		Emails:              []string{"a@x.com"},
		PhoneNumbers:        []string{"111"},
		SecondaryContactIDs: []int64{},
	}, *view)
	s.Require().Len(s.store.All(), 1)
	s.True(s.store.All()[0].IsPrimary())

	s.Require().Len(s.events.published, 1)
	s.Equal(models.EventContactCreated, s.events.published[0].Type)
}

func (s *IdentifyServiceSuite) TestEmailOnlyFirstSighting() {
	view := s.identify("doc@hillvalley.edu", "")

	s.Equal([]string{"doc@hillvalley.edu"}, view.Emails)
	s.Empty(view.PhoneNumbers)
	s.NotNil(view.PhoneNumbers)
}

func (s *IdentifyServiceSuite) TestExactRepeatIsIdempotent() {
	first := s.identify("a@x.com", "111")
	second := s.identify("a@x.com", "111")

	s.Equal(first, second)
	s.Len(s.store.All(), 1)
	s.Len(s.events.published, 1, "a no-op replay publishes nothing")
}

func (s *IdentifyServiceSuite) TestPartialMatchCreatesLinkedSecondary() {
	s.seed(primary("a@x.com", "111", baseTime))

	view := s.identify("a@x.com", "222")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"a@x.com"}, view.Emails)
	s.Equal([]string{"111", "222"}, view.PhoneNumbers)
	s.Equal([]int64{2}, view.SecondaryContactIDs)

	created, err := s.store.FindByID(s.ctx, 2)
	s.Require().NoError(err)
	s.True(created.IsLinkedTo(1))

	s.Require().Len(s.events.published, 1)
	s.Equal(models.EventContactLinked, s.events.published[0].Type)
}

func (s *IdentifyServiceSuite) TestSubsetRequestReturnsWholeCluster() {
	s.seed(primary("lorraine@hillvalley.edu", "123456", baseTime))
	s.seed(secondary("mcfly@hillvalley.edu", "123456", 1, baseTime.Add(time.Minute)))

	for _, req := range []struct{ email, phone string }{
		{"", "123456"},
		{"lorraine@hillvalley.edu", ""},
		{"mcfly@hillvalley.edu", ""},
		{"mcfly@hillvalley.edu", "123456"},
	} {
		view := s.identify(req.email, req.phone)

		s.Equal(models.IdentityView{
			PrimaryContactID:    1,
			Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
			PhoneNumbers:        []string{"123456"},
			SecondaryContactIDs: []int64{2},
		}, *view, "email=%q phone=%q", req.email, req.phone)
	}
	s.Len(s.store.All(), 2)
}

func (s *IdentifyServiceSuite) TestMergePicksOldestAsPrimary() {
	s.seed(primary("a@x.com", "", baseTime))
	s.seed(primary("", "222", baseTime.Add(time.Minute)))

	view := s.identify("a@x.com", "222")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
	s.Equal([]string{"a@x.com"}, view.Emails)
	s.Equal([]string{"222"}, view.PhoneNumbers)
	s.Len(s.store.All(), 2, "merge adds no contact")

	demoted, err := s.store.FindByID(s.ctx, 2)
	s.Require().NoError(err)
	s.True(demoted.IsLinkedTo(1))

	s.Require().Len(s.events.published, 1)
	event := s.events.published[0]
	s.Equal(models.EventIdentityMerged, event.Type)
	s.Equal([]int64{2}, event.DemotedContactIDs)
	s.Equal([]int64{1, 2}, s.cache.invalidated)
}

func (s *IdentifyServiceSuite) TestMergeRegardlessOfMatchOrder() {
	s.seed(primary("george@hillvalley.edu", "919191", baseTime))
	s.seed(primary("biffsucks@hillvalley.edu", "717171", baseTime.Add(time.Minute)))

	view := s.identify("biffsucks@hillvalley.edu", "919191")

	s.Equal(models.IdentityView{
		PrimaryContactID:    1,
		Emails:              []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"},
		PhoneNumbers:        []string{"919191", "717171"},
		SecondaryContactIDs: []int64{2},
	}, *view)
}

func (s *IdentifyServiceSuite) TestMergeCarriesLosingSecondaries() {
	s.seed(primary("a@x.com", "111", baseTime))
	s.seed(primary("b@x.com", "222", baseTime.Add(time.Minute)))
	s.seed(secondary("c@x.com", "222", 2, baseTime.Add(2*time.Minute)))

	view := s.identify("a@x.com", "222")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2, 3}, view.SecondaryContactIDs)
	s.Equal([]string{"a@x.com", "b@x.com", "c@x.com"}, view.Emails)
	s.Equal([]string{"111", "222"}, view.PhoneNumbers)

	relinked, err := s.store.FindByID(s.ctx, 3)
	s.Require().NoError(err)
	s.True(relinked.IsLinkedTo(1), "depth stays one after the merge")

	event := s.events.published[0]
	s.Equal([]int64{2}, event.DemotedContactIDs)
	s.Equal([]int64{3}, event.RelinkedContactIDs)
}

func (s *IdentifyServiceSuite) TestEqualCreatedAtBreaksTieByID() {
	s.seed(primary("a@x.com", "", baseTime))
	s.seed(primary("", "222", baseTime))

	view := s.identify("a@x.com", "222")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
}

func (s *IdentifyServiceSuite) TestTransitiveClosureViaLinkedID() {
	s.seed(primary("a@x.com", "111", baseTime))
	s.seed(secondary("b@x.com", "111", 1, baseTime.Add(time.Minute)))

	view := s.identify("b@x.com", "")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com"}, view.Emails)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
}

func (s *IdentifyServiceSuite) TestNoDuplicateAttributeValues() {
	s.seed(primary("a@x.com", "111", baseTime))
	s.seed(secondary("a@x.com", "222", 1, baseTime.Add(time.Minute)))
	s.seed(secondary("b@x.com", "111", 1, baseTime.Add(2*time.Minute)))

	view := s.identify("a@x.com", "")

	s.Equal([]string{"a@x.com", "b@x.com"}, view.Emails)
	s.Equal([]string{"111", "222"}, view.PhoneNumbers)
	s.Equal([]int64{2, 3}, view.SecondaryContactIDs)
}

func (s *IdentifyServiceSuite) TestPrimaryValuesListedFirst() {
	// An older secondary can only appear after a merge of a younger primary.
	s.seed(primary("young@x.com", "999", baseTime.Add(time.Hour)))
	s.seed(secondary("old@x.com", "999", 1, baseTime))

	view := s.identify("", "999")

	s.Equal([]string{"young@x.com", "old@x.com"}, view.Emails)
}

func (s *IdentifyServiceSuite) TestSoftDeletedContactsAreInvisible() {
	deletedAt := baseTime.Add(time.Minute)
	gone := primary("a@x.com", "111", baseTime)
	gone.DeletedAt = &deletedAt
	s.seed(gone)

	view := s.identify("a@x.com", "111")

	s.Equal(int64(2), view.PrimaryContactID)
	s.Empty(view.SecondaryContactIDs)
}

func (s *IdentifyServiceSuite) TestInvalidRequestNeverTouchesStore() {
	tx := &countingTx{}
	svc := service.New(s.store, tx)

	for _, req := range []*models.IdentifyRequest{
		{},
		{Email: "   ", PhoneNumber: " "},
	} {
		_, err := svc.Identify(s.ctx, req)

		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	}
	s.Zero(tx.calls)
}

func (s *IdentifyServiceSuite) TestValuesAreTrimmed() {
	view := s.identify("  a@x.com ", " 111 ")

	s.Equal([]string{"a@x.com"}, view.Emails)
	s.Equal([]string{"111"}, view.PhoneNumbers)
}

func (s *IdentifyServiceSuite) TestPublishFailureDoesNotFailRequest() {
	s.events.err = errors.New("broker down")

	view := s.identify("a@x.com", "111")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Len(s.store.All(), 1)
}

func (s *IdentifyServiceSuite) TestIdentifyInvalidatesCachedView() {
	first := s.identify("a@x.com", "111")
	s.cache.views[first.PrimaryContactID] = *first

	s.identify("a@x.com", "222")

	s.NotContains(s.cache.views, first.PrimaryContactID)
	s.Equal([]int64{1, 1}, s.cache.invalidated)
}

func (s *IdentifyServiceSuite) TestUnchangedIdentifyLeavesCacheAlone() {
	view := s.identify("a@x.com", "111")
	s.cache.views[view.PrimaryContactID] = *view

	s.identify("a@x.com", "111")

	s.Contains(s.cache.views, view.PrimaryContactID)
	s.Equal([]int64{1}, s.cache.invalidated)
}

type RepairSuite struct {
	contactSuite
}

func TestRepairSuite(t *testing.T) {
	suite.Run(t, new(RepairSuite))
}

func (s *RepairSuite) TestSecondaryPointingAtSecondaryIsReparented() {
	s.seed(primary("a@x.com", "111", baseTime))
	s.seed(secondary("b@x.com", "111", 1, baseTime.Add(time.Minute)))
	s.seed(secondary("c@x.com", "333", 2, baseTime.Add(2*time.Minute)))

	view := s.identify("c@x.com", "")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2, 3}, view.SecondaryContactIDs)

	repaired, err := s.store.FindByID(s.ctx, 3)
	s.Require().NoError(err)
	s.True(repaired.IsLinkedTo(1))
	s.Require().Len(s.events.published, 1)
	s.Equal(models.EventIdentityRepaired, s.events.published[0].Type)
}

func (s *RepairSuite) TestSelfLinkIsReparented() {
	s.seed(primary("a@x.com", "111", baseTime))
	s.seed(secondary("b@x.com", "111", 1, baseTime.Add(time.Minute)))
	self := int64(2)
	_, err := s.store.Update(s.ctx, 2, models.LinkUpdate{
		LinkPrecedence: models.LinkPrecedenceSecondary,
		LinkedID:       &self,
		UpdatedAt:      baseTime.Add(time.Minute),
	})
	s.Require().NoError(err)

	view := s.identify("", "111")

	s.Equal(int64(1), view.PrimaryContactID)
	repaired, err := s.store.FindByID(s.ctx, 2)
	s.Require().NoError(err)
	s.True(repaired.IsLinkedTo(1))
}

func (s *RepairSuite) TestUnlinkedSecondaryIsReparented() {
	s.seed(primary("a@x.com", "111", baseTime))
	orphan := secondary("b@x.com", "111", 1, baseTime.Add(time.Minute))
	orphan.LinkedID = nil
	s.seed(orphan)

	view := s.identify("", "111")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
}

func (s *RepairSuite) TestClosureWithoutPrimaryPromotesOldest() {
	s.seed(primary("anchor@x.com", "000", baseTime))
	s.seed(secondary("a@x.com", "111", 1, baseTime.Add(time.Minute)))
	s.seed(secondary("b@x.com", "111", 2, baseTime.Add(2*time.Minute)))
	// Detach the anchor so the closure of "111" holds only secondaries.
	deletedAt := baseTime.Add(3 * time.Minute)
	s.seedDeletedAnchor(deletedAt)

	view := s.identify("", "111")

	s.Equal(int64(2), view.PrimaryContactID)
	s.Equal([]int64{3}, view.SecondaryContactIDs)
	promoted, err := s.store.FindByID(s.ctx, 2)
	s.Require().NoError(err)
	s.True(promoted.IsPrimary())
	s.Nil(promoted.LinkedID)
}

// seedDeletedAnchor rebuilds the store so contact 1 is soft-deleted while its
// former secondaries keep pointing at it.
func (s *RepairSuite) seedDeletedAnchor(deletedAt time.Time) {
	rebuilt := store.NewInMemory()
	for _, c := range s.store.All() {
		if c.ID == 1 {
			c.DeletedAt = &deletedAt
		}
		_, err := rebuilt.Insert(s.ctx, c)
		s.Require().NoError(err)
	}
	s.store = rebuilt
	s.tx = store.NewInMemoryTxManager(rebuilt, time.Second)
	s.service = service.New(rebuilt, s.tx)
}

func (s *RepairSuite) TearDownTest() {
	assertLinkInvariants(s.T(), s.store.All())
}

type FailureSuite struct {
	suite.Suite
	ctx   context.Context
	store *store.InMemory
}

func TestFailureSuite(t *testing.T) {
	suite.Run(t, new(FailureSuite))
}

func (s *FailureSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	for _, c := range []*models.Contact{
		primary("a@x.com", "", baseTime),
		primary("", "222", baseTime.Add(time.Minute)),
		secondary("c@x.com", "222", 2, baseTime.Add(2*time.Minute)),
	} {
		_, err := s.store.Insert(s.ctx, c)
		s.Require().NoError(err)
	}
}

func (s *FailureSuite) TestStoreFailureRollsBackEveryWrite() {
	tx := &faultyTx{
		inner:            store.NewInMemoryTxManager(s.store, time.Second),
		failUpdate:       fmt.Errorf("update contact: %w", sentinel.ErrUnavailable),
		failUpdatesAfter: 1,
	}
	svc := service.New(s.store, tx)
	before := s.store.All()

	// The merge demotes 2, then fails relinking 3.
	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "a@x.com", PhoneNumber: "222"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Equal(before, s.store.All(), "no partial mutation survives")
}

func (s *FailureSuite) TestInsertFailureLeavesStoreUntouched() {
	tx := &faultyTx{
		inner:      store.NewInMemoryTxManager(s.store, time.Second),
		failInsert: fmt.Errorf("insert contact: %w", sentinel.ErrUnavailable),
	}
	svc := service.New(s.store, tx)

	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "z@x.com"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Len(s.store.All(), 3)
}

func (s *FailureSuite) TestRejectedValueIsValidationError() {
	tx := &faultyTx{
		inner:      store.NewInMemoryTxManager(s.store, time.Second),
		failInsert: fmt.Errorf("insert contact: %w", sentinel.ErrInvalidInput),
	}
	svc := service.New(s.store, tx)

	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "z@x.com"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Len(s.store.All(), 3)
}

func (s *FailureSuite) TestStoreFailureMapsToInternal() {
	tx := &faultyTx{
		inner:      store.NewInMemoryTxManager(s.store, time.Second),
		failUpdate: errors.New("disk full"),
	}
	svc := service.New(s.store, tx)

	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "a@x.com", PhoneNumber: "222"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	stored, findErr := s.store.FindByID(s.ctx, 2)
	s.Require().NoError(findErr)
	s.True(stored.IsPrimary(), "demotion rolled back")
}

func (s *FailureSuite) TestCancelledContextIsTimeout() {
	svc := service.New(s.store, store.NewInMemoryTxManager(s.store, time.Second))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := svc.Identify(ctx, &models.IdentifyRequest{Email: "a@x.com"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *FailureSuite) TestRelinkNotReflectedByStoreIsFatal() {
	tx := &faultyTx{
		inner:        store.NewInMemoryTxManager(s.store, time.Second),
		ignoreUpdate: true,
	}
	svc := service.New(s.store, tx)

	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "a@x.com", PhoneNumber: "222"})

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func TestConcurrentIdentifyKeepsOnePrimaryPerCluster(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	svc := service.New(st, store.NewInMemoryTxManager(st, 5*time.Second))

	const goroutines = 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &models.IdentifyRequest{PhoneNumber: "555"}
			switch i % 3 {
			case 1:
				req.Email = "shared@x.com"
			case 2:
				req.Email = fmt.Sprintf("user%d@x.com", i)
			}
			if _, err := svc.Identify(ctx, req); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("identify failed: %v", err)
	}

	contacts := st.All()
	assertLinkInvariants(t, contacts)
	primaries := 0
	for _, c := range contacts {
		if c.IsPrimary() {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary, got %d", primaries)
	}
}

type LookupSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.InMemory
	cache   *fakeCache
	service *service.Service
}

func TestLookupSuite(t *testing.T) {
	suite.Run(t, new(LookupSuite))
}

func (s *LookupSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.cache = newFakeCache()
	s.service = service.New(s.store, store.NewInMemoryTxManager(s.store, time.Second), service.WithViewCache(s.cache))

	_, err := s.store.Insert(s.ctx, primary("a@x.com", "111", baseTime))
	s.Require().NoError(err)
	_, err = s.store.Insert(s.ctx, secondary("b@x.com", "111", 1, baseTime.Add(time.Minute)))
	s.Require().NoError(err)
}

func (s *LookupSuite) TestSecondaryResolvesToCluster() {
	view, err := s.service.Lookup(s.ctx, 2)

	s.Require().NoError(err)
	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"a@x.com", "b@x.com"}, view.Emails)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
	s.Contains(s.cache.views, int64(1), "miss populates the cache")
}

func (s *LookupSuite) TestCacheHitSkipsStore() {
	cached := models.IdentityView{PrimaryContactID: 1, Emails: []string{"cached@x.com"}}
	s.cache.views[1] = cached

	view, err := s.service.Lookup(s.ctx, 1)

	s.Require().NoError(err)
	s.Equal(cached, *view)
}

func (s *LookupSuite) TestCacheFailureFallsBackToStore() {
	s.cache.getErr = fmt.Errorf("redis get: %w", sentinel.ErrUnavailable)

	view, err := s.service.Lookup(s.ctx, 1)

	s.Require().NoError(err)
	s.Equal([]string{"a@x.com", "b@x.com"}, view.Emails)
}

func (s *LookupSuite) TestLookupDoesNotCacheViewOlderThanConcurrentIdentify() {
	paused := &pausingStore{Store: s.store, reached: make(chan struct{}), release: make(chan struct{})}
	svc := service.New(paused, store.NewInMemoryTxManager(s.store, time.Second), service.WithViewCache(s.cache))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Lookup(s.ctx, 1)
		done <- err
	}()
	<-paused.reached

	_, err := svc.Identify(s.ctx, &models.IdentifyRequest{Email: "a@x.com", PhoneNumber: "222"})
	s.Require().NoError(err)
	close(paused.release)
	s.Require().NoError(<-done)

	view, err := svc.Lookup(s.ctx, 1)

	s.Require().NoError(err)
	s.Equal([]string{"111", "222"}, view.PhoneNumbers)
}

func (s *LookupSuite) TestLookupAfterMergeReturnsSurvivingPrimary() {
	_, err := s.store.Insert(s.ctx, primary("z@x.com", "999", baseTime.Add(-time.Hour)))
	s.Require().NoError(err)
	_, err = s.service.Identify(s.ctx, &models.IdentifyRequest{Email: "z@x.com", PhoneNumber: "111"})
	s.Require().NoError(err)

	view, err := s.service.Lookup(s.ctx, 2)

	s.Require().NoError(err)
	s.Equal(int64(3), view.PrimaryContactID)
	s.ElementsMatch([]int64{1, 2}, view.SecondaryContactIDs)
}

func (s *LookupSuite) TestUnknownContactIsNotFound() {
	_, err := s.service.Lookup(s.ctx, 42)

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// assertLinkInvariants walks every live contact: primaries carry no link and
// secondaries point at a live primary.
func assertLinkInvariants(t *testing.T, contacts []*models.Contact) {
	t.Helper()
	byID := make(map[int64]*models.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}
	for _, c := range contacts {
		if c.IsDeleted() {
			continue
		}
		if c.Email == "" && c.PhoneNumber == "" {
			t.Errorf("contact %d has neither email nor phone", c.ID)
		}
		switch {
		case c.IsPrimary():
			if c.LinkedID != nil {
				t.Errorf("primary %d links to %d", c.ID, *c.LinkedID)
			}
		case c.IsSecondary():
			if c.LinkedID == nil {
				t.Errorf("secondary %d has no link", c.ID)
				continue
			}
			target, ok := byID[*c.LinkedID]
			if !ok || !target.IsPrimary() || target.IsDeleted() {
				t.Errorf("secondary %d links to %d which is not a live primary", c.ID, *c.LinkedID)
			}
		default:
			t.Errorf("contact %d has link precedence %q", c.ID, c.LinkPrecedence)
		}
	}
}

type fakeCache struct {
	mu          sync.Mutex
	views       map[int64]models.IdentityView
	generations map[int64]int64
	invalidated []int64
	getErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		views:       make(map[int64]models.IdentityView),
		generations: make(map[int64]int64),
	}
}

func (c *fakeCache) Get(_ context.Context, primaryID int64) (*models.IdentityView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	view, ok := c.views[primaryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &view, nil
}

func (c *fakeCache) Generation(_ context.Context, primaryID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[primaryID], nil
}

func (c *fakeCache) SetIfUnchanged(_ context.Context, view *models.IdentityView, generation int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[view.PrimaryContactID] != generation {
		return false, nil
	}
	c.views[view.PrimaryContactID] = *view
	return true, nil
}

func (c *fakeCache) Invalidate(_ context.Context, primaryIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range primaryIDs {
		delete(c.views, id)
		c.generations[id]++
	}
	c.invalidated = append(c.invalidated, primaryIDs...)
	return nil
}

// pausingStore holds the first cluster read open until release is closed.
type pausingStore struct {
	service.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (p *pausingStore) FindByIDOrLinkedIDIn(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	contacts, err := p.Store.FindByIDOrLinkedIDIn(ctx, ids)
	p.once.Do(func() {
		close(p.reached)
		<-p.release
	})
	return contacts, err
}

type fakePublisher struct {
	published []models.IdentityEvent
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, event models.IdentityEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

type countingTx struct {
	calls int
}

func (t *countingTx) RunInTx(context.Context, func(service.Store) error) error {
	t.calls++
	return nil
}

// faultyTx wraps the in-memory manager and injects store failures inside the
// transaction.
type faultyTx struct {
	inner            *store.InMemoryTxManager
	failInsert       error
	failUpdate       error
	failUpdatesAfter int
	ignoreUpdate     bool
}

func (t *faultyTx) RunInTx(ctx context.Context, fn func(service.Store) error) error {
	return t.inner.RunInTx(ctx, func(st service.Store) error {
		return fn(&faultyStore{Store: st, tx: t})
	})
}

type faultyStore struct {
	service.Store
	tx      *faultyTx
	updates int
}

func (s *faultyStore) Insert(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	if s.tx.failInsert != nil {
		return nil, s.tx.failInsert
	}
	return s.Store.Insert(ctx, c)
}

func (s *faultyStore) Update(ctx context.Context, id int64, update models.LinkUpdate) (*models.Contact, error) {
	if s.tx.failUpdate != nil && s.updates >= s.tx.failUpdatesAfter {
		return nil, s.tx.failUpdate
	}
	s.updates++
	if s.tx.ignoreUpdate {
		return s.Store.FindByID(ctx, id)
	}
	return s.Store.Update(ctx, id, update)
}

// retryingTx rolls back the first attempt of every transaction and runs it
// again, the way the Postgres manager handles a serialization failure.
type retryingTx struct {
	inner *store.InMemoryTxManager
}

var errSerialization = errors.New("could not serialize access")

func (t *retryingTx) RunInTx(ctx context.Context, fn func(service.Store) error) error {
	err := t.inner.RunInTx(ctx, func(st service.Store) error {
		if err := fn(st); err != nil {
			return err
		}
		return errSerialization
	})
	if !errors.Is(err, errSerialization) {
		return err
	}
	return t.inner.RunInTx(ctx, fn)
}

func TestRetriedTransactionCountsCommittedChangesOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	_, err := st.Insert(ctx, primary("a@x.com", "111", baseTime))
	require.NoError(t, err)
	_, err = st.Insert(ctx, primary("b@x.com", "222", baseTime.Add(time.Minute)))
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	svc := service.New(st, &retryingTx{inner: store.NewInMemoryTxManager(st, time.Second)}, service.WithMetrics(m))

	_, err = svc.Identify(ctx, &models.IdentifyRequest{Email: "c@x.com", PhoneNumber: "333"})
	require.NoError(t, err)
	_, err = svc.Identify(ctx, &models.IdentifyRequest{Email: "a@x.com", PhoneNumber: "222"})
	require.NoError(t, err)

	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.ContactsCreated.WithLabelValues("primary")))
	assert.Equal(t, float64(0), promtestutil.ToFloat64(m.ContactsCreated.WithLabelValues("secondary")))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.PrimariesDemoted))
	assert.Len(t, st.All(), 3)
}

func TestHillValleyScenario(t *testing.T) {
	ctx := requestcontext.WithRequestID(context.Background(), "req-hill-valley")
	st := store.NewInMemory()
	events := &fakePublisher{}
	svc := service.New(st, store.NewInMemoryTxManager(st, time.Second), service.WithEventPublisher(events))

	identify := func(t *testing.T, email, phone string) *models.IdentityView {
		t.Helper()
		view, err := svc.Identify(ctx, &models.IdentifyRequest{Email: email, PhoneNumber: models.PhoneNumber(phone)})
		if err != nil {
			t.Fatalf("identify(%q, %q): %v", email, phone, err)
		}
		return view
	}

	testutil.Given(t, "two unrelated customers", func(t *testing.T) {
		george := identify(t, "george@hillvalley.edu", "919191")
		biff := identify(t, "biffsucks@hillvalley.edu", "717171")
		assert.NotEqual(t, george.PrimaryContactID, biff.PrimaryContactID)

		testutil.When(t, "an order joins George's email to Biff's phone", func(t *testing.T) {
			view := identify(t, "george@hillvalley.edu", "717171")

			testutil.Then(t, "George's older record stays primary", func(t *testing.T) {
				assert.Equal(t, george.PrimaryContactID, view.PrimaryContactID)
				assert.Equal(t, []int64{biff.PrimaryContactID}, view.SecondaryContactIDs)
			})
			testutil.And(t, "both identities are listed primary first", func(t *testing.T) {
				assert.Equal(t, []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, view.Emails)
				assert.Equal(t, []string{"919191", "717171"}, view.PhoneNumbers)
			})
			testutil.And(t, "the merge event carries the request id", func(t *testing.T) {
				last := events.published[len(events.published)-1]
				assert.Equal(t, models.EventIdentityMerged, last.Type)
				assert.Equal(t, "req-hill-valley", last.RequestID)
			})
		})
	})

	assertLinkInvariants(t, st.All())
}
