package tests

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	generalDomain "github.com/sakashimaa/go-order-saga/pkg/domain"
	outboxDomain "github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/go-order-saga/pkg/outbox/repository"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/worker"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, outboxDomain.Delivery) error {
	return errors.New("broker unavailable")
}

func (s *IntegrationTestSuite) appendMessage(commit bool, createdAt time.Time) *outboxDomain.Message {
	msg, err := outboxDomain.NewMessage("Order", uuid.NewString(), generalDomain.EventOrderCreated,
		generalDomain.OrderEventsDestination, map[string]string{"hello": "world"})
	s.Require().NoError(err)
	msg.CreatedAt = createdAt

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)

	s.Require().NoError(s.outboxRepo.Append(s.Ctx, tx, msg))

	if commit {
		s.Require().NoError(tx.Commit(s.Ctx))
	} else {
		s.Require().NoError(tx.Rollback(s.Ctx))
	}

	return msg
}

func (s *IntegrationTestSuite) TestOutbox_AppendIsTransactional() {
	s.appendMessage(false, time.Now().UTC())
	s.Zero(s.count("outbox"))

	kept := s.appendMessage(true, time.Now().UTC())

	msgs, err := s.outboxRepo.FetchUnprocessed(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Equal(kept.ID, msgs[0].ID)
	s.JSONEq(`{"hello":"world"}`, string(msgs[0].Payload))
}

func (s *IntegrationTestSuite) TestOutbox_FetchOldestFirstWithinBatch() {
	base := time.Now().UTC().Add(-time.Hour)

	third := s.appendMessage(true, base.Add(2*time.Minute))
	first := s.appendMessage(true, base)
	second := s.appendMessage(true, base.Add(time.Minute))

	msgs, err := s.outboxRepo.FetchUnprocessed(s.Ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(first.ID, msgs[0].ID)
	s.Equal(second.ID, msgs[1].ID)

	s.Require().NoError(s.outboxRepo.MarkProcessed(s.Ctx, first.ID))
	s.Require().NoError(s.outboxRepo.MarkProcessed(s.Ctx, first.ID))
	s.Require().NoError(s.outboxRepo.MarkProcessed(s.Ctx, uuid.New()))

	msgs, err = s.outboxRepo.FetchUnprocessed(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(second.ID, msgs[0].ID)
	s.Equal(third.ID, msgs[1].ID)
}

func (s *IntegrationTestSuite) TestOutbox_FailedPublishStaysPending() {
	msg := s.appendMessage(true, time.Now().UTC())

	relay := worker.NewOutboxRelay(s.outboxRepo, failingPublisher{}, s.Logger, worker.Options{})

	for range 2 {
		stats, err := relay.Tick(s.Ctx)
		s.Require().NoError(err)
		s.Equal(1, stats.Failed)
	}

	var (
		attempts    int
		lastError   *string
		isProcessed bool
	)
	err := s.DbPool.QueryRow(s.Ctx, "SELECT attempts, last_error, is_processed FROM outbox WHERE id = $1", msg.ID).
		Scan(&attempts, &lastError, &isProcessed)
	s.Require().NoError(err)
	s.Equal(2, attempts)
	s.Require().NotNil(lastError)
	s.Contains(*lastError, "broker unavailable")
	s.False(isProcessed)

	stats, err := s.relay.Tick(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Published)

	msgs, err := s.outboxRepo.FetchUnprocessed(s.Ctx, 10)
	s.Require().NoError(err)
	s.Empty(msgs)
}

func (s *IntegrationTestSuite) TestOutbox_LeaseIsExclusive() {
	holder := outboxRepository.NewAdvisoryLease(s.DbPool, 99)
	other := outboxRepository.NewAdvisoryLease(s.DbPool, 99)

	ok, err := holder.TryAcquire(s.Ctx)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = holder.TryAcquire(s.Ctx)
	s.Require().NoError(err)
	s.True(ok, "re-acquiring a held lease succeeds")

	ok, err = other.TryAcquire(s.Ctx)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(holder.Release(s.Ctx))

	ok, err = other.TryAcquire(s.Ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.Require().NoError(other.Release(s.Ctx))
}
