package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ipaymentrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/postgres"
	inboxrepo "github.com/corray333/backend-labs/delivery/internal/dal/repositories/inbox/postgres"
	orderrepo "github.com/corray333/backend-labs/delivery/internal/dal/repositories/order/postgres"
	outboxrepo "github.com/corray333/backend-labs/delivery/internal/dal/repositories/outbox/postgres"
	paymentrepo "github.com/corray333/backend-labs/delivery/internal/dal/repositories/payment/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoTransaction = errors.New("unit of work has no open transaction")

// Repositories exposes the repositories of a unit of work to code running
// inside its transaction.
type Repositories interface {
	OutboxRepository() ioutboxrepo.IOutboxRepository
	InboxRepository() iinboxrepo.IInboxRepository
	PaymentRepository() ipaymentrepo.IPaymentRepository
	OrderRepository() iorderrepo.IOrderRepository
}

// UnitOfWork groups the repositories of one transaction. Repositories are
// bound to the pool until Begin is called and to the transaction afterwards.
type UnitOfWork struct {
	pool *pgxpool.Pool
	tx   pgx.Tx

	outboxRepo  ioutboxrepo.IOutboxRepository
	inboxRepo   iinboxrepo.IInboxRepository
	paymentRepo ipaymentrepo.IPaymentRepository
	orderRepo   iorderrepo.IOrderRepository
}

// NewUnitOfWork creates a unit of work over the client pool.
func NewUnitOfWork(client *postgres.Client) *UnitOfWork {
	u := &UnitOfWork{pool: client.Pool()}
	u.bind(client.Pool())

	return u
}

func (u *UnitOfWork) bind(db postgres.Querier) {
	u.outboxRepo = outboxrepo.NewOutboxRepository(db)
	u.inboxRepo = inboxrepo.NewInboxRepository(db)
	u.paymentRepo = paymentrepo.NewPaymentRepository(db)
	u.orderRepo = orderrepo.NewOrderRepository(db)
}

func (u *UnitOfWork) OutboxRepository() ioutboxrepo.IOutboxRepository {
	return u.outboxRepo
}

func (u *UnitOfWork) InboxRepository() iinboxrepo.IInboxRepository {
	return u.inboxRepo
}

func (u *UnitOfWork) PaymentRepository() ipaymentrepo.IPaymentRepository {
	return u.paymentRepo
}

func (u *UnitOfWork) OrderRepository() iorderrepo.IOrderRepository {
	return u.orderRepo
}

// Begin opens the transaction and rebinds the repositories to it.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	u.tx = tx
	u.bind(tx)

	return nil
}

func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	defer u.reset()

	return u.tx.Commit(ctx)
}

func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	defer u.reset()

	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}

	return nil
}

// Savepoint runs fn inside a savepoint of the open transaction. An error
// from fn rolls back only the work done by fn.
func (u *UnitOfWork) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.tx == nil {
		return ErrNoTransaction
	}

	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(ctx); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}

		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}

	return nil
}

func (u *UnitOfWork) reset() {
	u.tx = nil
	u.bind(u.pool)
}

// Tx is the transaction part of a unit of work.
type Tx interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// WithinTx runs fn in a transaction of work and commits when fn succeeds.
// Any error rolls the whole transaction back. Commit and rollback ignore the
// cancellation of ctx: once fn returned, a shutdown does not discard its work.
func WithinTx[T Tx](ctx context.Context, work T, fn func(T) error) error {
	if err := work.Begin(ctx); err != nil {
		return err
	}

	endCtx := context.WithoutCancel(ctx)
	if err := fn(work); err != nil {
		if rbErr := work.Rollback(endCtx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}

		return err
	}

	if err := work.Commit(endCtx); err != nil {
		_ = work.Rollback(endCtx)

		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}
