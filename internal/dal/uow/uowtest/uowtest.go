// Package uowtest provides an in-memory unit of work for service and worker tests.
package uowtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iinboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/interfaces/ipaymentrepo"
	"github.com/corray333/backend-labs/delivery/internal/dal/uow"
	"github.com/corray333/backend-labs/delivery/internal/service/models/aggregate"
	"github.com/corray333/backend-labs/delivery/internal/service/models/inbox"
	"github.com/corray333/backend-labs/delivery/internal/service/models/order"
	"github.com/corray333/backend-labs/delivery/internal/service/models/outbox"
	"github.com/corray333/backend-labs/delivery/internal/service/models/payment"
	"github.com/google/uuid"
)

var errNotInTx = errors.New("uowtest: no open transaction")

var (
	_ uow.Repositories = (*UnitOfWork)(nil)
	_ uow.Tx           = (*UnitOfWork)(nil)
)

// Store holds committed rows. Error fields inject failures into the
// matching operation.
type Store struct {
	mu sync.Mutex

	outbox   map[uuid.UUID]outbox.OutboxMessage
	inbox    map[uuid.UUID]inbox.InboxMessage
	payments map[uuid.UUID]payment.Payment
	orders   map[uuid.UUID]order.Order

	ClaimErr       error
	OutboxSaveErr  error
	PaymentListErr error
	CommitErr      error

	Commits   int
	Rollbacks int
}

func NewStore() *Store {
	return &Store{
		outbox:   map[uuid.UUID]outbox.OutboxMessage{},
		inbox:    map[uuid.UUID]inbox.InboxMessage{},
		payments: map[uuid.UUID]payment.Payment{},
		orders:   map[uuid.UUID]order.Order{},
	}
}

// Factory returns a constructor of units of work sharing the store.
func (s *Store) Factory() func() *UnitOfWork {
	return func() *UnitOfWork {
		return &UnitOfWork{store: s}
	}
}

// OutboxMessages returns committed outbox rows ordered by occurrence.
func (s *Store) OutboxMessages() []outbox.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedOutbox()
}

func (s *Store) OutboxMessage(id uuid.UUID) (outbox.OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.outbox[id]

	return msg, ok
}

func (s *Store) InboxMessage(id uuid.UUID) (inbox.InboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.inbox[id]

	return msg, ok
}

func (s *Store) InboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inbox)
}

func (s *Store) Payment(id uuid.UUID) (payment.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]

	return p, ok
}

func (s *Store) Payments() []payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]payment.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}

	return out
}

func (s *Store) Order(id uuid.UUID) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]

	return o, ok
}

// SeedOutbox stores messages as already committed.
func (s *Store) SeedOutbox(msgs ...outbox.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		s.outbox[msg.ID] = msg
	}
}

func (s *Store) SeedInbox(msgs ...inbox.InboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		s.inbox[msg.MessageID] = msg
	}
}

func (s *Store) SeedPayments(ps ...*payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range ps {
		s.payments[p.ID] = detachPayment(p)
	}
}

func (s *Store) SeedOrders(os ...*order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range os {
		s.orders[o.ID] = detachOrder(o)
	}
}

func (s *Store) sortedOutbox() []outbox.OutboxMessage {
	out := make([]outbox.OutboxMessage, 0, len(s.outbox))
	for _, msg := range s.outbox {
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b outbox.OutboxMessage) int {
		return a.OccurredOnUtc.Compare(b.OccurredOnUtc)
	})

	return out
}

type snapshot struct {
	outbox   map[uuid.UUID]outbox.OutboxMessage
	inbox    map[uuid.UUID]inbox.InboxMessage
	payments map[uuid.UUID]payment.Payment
	orders   map[uuid.UUID]order.Order
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return snapshot{
		outbox:   clone(s.outbox),
		inbox:    clone(s.inbox),
		payments: clone(s.payments),
		orders:   clone(s.orders),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbox = snap.outbox
	s.inbox = snap.inbox
	s.payments = snap.payments
	s.orders = snap.orders
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func detachPayment(p *payment.Payment) payment.Payment {
	cp := *p
	cp.Root = aggregate.Root{}

	return cp
}

func detachOrder(o *order.Order) order.Order {
	cp := *o
	cp.Root = aggregate.Root{}

	return cp
}

// UnitOfWork is a transactional view over a Store. Rollback restores the
// rows as they were at Begin.
type UnitOfWork struct {
	store *Store
	begin *snapshot
}

func (u *UnitOfWork) Begin(context.Context) error {
	snap := u.store.snapshot()
	u.begin = &snap

	return nil
}

// Commit fails on a cancelled ctx, as a pgx commit does.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.begin == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.store.CommitErr; err != nil {
		return err
	}

	u.begin = nil
	u.store.mu.Lock()
	u.store.Commits++
	u.store.mu.Unlock()

	return nil
}

func (u *UnitOfWork) Rollback(context.Context) error {
	if u.begin == nil {
		return nil
	}

	u.store.restore(*u.begin)
	u.begin = nil
	u.store.mu.Lock()
	u.store.Rollbacks++
	u.store.mu.Unlock()

	return nil
}

func (u *UnitOfWork) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.begin == nil {
		return errNotInTx
	}

	snap := u.store.snapshot()
	if err := fn(ctx); err != nil {
		u.store.restore(snap)

		return err
	}

	return nil
}

func (u *UnitOfWork) OutboxRepository() ioutboxrepo.IOutboxRepository {
	return outboxRepo{store: u.store}
}

func (u *UnitOfWork) InboxRepository() iinboxrepo.IInboxRepository {
	return inboxRepo{store: u.store}
}

func (u *UnitOfWork) PaymentRepository() ipaymentrepo.IPaymentRepository {
	return paymentRepo{store: u.store}
}

func (u *UnitOfWork) OrderRepository() iorderrepo.IOrderRepository {
	return orderRepo{store: u.store}
}

type outboxRepo struct{ store *Store }

func (r outboxRepo) Insert(_ context.Context, msgs ...outbox.OutboxMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, msg := range msgs {
		if _, ok := r.store.outbox[msg.ID]; ok {
			return fmt.Errorf("outbox message %s already exists", msg.ID)
		}
		r.store.outbox[msg.ID] = msg
	}

	return nil
}

func (r outboxRepo) ClaimBatch(_ context.Context, now time.Time, limit int) ([]outbox.OutboxMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if r.store.ClaimErr != nil {
		return nil, r.store.ClaimErr
	}

	var out []outbox.OutboxMessage
	for _, msg := range r.store.sortedOutbox() {
		if len(out) == limit {
			break
		}
		if msg.ProcessedOnUtc == nil && msg.CanRetry(now) {
			out = append(out, msg)
		}
	}

	return out, nil
}

func (r outboxRepo) Save(_ context.Context, msg outbox.OutboxMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if r.store.OutboxSaveErr != nil {
		return r.store.OutboxSaveErr
	}
	if _, ok := r.store.outbox[msg.ID]; !ok {
		return fmt.Errorf("outbox message %s not found", msg.ID)
	}
	r.store.outbox[msg.ID] = msg

	return nil
}

func (r outboxRepo) ListPermanentlyFailed(_ context.Context, limit int) ([]outbox.OutboxMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []outbox.OutboxMessage
	for _, msg := range r.store.sortedOutbox() {
		if len(out) == limit {
			break
		}
		if msg.ProcessedOnUtc == nil && msg.AttemptCount >= msg.MaxAttemptCount {
			out = append(out, msg)
		}
	}

	return out, nil
}

func (r outboxRepo) Stats(_ context.Context, now time.Time) (outbox.Stats, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var stats outbox.Stats
	for _, msg := range r.store.sortedOutbox() {
		if msg.ProcessedOnUtc != nil {
			continue
		}
		if msg.AttemptCount >= msg.MaxAttemptCount {
			stats.PermanentlyFailed++

			continue
		}
		if stats.Pending == 0 {
			stats.OldestPendingAge = now.Sub(msg.OccurredOnUtc)
		}
		stats.Pending++
	}

	return stats, nil
}

type inboxRepo struct{ store *Store }

func (r inboxRepo) TryInsert(_ context.Context, msg inbox.InboxMessage) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.inbox[msg.MessageID]; ok {
		return false, nil
	}
	r.store.inbox[msg.MessageID] = msg

	return true, nil
}

func (r inboxRepo) ClaimPending(_ context.Context, now time.Time, limit int) ([]inbox.InboxMessage, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	out := make([]inbox.InboxMessage, 0)
	for _, msg := range r.store.inbox {
		if msg.CanRetry(now) {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b inbox.InboxMessage) int {
		return a.ReceivedOnUtc.Compare(b.ReceivedOnUtc)
	})
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r inboxRepo) Save(_ context.Context, msg inbox.InboxMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.inbox[msg.MessageID]; !ok {
		return fmt.Errorf("%w: %s", iinboxrepo.ErrNotFound, msg.MessageID)
	}
	r.store.inbox[msg.MessageID] = msg

	return nil
}

type paymentRepo struct{ store *Store }

func (r paymentRepo) Insert(_ context.Context, p *payment.Payment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.payments {
		if existing.OrderID == p.OrderID {
			return fmt.Errorf("payment for order %s already exists", p.OrderID)
		}
	}
	r.store.payments[p.ID] = detachPayment(p)

	return nil
}

func (r paymentRepo) GetByOrderID(_ context.Context, orderID uuid.UUID) (*payment.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, p := range r.store.payments {
		if p.OrderID == orderID {
			cp := p

			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: order %s", ipaymentrepo.ErrNotFound, orderID)
}

func (r paymentRepo) ListStuck(_ context.Context, cutoff, now time.Time, limit int) ([]*payment.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if r.store.PaymentListErr != nil {
		return nil, r.store.PaymentListErr
	}

	out := make([]*payment.Payment, 0)
	for _, p := range r.store.payments {
		if p.DueForReconcile(now) && p.CreatedAt.Before(cutoff) {
			cp := p
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *payment.Payment) int {
		if c := dueSince(a).Compare(dueSince(b)); c != 0 {
			return c
		}

		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func dueSince(p *payment.Payment) time.Time {
	if p.NextReconcileAt != nil {
		return *p.NextReconcileAt
	}

	return p.CreatedAt
}

func (r paymentRepo) Update(_ context.Context, p *payment.Payment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.payments[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ipaymentrepo.ErrNotFound, p.ID)
	}
	r.store.payments[p.ID] = detachPayment(p)

	return nil
}

type orderRepo struct{ store *Store }

func (r orderRepo) Insert(_ context.Context, o *order.Order) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.orders[o.ID] = detachOrder(o)

	return nil
}

func (r orderRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*order.Order, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	o, ok := r.store.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", iorderrepo.ErrNotFound, id)
	}

	return &o, nil
}

func (r orderRepo) Update(_ context.Context, o *order.Order) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.orders[o.ID]; !ok {
		return fmt.Errorf("%w: %s", iorderrepo.ErrNotFound, o.ID)
	}
	r.store.orders[o.ID] = detachOrder(o)

	return nil
}
