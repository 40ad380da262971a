package checkout

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/repository/memory"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func setup(t *testing.T) (*Manager, *memory.Store, *clock.FakeClock, *db.Conversation) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	return NewManager(store, clk, 3), store, clk, &db.Conversation{ID: "conv-1", TenantID: "tenant-1"}
}

func TestStart_ReusesOpenSession(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()

	first, err := m.Start(ctx, conv)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if first.State != string(Browsing) {
		t.Errorf("State = %s, want BROWSING", first.State)
	}
	second, err := m.Start(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("Start() created a second open session")
	}
}

func TestAdvance_ForwardOnly(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	if _, err := m.Start(ctx, conv); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		target  State
		wantErr bool
	}{
		{ProductSelected, false},
		{QuantityConfirmed, false},
		{ProductSelected, true},
		{QuantityConfirmed, false},
		{PaymentInitiated, false},
		{PaymentMethodSelected, true},
		{State("SHIPPED"), true},
	}
	for _, st := range steps {
		s, err := m.Advance(ctx, conv.ID, st.target, nil)
		if (err != nil) != st.wantErr {
			t.Fatalf("Advance(%s) error = %v, wantErr %v", st.target, err, st.wantErr)
		}
		if err != nil && !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Advance(%s) error kind = %s, want validation", st.target, apperr.KindOf(err))
		}
		if err == nil && s.State != string(st.target) {
			t.Errorf("State = %s, want %s", s.State, st.target)
		}
	}

	s, _ := m.Active(ctx, conv.ID)
	if s.State != string(PaymentInitiated) {
		t.Errorf("rejected moves changed the state to %s", s.State)
	}
}

func TestAdvance_CompletionClosesSession(t *testing.T) {
	m, _, clk, conv := setup(t)
	ctx := context.Background()
	if _, err := m.Start(ctx, conv); err != nil {
		t.Fatal(err)
	}

	s, err := m.Advance(ctx, conv.ID, ProductSelected, func(s *db.CheckoutSession) {
		s.SelectedProductID = "p2"
		s.Quantity = 2
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.SelectedProductID != "p2" || s.Quantity != 2 {
		t.Errorf("mutate not applied: %+v", s)
	}

	clk.Advance(time.Minute)
	done, err := m.Advance(ctx, conv.ID, OrderComplete, func(s *db.CheckoutSession) { s.OrderID = "ord-9" })
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(clk.Now()) {
		t.Errorf("CompletedAt = %v, want %v", done.CompletedAt, clk.Now())
	}

	if active, _ := m.Active(ctx, conv.ID); active != nil {
		t.Errorf("completed session still active")
	}
	if err := m.Abandon(ctx, conv.ID); err != nil {
		t.Errorf("Abandon() without an open session error = %v", err)
	}
	if _, err := m.Advance(ctx, conv.ID, OrderComplete, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Advance() after completion error = %v, want not found", err)
	}
}

func TestAbandon(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	s, _ := m.Start(ctx, conv)
	if _, err := m.Advance(ctx, conv.ID, PaymentMethodSelected, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Abandon(ctx, conv.ID); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if active, _ := m.Active(ctx, conv.ID); active != nil {
		t.Fatalf("abandoned session still active")
	}

	// a new session starts fresh
	next, err := m.Start(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == s.ID || next.State != string(Browsing) {
		t.Errorf("Start() after abandon = %+v", next)
	}
}

func TestRecordMessage_SLA(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	s, _ := m.Start(ctx, conv)

	for i := 1; i <= 4; i++ {
		n, exceeded, err := m.RecordMessage(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("count = %d, want %d", n, i)
		}
		if exceeded != (i > 3) {
			t.Errorf("message %d: exceeded = %v", i, exceeded)
		}
	}
}

func TestRecordMessage_Concurrent(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	s, _ := m.Start(ctx, conv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *s
			if _, _, err := m.RecordMessage(ctx, &cp); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := m.Active(ctx, conv.ID)
	if got.MessageCount != 20 {
		t.Errorf("MessageCount = %d, want 20", got.MessageCount)
	}
}

func TestStoreFailure(t *testing.T) {
	m, store, _, conv := setup(t)
	store.SetFailure(errors.New("down"))
	if _, err := m.Start(context.Background(), conv); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("Start() error = %v, want store unavailable", err)
	}
}

type fakeGateway struct {
	ref       string
	initErr   error
	status    PaymentStatus
	orderID   string
	statusErr error
}

func (g *fakeGateway) InitiatePayment(ctx context.Context, s *db.CheckoutSession) (string, error) {
	return g.ref, g.initErr
}

func (g *fakeGateway) PaymentStatus(ctx context.Context, s *db.CheckoutSession) (*PaymentResult, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return &PaymentResult{Status: g.status, OrderID: g.orderID}, nil
}

func toPaymentMethod(t *testing.T, m *Manager, conv *db.Conversation) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.Start(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Advance(ctx, conv.ID, PaymentMethodSelected, func(s *db.CheckoutSession) { s.PaymentMethod = "mpesa" }); err != nil {
		t.Fatal(err)
	}
}

func TestPayment_ConfirmedCompletesOrder(t *testing.T) {
	m, _, clk, conv := setup(t)
	ctx := context.Background()
	gw := &fakeGateway{ref: "pay-77", status: StatusPending}
	m.SetPaymentGateway(gw)
	toPaymentMethod(t, m, conv)

	s, err := m.InitiatePayment(ctx, conv.ID)
	if err != nil {
		t.Fatalf("InitiatePayment() error = %v", err)
	}
	if s.State != string(PaymentInitiated) || s.PaymentRef != "pay-77" {
		t.Fatalf("after initiate = %+v", s)
	}

	s, err = m.SyncPayment(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != string(PaymentInitiated) || !s.Open() {
		t.Errorf("pending sync moved the session: %+v", s)
	}

	clk.Advance(time.Minute)
	gw.status, gw.orderID = StatusConfirmed, "ord-1001"
	s, err = m.SyncPayment(ctx, conv.ID)
	if err != nil {
		t.Fatalf("SyncPayment() error = %v", err)
	}
	if s.State != string(OrderComplete) || s.OrderID != "ord-1001" || s.CompletedAt == nil {
		t.Errorf("after confirmation = %+v, want ORDER_COMPLETE with order id", s)
	}
	if active, _ := m.Active(ctx, conv.ID); active != nil {
		t.Errorf("completed session still active")
	}
}

func TestPayment_FailedAbandons(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	m.SetPaymentGateway(&fakeGateway{ref: "pay-1", status: StatusFailed})
	toPaymentMethod(t, m, conv)
	if _, err := m.InitiatePayment(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}

	s, err := m.SyncPayment(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.AbandonedAt == nil || s.CompletedAt != nil {
		t.Errorf("failed payment = %+v, want abandoned", s)
	}
	if active, _ := m.Active(ctx, conv.ID); active != nil {
		t.Errorf("session still active after failed payment")
	}
}

func TestPayment_Errors(t *testing.T) {
	tests := []struct {
		name    string
		gateway PaymentGateway
		prepare bool
		call    func(*Manager, context.Context, string) (*db.CheckoutSession, error)
		want    error
	}{
		{name: "no gateway", call: (*Manager).InitiatePayment, prepare: true, want: ErrPaymentUnavailable},
		{name: "no session", gateway: &fakeGateway{}, call: (*Manager).InitiatePayment, want: apperr.ErrNotFound},
		{name: "gateway down", gateway: &fakeGateway{initErr: errors.New("timeout")}, prepare: true, call: (*Manager).InitiatePayment, want: apperr.ErrProvider},
		{name: "sync before initiate", gateway: &fakeGateway{}, prepare: true, call: (*Manager).SyncPayment, want: apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, conv := setup(t)
			if tt.gateway != nil {
				m.SetPaymentGateway(tt.gateway)
			}
			if tt.prepare {
				toPaymentMethod(t, m, conv)
			}
			if _, err := tt.call(m, context.Background(), conv.ID); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInitiatePayment_RequiresPaymentMethod(t *testing.T) {
	m, _, _, conv := setup(t)
	ctx := context.Background()
	m.SetPaymentGateway(&fakeGateway{ref: "pay-1"})
	if _, err := m.Start(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if _, err := m.InitiatePayment(ctx, conv.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("InitiatePayment() from BROWSING error = %v, want validation", err)
	}
}
