package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestStoreRecordInbound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := InboundMessage{GatewayID: "default", MessageID: "wamid.1", SenderPhone: "+9670000001", Text: "hello", ReceivedAt: at}

	mock.ExpectExec("INSERT INTO inbound_messages").
		WithArgs("default", "wamid.1", "+9670000001", "hello", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	inserted, err := store.RecordInbound(context.Background(), msg)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
	}

	mock.ExpectExec("INSERT INTO inbound_messages").
		WithArgs("default", "wamid.1", "+9670000001", "hello", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	inserted, err = store.RecordInbound(context.Background(), msg)
	if err != nil || inserted {
		t.Fatalf("expected conflict, got inserted=%v err=%v", inserted, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)

	mock.ExpectQuery("SELECT status FROM inbound_messages").
		WithArgs("default", "wamid.1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))
	status, err := store.Status(context.Background(), "default", "wamid.1")
	if err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %q err=%v", status, err)
	}
	if !status.Claimed() {
		t.Fatalf("completed must count as claimed")
	}

	mock.ExpectQuery("SELECT status FROM inbound_messages").
		WithArgs("default", "wamid.2").
		WillReturnError(pgx.ErrNoRows)
	if _, err := store.Status(context.Background(), "default", "wamid.2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("SELECT status FROM inbound_messages").
		WithArgs("default", "wamid.3").
		WillReturnError(errors.New("connection reset"))
	if _, err := store.Status(context.Background(), "default", "wamid.3"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestStoreClaim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)

	mock.ExpectExec("UPDATE inbound_messages").
		WithArgs("default", "wamid.1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE inbound_messages").
		WithArgs("default", "wamid.1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	first, err := store.Claim(context.Background(), "default", "wamid.1")
	if err != nil || !first {
		t.Fatalf("expected first claim to win, got %v err=%v", first, err)
	}
	second, err := store.Claim(context.Background(), "default", "wamid.1")
	if err != nil || second {
		t.Fatalf("expected second claim to lose, got %v err=%v", second, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreStartTurnOnlyOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)
	ctx := context.Background()

	mock.ExpectExec("SET turn_started_at = now\\(\\)").
		WithArgs("default", "wamid.1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET turn_started_at = now\\(\\)").
		WithArgs("default", "wamid.1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("SET turn_started_at = now\\(\\)").
		WithArgs("default", "wamid.2").
		WillReturnError(errors.New("connection reset"))

	first, err := store.StartTurn(ctx, "default", "wamid.1")
	if err != nil || !first {
		t.Fatalf("expected first start to win, got %v err=%v", first, err)
	}
	again, err := store.StartTurn(ctx, "default", "wamid.1")
	if err != nil || again {
		t.Fatalf("expected redelivered start to lose, got %v err=%v", again, err)
	}
	if _, err := store.StartTurn(ctx, "default", "wamid.2"); err == nil {
		t.Fatalf("expected store error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreStatusUpdates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)
	ctx := context.Background()

	mock.ExpectExec("SET status = 'suppressed'").
		WithArgs("default", "wamid.1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'completed'").
		WithArgs("default", "wamid.2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET status = 'failed'").
		WithArgs("default", "wamid.3", "gateway: status 502").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.MarkSuppressed(ctx, "default", "wamid.1"); err != nil {
		t.Fatalf("mark suppressed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "default", "wamid.2"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, "default", "wamid.3", "gateway: status 502"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreInsertOutboundAndTransition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := newStoreWithExec(mock)

	mock.ExpectExec("INSERT INTO outbound_messages").
		WithArgs(pgxmock.AnyArg(), "default", "wamid.1", "+9670000001", "كم عدد المسافرين؟", "reply", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := store.InsertOutbound(context.Background(), OutboundMessage{
		GatewayID:        "default",
		InboundMessageID: "wamid.1",
		Recipient:        "+9670000001",
		Body:             "كم عدد المسافرين؟",
	})
	if err != nil || id == uuid.Nil {
		t.Fatalf("insert outbound: id=%s err=%v", id, err)
	}

	mock.ExpectExec("INSERT INTO conversation_transitions").
		WithArgs("default", "wamid.1", "+9670000001", "new", "active_booking", "collect_flight_requirements", "search_flight", 0.6, "keyword", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := store.RecordTransition(context.Background(), TransitionRecord{
		GatewayID:     "default",
		MessageID:     "wamid.1",
		CustomerPhone: "+9670000001",
		Previous:      "new",
		Next:          "active_booking",
		Action:        "collect_flight_requirements",
		Reason:        "search_flight",
		Confidence:    0.6,
		Source:        "keyword",
	}); err != nil {
		t.Fatalf("record transition: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNormalizeE164(t *testing.T) {
	cases := map[string]string{
		"9670000001@c.us": "+9670000001",
		" +967 000-0001 ": "+9670000001",
		"+9670000001":     "+9670000001",
		"":                "",
		"@c.us":           "",
		"(967) 0000001":   "+9670000001",
	}
	for in, want := range cases {
		if got := NormalizeE164(in); got != want {
			t.Fatalf("NormalizeE164(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Digits("+9670000001"); got != "9670000001" {
		t.Fatalf("Digits = %q", got)
	}
}
