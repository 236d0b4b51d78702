package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/chatbus/internal/db"
	"github.com/erauner12/chatbus/internal/message"
)

func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM chat_history"); err != nil {
		t.Fatalf("failed to reset chat_history: %v", err)
	}
	return pool
}

func histEnv(id, chatID string, ts time.Time, seq uint64) *message.Envelope {
	env := &message.Envelope{
		MessageID:     id,
		ChatID:        chatID,
		PrincipalID:   "user-1",
		TargetChannel: "session",
		MessageType:   message.TypeFIFO,
		PublishTime:   ts.UTC().Truncate(time.Millisecond),
		GroupID:       chatID,
		Payload:       []byte(`{"chatId":"` + chatID + `","text":"hello"}`),
	}
	if seq > 0 {
		env.SequenceNumber = &seq
	}
	return env
}

func TestBatchPutEmptyIsNoop(t *testing.T) {
	store := NewStore(nil, time.Hour)
	failed, err := store.BatchPut(context.Background(), nil)
	if err != nil {
		t.Fatalf("BatchPut(nil) failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("Expected no failures, got %v", failed)
	}
}

func TestBatchPutAndRange(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, 30*24*time.Hour)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var envs []*message.Envelope
	for i := 0; i < 5; i++ {
		envs = append(envs, histEnv(fmt.Sprintf("m-%d", i), "chat-1", base.Add(time.Duration(i)*time.Second), uint64(i+1)))
	}
	failed, err := store.BatchPut(ctx, envs)
	if err != nil {
		t.Fatalf("BatchPut failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("Expected no failures, got %v", failed)
	}

	// Newest first, two per page.
	var got []string
	token := ""
	pages := 0
	for {
		page, next, err := store.Range(ctx, "chat-1", time.Time{}, 2, token)
		if err != nil {
			t.Fatalf("Range failed: %v", err)
		}
		for _, env := range page {
			got = append(got, env.MessageID)
		}
		pages++
		if next == "" {
			break
		}
		token = next
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
	}

	want := []string{"m-4", "m-3", "m-2", "m-1", "m-0"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d messages, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if pages != 3 {
		t.Errorf("Expected 3 pages, got %d", pages)
	}

	// A garbage token restarts the listing.
	page, _, err := store.Range(ctx, "chat-1", time.Time{}, 2, "not-base64!")
	if err != nil {
		t.Fatalf("Range with garbage token failed: %v", err)
	}
	if len(page) != 2 || page[0].MessageID != "m-4" {
		t.Errorf("Expected restart from m-4, got %+v", page)
	}
}

func TestRangeFromTime(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, 30*24*time.Hour)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var envs []*message.Envelope
	for i := 0; i < 5; i++ {
		envs = append(envs, histEnv(fmt.Sprintf("m-%d", i), "chat-1", base.Add(time.Duration(i)*time.Second), uint64(i+1)))
	}
	if failed, err := store.BatchPut(ctx, envs); err != nil || len(failed) != 0 {
		t.Fatalf("BatchPut failed: err=%v failed=%v", err, failed)
	}

	// Listing from m-2's publish time excludes the two newer rows.
	page, _, err := store.Range(ctx, "chat-1", base.Add(2*time.Second), 10, "")
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	want := []string{"m-2", "m-1", "m-0"}
	if len(page) != len(want) {
		t.Fatalf("Expected %d rows, got %d", len(want), len(page))
	}
	for i := range want {
		if page[i].MessageID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], page[i].MessageID)
		}
	}
}

func TestBatchPutIsIdempotent(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, 30*24*time.Hour)
	ctx := context.Background()

	env := histEnv("m-dup", "chat-1", time.Now(), 1)
	for i := 0; i < 2; i++ {
		failed, err := store.BatchPut(ctx, []*message.Envelope{env})
		if err != nil {
			t.Fatalf("BatchPut %d failed: %v", i, err)
		}
		if len(failed) != 0 {
			t.Fatalf("BatchPut %d: expected no failures, got %v", i, failed)
		}
	}

	page, _, err := store.Range(ctx, "chat-1", time.Time{}, 10, "")
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("Expected 1 row after duplicate put, got %d", len(page))
	}
}

func TestExpiredRowsAreInvisibleAndReaped(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, time.Minute)
	ctx := context.Background()

	live := histEnv("m-live", "chat-1", time.Now(), 1)
	stale := histEnv("m-stale", "chat-1", time.Now().Add(-2*time.Minute), 2)
	if failed, err := store.BatchPut(ctx, []*message.Envelope{live, stale}); err != nil || len(failed) != 0 {
		t.Fatalf("BatchPut failed: err=%v failed=%v", err, failed)
	}

	page, _, err := store.Range(ctx, "chat-1", time.Time{}, 10, "")
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(page) != 1 || page[0].MessageID != "m-live" {
		t.Fatalf("Expected only m-live, got %+v", page)
	}

	envs, err := store.BySequences(ctx, "chat-1", []uint64{1, 2})
	if err != nil {
		t.Fatalf("BySequences failed: %v", err)
	}
	if len(envs) != 1 || envs[0].MessageID != "m-live" {
		t.Errorf("Expected only m-live by sequence, got %+v", envs)
	}

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reaped row, got %d", n)
	}
}

func TestBySequences(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, 30*24*time.Hour)
	ctx := context.Background()

	base := time.Now().UTC()
	batch := []*message.Envelope{
		histEnv("m-1", "chat-1", base, 1),
		histEnv("m-2", "chat-1", base.Add(time.Second), 2),
		histEnv("m-3", "chat-1", base.Add(2*time.Second), 3),
	}
	// A standard message has no sequence and must never match.
	plain := histEnv("m-plain", "chat-1", base.Add(3*time.Second), 0)
	plain.MessageType = message.TypeStandard
	batch = append(batch, plain)

	if failed, err := store.BatchPut(ctx, batch); err != nil || len(failed) != 0 {
		t.Fatalf("BatchPut failed: err=%v failed=%v", err, failed)
	}

	envs, err := store.BySequences(ctx, "chat-1", []uint64{1, 3, 9})
	if err != nil {
		t.Fatalf("BySequences failed: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(envs))
	}
	if envs[0].MessageID != "m-1" || envs[1].MessageID != "m-3" {
		t.Errorf("Expected [m-1 m-3] ascending, got [%s %s]", envs[0].MessageID, envs[1].MessageID)
	}
	if seq, ok := envs[1].Sequence(); !ok || seq != 3 {
		t.Errorf("Expected sequence 3 to round-trip, got %v %v", seq, ok)
	}

	envs, err = store.BySequences(ctx, "chat-1", nil)
	if err != nil {
		t.Fatalf("BySequences with empty list failed: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("Expected empty result for empty list, got %d", len(envs))
	}
}

func TestRangeIsolatesChats(t *testing.T) {
	pool := getTestDB(t)
	store := NewStore(pool, 30*24*time.Hour)
	ctx := context.Background()

	batch := []*message.Envelope{
		histEnv("m-a", "chat-a", time.Now(), 1),
		histEnv("m-b", "chat-b", time.Now(), 1),
	}
	if failed, err := store.BatchPut(ctx, batch); err != nil || len(failed) != 0 {
		t.Fatalf("BatchPut failed: err=%v failed=%v", err, failed)
	}

	page, _, err := store.Range(ctx, "chat-a", time.Time{}, 10, "")
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(page) != 1 || page[0].MessageID != "m-a" {
		t.Errorf("Expected only chat-a rows, got %+v", page)
	}
}
