package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRepository(t *testing.T) (*miniredis.Miniredis, TransferRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRedisRepository(rdb, time.Hour)
}

func testTransfer(code string, createdAt time.Time) Transfer {
	return Transfer{
		Code:      code,
		Content:   "hello",
		Type:      TypeText,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Minute),
	}
}

func TestRedisRepository_InsertAndGet(t *testing.T) {
	mr, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tr := testTransfer("482913", now)
	tr.SenderEmail = "sender@example.com"
	if _, err := repo.Insert(ctx, tr); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := repo.Get(ctx, "482913")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Content != "hello" || got.Type != TypeText {
		t.Errorf("unexpected transfer: %+v", got)
	}
	if got.SenderEmail != "sender@example.com" {
		t.Errorf("expected sender email to round trip, got %q", got.SenderEmail)
	}
	if !got.ExpiresAt.Equal(tr.ExpiresAt) {
		t.Errorf("expected expiresAt %v, got %v", tr.ExpiresAt, got.ExpiresAt)
	}
	if got.IsRead || got.ReadAt != nil {
		t.Error("expected new transfer to be unread")
	}

	if ttl := mr.TTL("transfer:482913"); ttl != time.Minute+time.Hour {
		t.Errorf("expected key ttl of lifetime plus retention, got %v", ttl)
	}
	if !mr.Exists(expiryIndexKey) {
		t.Error("expected expiry index to be populated")
	}
}

func TestRedisRepository_GetNotFound(t *testing.T) {
	_, repo := newTestRedisRepository(t)

	_, err := repo.Get(context.Background(), "000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisRepository_InsertCollision(t *testing.T) {
	_, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := repo.Insert(ctx, testTransfer("111111", now)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	t.Run("unexpired code is taken", func(t *testing.T) {
		_, err := repo.Insert(ctx, testTransfer("111111", now.Add(10*time.Second)))
		if !errors.Is(err, ErrCodeTaken) {
			t.Errorf("expected ErrCodeTaken, got %v", err)
		}
	})

	t.Run("expired code can be reused", func(t *testing.T) {
		later := now.Add(2 * time.Minute)
		reused := testTransfer("111111", later)
		reused.Content = "second"
		replaced, err := repo.Insert(ctx, reused)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if replaced.Code != "111111" || replaced.Content != "hello" {
			t.Errorf("expected the expired transfer back, got %+v", replaced)
		}
		got, err := repo.Get(ctx, "111111")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Content != "second" {
			t.Errorf("expected reused record, got %q", got.Content)
		}
	})
}

func TestRedisRepository_MarkRead(t *testing.T) {
	mr, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := repo.Insert(ctx, testTransfer("222222", now)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	mr.FastForward(10 * time.Second)
	ttlBefore := mr.TTL("transfer:222222")

	readAt := now.Add(5 * time.Second)
	got, won, err := repo.MarkRead(ctx, "222222", readAt)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !won {
		t.Error("expected first MarkRead to win")
	}
	if !got.IsRead || got.ReadAt == nil || !got.ReadAt.Equal(readAt) {
		t.Errorf("expected transfer marked read at %v, got %+v", readAt, got)
	}
	if ttl := mr.TTL("transfer:222222"); ttl != ttlBefore {
		t.Errorf("expected ttl to be kept at %v, got %v", ttlBefore, ttl)
	}

	got, won, err = repo.MarkRead(ctx, "222222", readAt.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if won {
		t.Error("expected second MarkRead not to win")
	}
	if !got.ReadAt.Equal(readAt) {
		t.Errorf("expected original readAt to be kept, got %v", got.ReadAt)
	}

	_, _, err = repo.MarkRead(ctx, "999999", readAt)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown code, got %v", err)
	}
}

func TestRedisRepository_MarkReadConcurrent(t *testing.T) {
	_, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := repo.Insert(ctx, testTransfer("333333", now)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	const readers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := repo.MarkRead(ctx, "333333", now)
			if err != nil {
				t.Errorf("MarkRead() error = %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestRedisRepository_ListExpiredAndDelete(t *testing.T) {
	mr, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testTransfer("444444", now.Add(-2*time.Minute))
	fresh := testTransfer("555555", now)
	for _, tr := range []Transfer{old, fresh} {
		if _, err := repo.Insert(ctx, tr); err != nil {
			t.Fatalf("Insert(%s) error = %v", tr.Code, err)
		}
	}

	expired, err := repo.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].Code != "444444" {
		t.Fatalf("expected only 444444 to be expired, got %+v", expired)
	}

	if err := repo.Delete(ctx, "444444"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if mr.Exists("transfer:444444") {
		t.Error("expected record to be deleted")
	}
	members, _ := mr.ZMembers(expiryIndexKey)
	if len(members) != 1 || members[0] != "555555" {
		t.Errorf("expected index to only hold 555555, got %v", members)
	}

	t.Run("drops index entries whose record is gone", func(t *testing.T) {
		mr.Del("transfer:555555")
		expired, err := repo.ListExpired(ctx, now.Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("ListExpired() error = %v", err)
		}
		if len(expired) != 0 {
			t.Errorf("expected no transfers, got %+v", expired)
		}
		if members, _ := mr.ZMembers(expiryIndexKey); len(members) != 0 {
			t.Errorf("expected stale index entry to be removed, got %v", members)
		}
	})
}

func TestRedisRepository_ExpiredObjects(t *testing.T) {
	mr, repo := newTestRedisRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	img := testTransfer("666666", now.Add(-2*time.Minute))
	img.Type = TypeImage
	img.ObjectKey = "b.png"
	for _, tr := range []Transfer{img, testTransfer("777777", now.Add(-2*time.Minute))} {
		if _, err := repo.Insert(ctx, tr); err != nil {
			t.Fatalf("Insert(%s) error = %v", tr.Code, err)
		}
	}

	objects, err := repo.ListExpiredObjects(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpiredObjects() error = %v", err)
	}
	if len(objects) != 1 || objects[0].ObjectKey != "b.png" {
		t.Fatalf("expected only the image transfer, got %+v", objects)
	}

	ttlBefore := mr.TTL("transfer:666666")
	if err := repo.ClearObject(ctx, "666666", "other.png"); err != nil {
		t.Fatalf("ClearObject() error = %v", err)
	}
	if got, _ := repo.Get(ctx, "666666"); got.ObjectKey != "b.png" {
		t.Fatalf("expected a different key to leave the reference, got %q", got.ObjectKey)
	}
	if err := repo.ClearObject(ctx, "666666", "b.png"); err != nil {
		t.Fatalf("ClearObject() error = %v", err)
	}
	got, err := repo.Get(ctx, "666666")
	if err != nil {
		t.Fatalf("expected record to survive ClearObject, got %v", err)
	}
	if got.ObjectKey != "" {
		t.Errorf("expected object key to be cleared, got %q", got.ObjectKey)
	}
	if ttl := mr.TTL("transfer:666666"); ttl != ttlBefore {
		t.Errorf("expected ttl to be kept at %v, got %v", ttlBefore, ttl)
	}
	if members, _ := mr.ZMembers(objectIndexKey); len(members) != 0 {
		t.Errorf("expected object index to be empty, got %v", members)
	}

	t.Run("reusing a code replaces its object entry", func(t *testing.T) {
		old := testTransfer("888888", now.Add(-2*time.Minute))
		old.ObjectKey = "c.png"
		if _, err := repo.Insert(ctx, old); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		replaced, err := repo.Insert(ctx, testTransfer("888888", now))
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if replaced.ObjectKey != "c.png" {
			t.Errorf("expected replaced object key c.png, got %q", replaced.ObjectKey)
		}
		if objects, _ := repo.ListExpiredObjects(ctx, now.Add(time.Hour), 10); len(objects) != 0 {
			t.Errorf("expected no object entry for the text transfer, got %+v", objects)
		}
	})
}

func TestRedisRepository_Ping(t *testing.T) {
	mr, repo := newTestRedisRepository(t)

	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	mr.Close()
	err := repo.Ping(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after redis is gone, got %v", err)
	}
}
