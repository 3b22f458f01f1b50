package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TransferRepository persists transfers keyed by code.
type TransferRepository interface {
	// Insert stores t unless an unexpired transfer already holds its code,
	// in which case it returns ErrCodeTaken. When t reuses the code of an
	// expired transfer, that transfer is returned so its image can be
	// released; otherwise the returned Transfer is zero.
	Insert(ctx context.Context, t Transfer) (Transfer, error)
	Get(ctx context.Context, code string) (Transfer, error)
	// MarkRead flips the transfer to read if it is not already. The bool is
	// true only for the caller whose update made the flip.
	MarkRead(ctx context.Context, code string, at time.Time) (Transfer, bool, error)
	Delete(ctx context.Context, code string) error
	// ListExpired returns up to limit transfers that expired before the
	// given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Transfer, error)
	// ListExpiredObjects returns up to limit transfers that expired before
	// the given time and still reference an uploaded image.
	ListExpiredObjects(ctx context.Context, before time.Time, limit int) ([]Transfer, error)
	// ClearObject drops the image reference from the transfer at code if
	// it still points at key, keeping the record and its deadline.
	ClearObject(ctx context.Context, code, key string) error
	Ping(ctx context.Context) error
}

const (
	expiryIndexKey = "transfers:expiry"
	objectIndexKey = "transfers:objects"
	maxTxRetries   = 10
)

type redisRepository struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisRepository returns a repository backed by rdb. Records live for
// their lifetime plus retention before Redis reclaims them.
func NewRedisRepository(rdb *redis.Client, retention time.Duration) TransferRepository {
	return &redisRepository{
		rdb:       rdb,
		retention: retention,
	}
}

func (r *redisRepository) Insert(ctx context.Context, t Transfer) (Transfer, error) {
	key := transferKey(t.Code)
	data, err := json.Marshal(t)
	if err != nil {
		return Transfer{}, fmt.Errorf("encode transfer: %w", err)
	}
	ttl := t.Lifetime() + r.retention
	score := float64(t.ExpiresAt.UnixMilli())

	var replaced Transfer
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		replaced = Transfer{}
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing Transfer
			if json.Unmarshal(cur, &existing) == nil {
				if !existing.IsExpired(t.CreatedAt) {
					return ErrCodeTaken
				}
				replaced = existing
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.ZAdd(ctx, expiryIndexKey, redis.Z{Score: score, Member: t.Code})
			if t.ObjectKey != "" {
				pipe.ZAdd(ctx, objectIndexKey, redis.Z{Score: score, Member: t.Code})
			} else {
				pipe.ZRem(ctx, objectIndexKey, t.Code)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return replaced, nil
	case errors.Is(err, ErrCodeTaken), errors.Is(err, redis.TxFailedErr):
		// a concurrent writer touched the key, treat the code as taken
		return Transfer{}, ErrCodeTaken
	default:
		return Transfer{}, storeErr("insert transfer", err)
	}
}

func (r *redisRepository) Get(ctx context.Context, code string) (Transfer, error) {
	raw, err := r.rdb.Get(ctx, transferKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, storeErr("get transfer", err)
	}
	return decodeTransfer(raw)
}

func (r *redisRepository) MarkRead(ctx context.Context, code string, at time.Time) (Transfer, bool, error) {
	key := transferKey(code)
	var (
		t   Transfer
		won bool
	)
	txf := func(tx *redis.Tx) error {
		t, won = Transfer{}, false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if t, err = decodeTransfer(raw); err != nil {
			return err
		}
		if t.IsRead {
			return nil
		}

		readAt := at.UTC()
		t.IsRead = true
		t.ReadAt = &readAt
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transfer: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		won = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return t, won, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return Transfer{}, false, ErrNotFound
		default:
			return Transfer{}, false, storeErr("mark transfer read", err)
		}
	}
	return Transfer{}, false, fmt.Errorf("mark transfer read: %w", redis.TxFailedErr)
}

func (r *redisRepository) Delete(ctx context.Context, code string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, transferKey(code))
		pipe.ZRem(ctx, expiryIndexKey, code)
		pipe.ZRem(ctx, objectIndexKey, code)
		return nil
	})
	if err != nil {
		return storeErr("delete transfer", err)
	}
	return nil
}

func (r *redisRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]Transfer, error) {
	return r.listIndexed(ctx, expiryIndexKey, before, limit)
}

func (r *redisRepository) ListExpiredObjects(ctx context.Context, before time.Time, limit int) ([]Transfer, error) {
	expired, err := r.listIndexed(ctx, objectIndexKey, before, limit)
	if err != nil {
		return nil, err
	}
	out := expired[:0]
	for _, t := range expired {
		if t.ObjectKey == "" {
			_ = r.rdb.ZRem(ctx, objectIndexKey, t.Code).Err()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// listIndexed loads the transfers whose score in index is below before.
func (r *redisRepository) listIndexed(ctx context.Context, index string, before time.Time, limit int) ([]Transfer, error) {
	codes, err := r.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("list expired transfers", err)
	}

	out := make([]Transfer, 0, len(codes))
	for _, code := range codes {
		t, err := r.Get(ctx, code)
		if errors.Is(err, ErrNotFound) {
			// record already reclaimed by its TTL, drop the stale index entry
			_ = r.rdb.ZRem(ctx, index, code).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.IsExpired(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *redisRepository) ClearObject(ctx context.Context, code, objectKey string) error {
	key := transferKey(code)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, objectIndexKey, code)
				return nil
			})
			return err
		}
		if err != nil {
			return err
		}
		t, err := decodeTransfer(raw)
		if err != nil {
			return err
		}
		if t.ObjectKey != objectKey {
			// the code was reused since it was listed
			return nil
		}
		t.ObjectKey = ""
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transfer: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			pipe.ZRem(ctx, objectIndexKey, code)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return storeErr("clear transfer image", err)
		}
	}
	return fmt.Errorf("clear transfer image: %w", redis.TxFailedErr)
}

func (r *redisRepository) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func decodeTransfer(raw []byte) (Transfer, error) {
	var t Transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transfer{}, fmt.Errorf("decode transfer: %w", err)
	}
	return t, nil
}

// storeErr marks connectivity failures as ErrUnavailable.
func storeErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transferKey(code string) string { return "transfer:" + code }
