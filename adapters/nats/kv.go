package nats

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/saga"
)

// KV is the subset of jetstream.KeyValue the stores use.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

var _ KV = (jetstream.KeyValue)(nil)

// isConflict reports a failed revision check on Create or Update.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// keyPart encodes s into the KV key alphabet.
func keyPart(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func listKeys(ctx context.Context, kv KV) ([]string, error) {
	kl, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = kl.Stop() }()

	var keys []string
	for k := range kl.Keys() {
		keys = append(keys, k)
	}
	return keys, ctx.Err()
}

// KVIdempotencyStore keeps processed-event records in a JetStream KV bucket. Each
// value holds the record expiry; the bucket TTL should be at least the retention.
type KVIdempotencyStore struct {
	kv KV
}

var _ idempotency.Store = (*KVIdempotencyStore)(nil)

func NewKVIdempotencyStore(kv KV) *KVIdempotencyStore {
	return &KVIdempotencyStore{kv: kv}
}

func idempotencyKey(k idempotency.Key) string {
	return keyPart(k.HandlerID) + "." + k.EventID.String()
}

func encodeExpiry(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

func decodeExpiry(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func (s *KVIdempotencyStore) Insert(ctx context.Context, key idempotency.Key, processedAt, expiresAt time.Time) (bool, error) {
	k := idempotencyKey(key)
	val := encodeExpiry(expiresAt)

	_, err := s.kv.Create(ctx, k, val)
	if err == nil {
		return true, nil
	}
	if !isConflict(err) {
		return false, fmt.Errorf("kv create %s: %w", key, err)
	}

	entry, err := s.kv.Get(ctx, k)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// Deleted between the two calls: the next attempt decides.
		return false, fmt.Errorf("kv claim %s: %w", key, jetstream.ErrKeyNotFound)
	case err != nil:
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if decodeExpiry(entry.Value()).After(processedAt) {
		return false, nil
	}

	if _, err := s.kv.Update(ctx, k, val, entry.Revision()); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("kv update %s: %w", key, err)
	}
	return true, nil
}

func (s *KVIdempotencyStore) Exists(ctx context.Context, key idempotency.Key, now time.Time) (bool, error) {
	entry, err := s.kv.Get(ctx, idempotencyKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return decodeExpiry(entry.Value()).After(now), nil
}

func (s *KVIdempotencyStore) Delete(ctx context.Context, key idempotency.Key) error {
	if err := s.kv.Delete(ctx, idempotencyKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// KVSagaStore keeps saga instances in a JetStream KV bucket. The instance version is
// stored in the document and every write is guarded by the entry revision.
type KVSagaStore struct {
	kv KV
}

var _ saga.Store = (*KVSagaStore)(nil)

func NewKVSagaStore(kv KV) *KVSagaStore {
	return &KVSagaStore{kv: kv}
}

func sagaKey(name string, correlationID uuid.UUID) string {
	return keyPart(name) + "." + correlationID.String()
}

func (s *KVSagaStore) Create(ctx context.Context, inst *saga.Instance) error {
	next := inst.Clone()
	next.Version = 1

	doc, err := saga.MarshalInstance(next)
	if err != nil {
		return err
	}

	if _, err := s.kv.Create(ctx, sagaKey(next.Saga, next.CorrelationID), doc); err != nil {
		if isConflict(err) {
			return saga.ErrExists
		}
		return fmt.Errorf("kv create saga instance: %w", err)
	}
	inst.Version = 1

	return nil
}

func (s *KVSagaStore) get(ctx context.Context, key string) (*saga.Instance, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, saga.ErrNotFound
		}
		return nil, 0, fmt.Errorf("kv get saga instance: %w", err)
	}

	inst, err := saga.UnmarshalInstance(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return inst, entry.Revision(), nil
}

func (s *KVSagaStore) Get(ctx context.Context, name string, correlationID uuid.UUID) (*saga.Instance, error) {
	inst, _, err := s.get(ctx, sagaKey(name, correlationID))
	return inst, err
}

func (s *KVSagaStore) Update(ctx context.Context, inst *saga.Instance, expected int64) error {
	key := sagaKey(inst.Saga, inst.CorrelationID)

	cur, rev, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if cur.Version != expected {
		return saga.ErrVersionConflict
	}

	next := inst.Clone()
	next.Version = expected + 1

	doc, err := saga.MarshalInstance(next)
	if err != nil {
		return err
	}

	if _, err := s.kv.Update(ctx, key, doc, rev); err != nil {
		if isConflict(err) {
			return saga.ErrVersionConflict
		}
		return fmt.Errorf("kv update saga instance: %w", err)
	}
	inst.Version = next.Version

	return nil
}

func (s *KVSagaStore) ListDue(ctx context.Context, t time.Time) ([]*saga.Instance, error) {
	return s.list(ctx, "", func(i *saga.Instance) bool {
		return i.State.Live() && !i.Deadline.IsZero() && !i.Deadline.After(t)
	})
}

func (s *KVSagaStore) ListOutbox(ctx context.Context) ([]*saga.Instance, error) {
	return s.list(ctx, "", func(i *saga.Instance) bool { return len(i.Outbox) > 0 })
}

func (s *KVSagaStore) DeleteFinished(ctx context.Context, name string, t time.Time) (int64, error) {
	done, err := s.list(ctx, keyPart(name)+".", func(i *saga.Instance) bool {
		return i.State.Terminal() && len(i.Outbox) == 0 && !i.FinishedAt.After(t)
	})
	if err != nil {
		return 0, err
	}

	var n int64
	var errs []error
	for _, inst := range done {
		key := sagaKey(inst.Saga, inst.CorrelationID)
		_, rev, err := s.get(ctx, key)
		if err != nil {
			if !errors.Is(err, saga.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		err = s.kv.Delete(ctx, key, jetstream.LastRevision(rev))
		switch {
		case err == nil:
			n++
		case isConflict(err):
			// Touched since listing; the next sweep sees it again.
		default:
			errs = append(errs, fmt.Errorf("kv delete saga instance: %w", err))
		}
	}

	return n, errors.Join(errs...)
}

func (s *KVSagaStore) list(ctx context.Context, prefix string, match func(*saga.Instance) bool) ([]*saga.Instance, error) {
	keys, err := listKeys(ctx, s.kv)
	if err != nil {
		return nil, fmt.Errorf("kv list saga instances: %w", err)
	}

	var out []*saga.Instance
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		inst, _, err := s.get(ctx, k)
		if err != nil {
			if errors.Is(err, saga.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if match(inst) {
			out = append(out, inst)
		}
	}
	slices.SortFunc(out, func(a, b *saga.Instance) int { return a.UpdatedAt.Compare(b.UpdatedAt) })

	return out, nil
}
