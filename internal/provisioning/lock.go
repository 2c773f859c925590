package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a single provisioning attempt may hold its
// idempotency lock; it must comfortably exceed the IaaS request budget
// plus retries (30s request deadline * up to 3 attempts) so a slow but
// legitimate attempt is never pre-empted by its own retry.
const lockTTL = 2 * time.Minute

// acquireCreateLock takes a short-lived SET NX lock keyed by
// account+sanitized-name so a client retry of "create bot" while the
// first attempt is still in flight cannot trigger a second concurrent
// create_vm for what is conceptually the same intended bot — the gap
// spec.md §9 flags since create_vm itself is not idempotent.
func acquireCreateLock(ctx context.Context, rdb *redis.Client, accountID, name string) (release func(), err error) {
	key := fmt.Sprintf("fleetctl:provision-lock:%s:%s", accountID, name)
	ok, err := rdb.SetNX(ctx, key, "1", lockTTL).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "acquire provisioning lock")
	}
	if !ok {
		return nil, apperr.New(apperr.Conflict, "a provisioning attempt for %q is already in flight on this account", name)
	}
	return func() {
		// Best effort: if this fails the lock simply expires on its own
		// TTL; nothing downstream depends on the delete succeeding.
		rdb.Del(context.Background(), key)
	}, nil
}
