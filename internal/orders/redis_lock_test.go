package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sokopay/internal/locks"
)

// slowGateway stands in for a provider that takes longer than the lock
// lease to answer. Redis time is advanced while it works.
type slowGateway struct {
	*fakeGateway
	mr *miniredis.Miniredis

	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (g *slowGateway) Initiate(ctx context.Context, req PaymentRequest) (*PaymentReceipt, error) {
	g.mu.Lock()
	g.inFlight++
	g.maxSeen = max(g.maxSeen, g.inFlight)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		g.mr.FastForward(40 * time.Millisecond)
	}
	return g.fakeGateway.Initiate(ctx, req)
}

func (g *slowGateway) overlap() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func TestInitiatePayment_RedisLockOutlivesSlowGateway(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gw := &slowGateway{fakeGateway: &fakeGateway{verify: map[string]*PaymentNotice{}}, mr: mr}
	store := NewMemoryStore()
	svc := NewService(store, &stubAssessor{scores: []int{10}}, gw, Config{}, nil).
		WithLocker(locks.NewRedis(client, "sokopay:test:lock:", nil).WithTTL(100 * time.Millisecond))

	o, err := svc.Create(context.Background(), sampleRequest("4500"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.InitiatePayment(context.Background(), o.ID,
				PayRequest{BuyerPhone: "0798765432", BuyerName: "Otieno"})
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, gw.overlap(), "two pushes ran under the same order lock")
	assert.Equal(t, 2, gw.pushCount())
}
