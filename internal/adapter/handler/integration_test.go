package handler

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/adapter/storage"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	router  *gin.Engine
	cleanup func()
}

// setupTestEnv runs the HTTP surface against MySQL and Redis.
func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/allocation"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ctx := context.Background()
	migrationDB, err := storage.OpenDB(ctx, storage.DriverMySQL, mysqlDSN, storage.DBOptions{MaxOpenConns: 2})
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	m, err := storage.NewMigrator(migrationDB, storage.DriverMySQL, zap.NewNop())
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m.Close()

	db, err := storage.OpenDB(ctx, storage.DriverMySQL, mysqlDSN, storage.DBOptions{MaxOpenConns: 20, MaxIdleConns: 10})
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}

	gin.SetMode(gin.TestMode)
	s := newStack(storage.NewSQLStore(db).UnitOfWork, storage.NewRedisAllocationView(rdb))
	policy := RetryPolicy{MaxAttempts: 20, InitialInterval: fastRetry.InitialInterval}

	return &testEnv{
		redis:  rdb,
		mysql:  db,
		router: NewHTTPHandler(s.bus, s.handlers, policy, zap.NewNop()).Router("allocation-integration"),
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func TestIntegration_AllocatePersistsAndProjects(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	sku := "it-sku-" + uuid.NewString()[:8]
	orderID := "it-order-" + uuid.NewString()[:8]
	batchRef := "it-batch-" + uuid.NewString()[:8]

	if w := do(env.router, http.MethodPost, "/add_batch", fmt.Sprintf(`{"ref":%q,"sku":%q,"qty":10}`, batchRef, sku)); w.Code != http.StatusCreated {
		t.Fatalf("add_batch: %d %s", w.Code, w.Body.String())
	}
	if w := do(env.router, http.MethodPost, "/allocate", fmt.Sprintf(`{"orderid":%q,"sku":%q,"qty":3}`, orderID, sku)); w.Code != http.StatusCreated {
		t.Fatalf("allocate: %d %s", w.Code, w.Body.String())
	}

	var qty int
	err := env.mysql.QueryRow(`SELECT qty FROM allocations WHERE order_id = ? AND sku = ?`, orderID, sku).Scan(&qty)
	if err != nil {
		t.Fatalf("allocation row: %v", err)
	}
	if qty != 3 {
		t.Errorf("expected qty 3, got %d", qty)
	}

	ref, _ := env.redis.HGet(context.Background(), "allocation:"+orderID, sku).Result()
	if ref != batchRef {
		t.Errorf("expected view to point at %s, got %q", batchRef, ref)
	}
}

func TestIntegration_ConcurrentAllocationsNeverOverAllocate(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	const stock = 20
	const requests = 50
	sku := "it-hot-" + uuid.NewString()[:8]

	body := fmt.Sprintf(`{"ref":%q,"sku":%q,"qty":%d}`, "it-hot-batch-"+uuid.NewString()[:8], sku, stock)
	if w := do(env.router, http.MethodPost, "/add_batch", body); w.Code != http.StatusCreated {
		t.Fatalf("add_batch: %d", w.Code)
	}

	var created, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := do(env.router, http.MethodPost, "/allocate", fmt.Sprintf(`{"orderid":"it-o-%d","sku":%q,"qty":1}`, i, sku))
			switch w.Code {
			case http.StatusCreated:
				created.Add(1)
			default:
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	var allocated int
	env.mysql.QueryRow(`SELECT COALESCE(SUM(qty), 0) FROM allocations WHERE sku = ?`, sku).Scan(&allocated)
	if allocated > stock {
		t.Errorf("over-allocated: %d > %d", allocated, stock)
	}
	if int(created.Load()) != allocated {
		t.Errorf("expected %d created responses to match %d stored lines", created.Load(), allocated)
	}
	if created.Load()+rejected.Load() != requests {
		t.Errorf("lost responses: %d + %d", created.Load(), rejected.Load())
	}
}
