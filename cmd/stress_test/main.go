package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rl1809/allocation-service/internal/adapter/handler"
)

const (
	batchQty      = 20
	totalRequests = 50
)

func main() {
	addr := flag.String("addr", "localhost:50051", "allocation gRPC address")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()
	client := handler.NewAllocationClient(conn)

	// a fresh sku per run keeps earlier runs out of the numbers
	sku := "STRESS-" + uuid.NewString()[:8]
	batchRef := "batch-" + sku
	if err := client.AddBatch(ctx, batchRef, sku, batchQty, nil); err != nil {
		log.Fatalf("failed to add batch: %v", err)
	}

	var (
		successCount    atomic.Int32
		outOfStockCount atomic.Int32
		errorCount      atomic.Int32
		wrongBatch      atomic.Int32
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(orderNo int) {
			defer wg.Done()

			ref, err := client.Allocate(ctx, fmt.Sprintf("order-%d", orderNo), sku, 1)
			switch {
			case err == nil:
				successCount.Add(1)
				if ref != batchRef {
					wrongBatch.Add(1)
				}
			case status.Code(err) == codes.FailedPrecondition:
				outOfStockCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("order-%d: %v", orderNo, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	outOfStock := outOfStockCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("SKU:              %s\n", sku)
	fmt.Printf("Batch Quantity:   %d\n", batchQty)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Allocated:        %d\n", success)
	fmt.Printf("Out Of Stock:     %d\n", outOfStock)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == batchQty && outOfStock == totalRequests-batchQty {
		fmt.Printf("PASS: exactly %d lines allocated, %d out of stock\n", batchQty, totalRequests-batchQty)
	} else {
		fmt.Printf("FAIL: expected %d allocated/%d out of stock, got %d/%d\n",
			batchQty, totalRequests-batchQty, success, outOfStock)
	}

	if wrongBatch.Load() == 0 {
		fmt.Println("PASS: every line went to the only batch")
	} else {
		fmt.Printf("FAIL: %d lines reported another batch\n", wrongBatch.Load())
	}
}
