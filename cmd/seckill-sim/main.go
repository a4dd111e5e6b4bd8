// Command seckill-sim runs a flash sale: many buyers race for a small stock
// guarded by one checkout lock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	buyers    = flag.Int("buyers", 100, "number of concurrent buyers")
	stock     = flag.Int("stock", 10, "items on sale")
	redisAddr = flag.String("redis", "", "Redis address; empty runs in-memory")
	maxWait   = flag.Duration("max-wait", 3*time.Second, "how long a buyer waits for the checkout lock")
	ttl       = flag.Duration("ttl", 5*time.Second, "checkout lock lifetime")
	work      = flag.Duration("work", 5*time.Millisecond, "time spent inside checkout")
	listen    = flag.String("listen", ":2112", "address for /metrics; empty disables it")
	linger    = flag.Bool("linger", false, "keep serving /metrics after the sale ends")
	trace     = flag.Bool("trace", false, "print lock spans to stdout")
	verbose   = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := metrics.NewRegistry()
	opts := []lock.Option{lock.WithLogger(logger), lock.WithMetrics(reg)}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, lock.WithTracing())
	}

	const key = "seckill:checkout"
	var (
		l   *lock.Lock
		err error
	)
	if *redisAddr != "" {
		var closeFn func() error
		l, closeFn, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, key, opts...)
		if err == nil {
			defer closeFn()
		}
	} else {
		l, err = presets.NewInMemoryStandalone(key, opts...)
	}
	if err != nil {
		log.Fatal(err)
	}

	var srv *http.Server
	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	start := time.Now()
	rep, err := simulate(ctx, l, simConfig{
		Buyers:  *buyers,
		Stock:   *stock,
		MaxWait: *maxWait,
		TTL:     *ttl,
		Work:    *work,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("sold=%d sold_out=%d timed_out=%d overlaps=%d elapsed=%s\n",
		rep.Sold, rep.SoldOut, rep.TimedOut, rep.Overlaps, time.Since(start).Round(time.Millisecond))

	if srv != nil {
		if *linger {
			fmt.Printf("serving metrics on %s/metrics, interrupt to exit\n", *listen)
			<-ctx.Done()
		}
		_ = srv.Shutdown(context.Background())
	}
	if rep.Overlaps > 0 || rep.Sold > *stock {
		os.Exit(2)
	}
}
