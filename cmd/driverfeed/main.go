package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driverfeed_messages_consumed_total",
		Help: "Total driver status messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driverfeed_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	directoryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driverfeed_directory_updates_total",
		Help: "Total successful directory updates",
	})
	directoryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driverfeed_directory_errors_total",
		Help: "Total directory update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, directoryUpdates, directoryErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_DRIVER_TOPIC")
	if topic == "" {
		topic = "driver-status"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-dispatch-driverfeed"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	prefix := os.Getenv("REDIS_DRIVER_KEY")
	if prefix == "" {
		prefix = "drivers"
	}
	dir := directory.NewRedisDirectory(redisAddr, os.Getenv("REDIS_PASSWORD"), prefix)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := dir.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = dir.Close()
	}()

	log.Printf("driverfeed listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down driverfeed")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var evt events.DriverEvent
		if err := json.Unmarshal(m.Value, &evt); err != nil || evt.Driver.ID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := upsertWithRetry(ctx, dir, evt.Driver, 3, 200*time.Millisecond); err != nil {
			directoryErrors.Inc()
			log.Printf("directory update failed for driver=%s: %v", evt.Driver.ID, err)
			continue
		}
		directoryUpdates.Inc()
	}
}

// DirectoryUpdater is the small subset of directory operations the feed
// needs, kept as an interface for tests.
type DirectoryUpdater interface {
	Upsert(ctx context.Context, d models.Driver) error
}

var _ DirectoryUpdater = (*directory.RedisDirectory)(nil)

// upsertWithRetry writes a driver into the directory with retry/backoff.
func upsertWithRetry(ctx context.Context, dir DirectoryUpdater, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = dir.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
