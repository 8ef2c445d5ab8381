// The consumer tails the negotiation event topic and appends every event to
// the audit table in Postgres. It runs separately from the bot process so a
// slow database never stalls negotiation.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-bot/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total negotiation events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	auditInserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_inserts_total",
		Help: "Total successful audit inserts",
	})
	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_errors_total",
		Help: "Total audit insert errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, auditInserts, auditErrors)
}

func main() {
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

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "negotiation-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "taxi-bot-audit"
	}

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		log.Fatal("PG_DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("postgres open: %v", err)
	}
	inserter := &pgInserter{db: db}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
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
		_ = db.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
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
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Type == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := insertWithRetry(ctx, inserter, &ev, 3, 200*time.Millisecond); err != nil {
			auditErrors.Inc()
			log.Printf("audit insert failed for order=%d type=%s: %v", ev.OrderID, ev.Type, err)
			continue
		}
		auditInserts.Inc()
	}
}

// EventInserter is the subset of database operations the consumer needs,
// kept as an interface for tests.
type EventInserter interface {
	Insert(ctx context.Context, ev *models.Event) error
}

type pgInserter struct{ db *sql.DB }

func (p *pgInserter) Insert(ctx context.Context, ev *models.Event) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO negotiation_events(event_type, order_id, offer_id, actor_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.Type, ev.OrderID, ev.OfferID, ev.ActorID, ev.At)
	return err
}

// insertWithRetry appends the event with retry/backoff so a brief database
// hiccup does not lose audit rows.
func insertWithRetry(ctx context.Context, ins EventInserter, ev *models.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = ins.Insert(ctx, ev); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
