// The worker binary runs detection workers standalone, so detector fleets
// can scale independently of the engine. It consumes task queues, runs
// detectors and publishes detection responses; results are recorded by the
// engine's result consumer, never here.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/purpleops/checking-engine/internal/config"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/poison"
	"github.com/purpleops/checking-engine/internal/store"
	"github.com/purpleops/checking-engine/internal/supervisor"
	"github.com/purpleops/checking-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env overrides apply)")
	class := flag.String("class", "all", "worker class to run: api, agent or all")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	var queues []string
	switch *class {
	case "api":
		queues = []string{cfg.Broker.APITasksQueue}
	case "agent":
		queues = []string{cfg.Broker.AgentTasksQueue}
	case "all":
		queues = []string{cfg.Broker.APITasksQueue, cfg.Broker.AgentTasksQueue}
	default:
		log.Fatalf("❌ Unknown worker class %q (want api, agent or all)", *class)
	}

	ctx := context.Background()
	m := metrics.New()
	sup := supervisor.New(cfg.Supervisor)

	gateway, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Store: %v", err)
	}
	sup.OnStop("store", func(context.Context) error { return gateway.Close() })

	var counter mq.RedeliveryCounter
	redisCounter, err := poison.NewCounter(cfg.Redis)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, poison cutoff disabled: %v", err)
	} else {
		counter = redisCounter
		sup.OnStop("redis", func(context.Context) error { return redisCounter.Close() })
	}

	client, err := mq.Dial(cfg.Broker, config.RoleWorker)
	if err != nil {
		log.Fatalf("❌ Broker (worker): %v", err)
	}
	sup.OnStop("broker", func(context.Context) error { return client.Close() })

	pub, err := mq.NewPublisher(ctx, client, cfg.Broker.Exchange, cfg.Broker.PublishTimeout)
	if err != nil {
		log.Fatalf("❌ Response publisher: %v", err)
	}
	sup.OnStop("publisher", func(context.Context) error { return pub.Close() })

	dl, err := mq.NewDeadLetterer(ctx, client, cfg.Broker)
	if err != nil {
		log.Fatalf("❌ Dead-letterer: %v", err)
	}

	registry := worker.NewRegistry()
	if cfg.Worker.EnableMock {
		registry.Register(worker.NewMockDetector(cfg.Worker.MockFailureRate))
	}
	runtime := worker.NewRuntime(registry, gateway, pub, cfg.Worker, m)
	log.Printf("🚀 Worker %s starting (class=%s)", runtime.WorkerID(), *class)

	for _, queue := range queues {
		c := mq.NewConsumer(client, mq.ConsumerOpts{
			Queue:       queue,
			Prefetch:    cfg.Broker.Prefetch,
			Pool:        cfg.Worker.Pool,
			Handler:     runtime.Handle,
			DeadLetter:  dl,
			Poison:      counter,
			PoisonLimit: cfg.Broker.PoisonLimit,
			Metrics:     m,
		})
		if err := c.Start(ctx); err != nil {
			log.Fatalf("❌ Task consumer (%s): %v", queue, err)
		}
		sup.OnStop("tasks:"+queue, func(context.Context) error { c.Stop(); return nil })
	}

	if err := sup.Wait(ctx); err != nil {
		log.Fatalf("❌ Worker exited: %v", err)
	}
}
