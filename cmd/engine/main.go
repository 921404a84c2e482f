// The engine binary runs the ingestion side of the checking pipeline: it
// consumes execution records, plans and dispatches detection tasks, records
// detection responses and serves the read-only HTTP API. Detection workers
// run separately (cmd/worker) or colocated via -with-workers.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/purpleops/checking-engine/internal/api"
	"github.com/purpleops/checking-engine/internal/config"
	"github.com/purpleops/checking-engine/internal/dispatch"
	"github.com/purpleops/checking-engine/internal/ingest"
	"github.com/purpleops/checking-engine/internal/metrics"
	"github.com/purpleops/checking-engine/internal/mq"
	"github.com/purpleops/checking-engine/internal/poison"
	"github.com/purpleops/checking-engine/internal/results"
	"github.com/purpleops/checking-engine/internal/store"
	"github.com/purpleops/checking-engine/internal/supervisor"
	"github.com/purpleops/checking-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env overrides apply)")
	withWorkers := flag.Bool("with-workers", false, "run detection workers in-process")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	ctx := context.Background()
	m := metrics.New()
	sup := supervisor.New(cfg.Supervisor)

	gateway, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Store: %v", err)
	}
	sup.OnStop("store", func(context.Context) error { return gateway.Close() })

	// Poison tracking is best-effort: without Redis the engine still runs,
	// it just never cuts off a redelivery loop on its own.
	var counter mq.RedeliveryCounter
	redisCounter, err := poison.NewCounter(cfg.Redis)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, poison cutoff disabled: %v", err)
	} else {
		counter = redisCounter
		sup.OnStop("redis", func(context.Context) error { return redisCounter.Close() })
	}

	// Topology is provisioned once with the admin role, then the admin
	// connection is dropped; runtime roles have narrower permissions.
	admin, err := mq.Dial(cfg.Broker, config.RoleAdmin)
	if err != nil {
		log.Fatalf("❌ Broker (admin): %v", err)
	}
	if err := mq.DeclareTopology(ctx, admin, cfg.Broker); err != nil {
		log.Fatalf("❌ Topology: %v", err)
	}
	admin.Close()

	dispatcherClient, err := mq.Dial(cfg.Broker, config.RoleDispatcher)
	if err != nil {
		log.Fatalf("❌ Broker (dispatcher): %v", err)
	}
	sup.OnStop("broker-dispatcher", func(context.Context) error { return dispatcherClient.Close() })

	taskPub, err := mq.NewPublisher(ctx, dispatcherClient, cfg.Broker.Exchange, cfg.Broker.PublishTimeout)
	if err != nil {
		log.Fatalf("❌ Task publisher: %v", err)
	}
	sup.OnStop("task-publisher", func(context.Context) error { return taskPub.Close() })

	resultClient, err := mq.Dial(cfg.Broker, config.RoleResultConsumer)
	if err != nil {
		log.Fatalf("❌ Broker (result_consumer): %v", err)
	}
	sup.OnStop("broker-results", func(context.Context) error { return resultClient.Close() })

	consumerClient, err := mq.Dial(cfg.Broker, config.RoleConsumer)
	if err != nil {
		log.Fatalf("❌ Broker (consumer): %v", err)
	}
	sup.OnStop("broker-consumer", func(context.Context) error { return consumerClient.Close() })

	resultDL, err := mq.NewDeadLetterer(ctx, resultClient, cfg.Broker)
	if err != nil {
		log.Fatalf("❌ Dead-letterer (results): %v", err)
	}
	resultHandler := results.New(results.NewGateway(gateway), m)
	for _, queue := range []string{cfg.Broker.APIResponsesQueue, cfg.Broker.AgentResponsesQueue} {
		c := mq.NewConsumer(resultClient, mq.ConsumerOpts{
			Queue:       queue,
			Prefetch:    cfg.Broker.Prefetch,
			Handler:     resultHandler.Handle,
			DeadLetter:  resultDL,
			Poison:      counter,
			PoisonLimit: cfg.Broker.PoisonLimit,
			Metrics:     m,
		})
		if err := c.Start(ctx); err != nil {
			log.Fatalf("❌ Result consumer (%s): %v", queue, err)
		}
		sup.OnStop("results:"+queue, func(context.Context) error { c.Stop(); return nil })
	}

	ingestDL, err := mq.NewDeadLetterer(ctx, consumerClient, cfg.Broker)
	if err != nil {
		log.Fatalf("❌ Dead-letterer (ingest): %v", err)
	}
	dispatcher := dispatch.New(taskPub, m)
	ingestHandler := ingest.New(ingest.NewGateway(gateway), dispatcher, cfg.Worker.MaxRetries, m)
	ingestConsumer := mq.NewConsumer(consumerClient, mq.ConsumerOpts{
		Queue:       cfg.Broker.InstructionsQueue,
		Prefetch:    cfg.Broker.Prefetch,
		Handler:     ingestHandler.Handle,
		DeadLetter:  ingestDL,
		Poison:      counter,
		PoisonLimit: cfg.Broker.PoisonLimit,
		Metrics:     m,
	})
	if err := ingestConsumer.Start(ctx); err != nil {
		log.Fatalf("❌ Ingestion consumer: %v", err)
	}
	sup.OnStop("ingest", func(context.Context) error { ingestConsumer.Stop(); return nil })

	if *withWorkers {
		if err := startWorkers(ctx, cfg, gateway, counter, m, sup); err != nil {
			log.Fatalf("❌ Workers: %v", err)
		}
	}

	server := api.NewServer(cfg.Server.Port, gateway)
	server.AddHealthCheck("postgres", gateway)
	server.AddHealthCheck("rabbitmq", consumerClient)
	if redisCounter != nil {
		server.AddHealthCheck("redis", redisCounter)
	}
	sup.OnStop("http", server.Shutdown)
	sup.Go("http", server.Start)

	if err := sup.Wait(ctx); err != nil {
		log.Fatalf("❌ Engine exited: %v", err)
	}
}

// startWorkers runs the api and agent worker pools inside the engine
// process, sharing its store gateway.
func startWorkers(ctx context.Context, cfg *config.Config, gateway *store.Gateway, counter mq.RedeliveryCounter, m *metrics.Metrics, sup *supervisor.Supervisor) error {
	client, err := mq.Dial(cfg.Broker, config.RoleWorker)
	if err != nil {
		return err
	}
	sup.OnStop("broker-worker", func(context.Context) error { return client.Close() })

	pub, err := mq.NewPublisher(ctx, client, cfg.Broker.Exchange, cfg.Broker.PublishTimeout)
	if err != nil {
		return err
	}
	sup.OnStop("worker-publisher", func(context.Context) error { return pub.Close() })

	registry := worker.NewRegistry()
	if cfg.Worker.EnableMock {
		registry.Register(worker.NewMockDetector(cfg.Worker.MockFailureRate))
	}
	runtime := worker.NewRuntime(registry, gateway, pub, cfg.Worker, m)

	dl, err := mq.NewDeadLetterer(ctx, client, cfg.Broker)
	if err != nil {
		return err
	}
	for _, queue := range []string{cfg.Broker.APITasksQueue, cfg.Broker.AgentTasksQueue} {
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
			return err
		}
		sup.OnStop("worker:"+queue, func(context.Context) error { c.Stop(); return nil })
	}
	return nil
}
