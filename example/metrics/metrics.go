package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synoptiq/go-stageflow"
	"github.com/synoptiq/go-stageflow/stages"
)

// Runs a pipeline in a loop and exposes its Prometheus metrics on :2112.
// Every fifth batch contains a record the "check" stage rejects, so the
// error counters move as well.
const pipelineYAML = `version: "1.0.0"
pipeline_name: metrics-demo
at_step:
  arrays: {module: to_array, key_from_data: [values]}
  check: {module: check, key_from_previous: [values]}
  disabled: {module: constant, skip: true}
at_final:
  total: {module: total, key_from_data: [values], repeat: 2}
`

var errNegative = errors.New("negative value")

func check(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		for _, v := range inv.Inputs["values"].(*stageflow.Array).Data() {
			if v < 0 {
				return nil, errNegative
			}
		}
		return nil, nil
	}), nil
}

func total(_ stageflow.BuildEnv, _ stageflow.Args) (stageflow.Stage, error) {
	return stageflow.StageFunc(func(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
		sum := 0.0
		for _, v := range inv.Inputs["values"].(*stageflow.Array).Data() {
			sum += v
		}
		return stageflow.Record{"total": sum}, nil
	}), nil
}

func main() {
	fmt.Println("📊 Stageflow metrics demo: http://localhost:2112/metrics")

	config, err := stageflow.LoadPipelineConfigFromYAML([]byte(pipelineYAML))
	if err != nil {
		log.Fatal(err)
	}
	registry := stageflow.NewRegistry()
	if err := stages.Register(registry); err != nil {
		log.Fatal(err)
	}
	registry.MustRegister("check", check)
	registry.MustRegister("total", total)

	collector := stageflow.NewPrometheusMetricsCollector(nil)
	ms, err := stageflow.New(config, registry, stageflow.WithMetricsCollector(collector))
	if err != nil {
		log.Fatal(err)
	}

	server := &http.Server{
		Addr:              ":2112",
		Handler:           promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for batch := 1; ; batch++ {
		select {
		case <-ctx.Done():
			_ = server.Shutdown(context.Background())
			fmt.Println("\n👋 bye")
			return
		case <-ticker.C:
		}
		records := []stageflow.Record{
			{"values": []any{1.0, 2.0}},
			{"values": []any{3.0, 4.0}},
		}
		if batch%5 == 0 {
			records = append(records, stageflow.Record{"values": []any{-1.0, 0.0}})
		}
		result, err := ms.Run(ctx, records)
		if err != nil {
			fmt.Printf("   batch %d ❌ %v\n", batch, err)
			continue
		}
		fmt.Printf("   batch %d ✅ total=%v\n", batch, result["total"])
	}
}
