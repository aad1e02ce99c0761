// Package observer keeps the long-term log of finished interaction records
// and evaluates the health of the loop over it.
//
// A MetaObserver implements orchestrator.Observer. Many orchestrators may
// share one; Observe only appends. EvaluateHealth is pull-based and may run at
// any time, concurrently with appends.
//
// # Health
//
// EvaluateHealth checks the most recent records against a HealthPolicy:
// convergence rate, fault rate, mean validator rounds and drift between the
// older and newer half of the window. Recurring issue kinds are reported as
// notes. Below MinSamples records the report is always nominal.
//
// Policies may be loaded from TOML and hot-reloaded with PolicyWatcher.
//
// # Distribution
//
// NATSSink publishes every observed record to <subject>.<status>. A governance
// process runs a NATSSource on <subject>.> to aggregate records from many
// workers into its own MetaObserver.
//
//	obs, _ := observer.New(observer.WithMetrics(observer.NewMetrics(reg)))
//	orch, _ := orchestrator.New(gen, val, cfg, orchestrator.WithObserver(obs))
//	report := obs.EvaluateHealth(ctx)
package observer
