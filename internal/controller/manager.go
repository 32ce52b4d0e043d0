// Package controller assembles the controller manager that hosts the update
// orchestration loop.
package controller

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"updraft.io/updraft/internal/controller/shadow"
	"updraft.io/updraft/internal/drain"
	updatesv1 "updraft.io/updraft/pkg/apis/updates/v1"
	updatesv2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/metrics"
)

var updraftScheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(updraftScheme))
	utilruntime.Must(updatesv1.AddToScheme(updraftScheme))
	utilruntime.Must(updatesv2.AddToScheme(updraftScheme))
}

// Config carries the manager wiring knobs next to the orchestrator's own.
type Config struct {
	Orchestrator shadow.Config

	MetricsBindAddress     string
	HealthProbeBindAddress string

	// SelfPodName keeps drains from evicting the controller's own pod.
	SelfPodName string
}

// NewControllerManager builds a leader-elected manager running the
// orchestration loop. Only the elected leader executes admission decisions;
// replicas idle until the lease passes to them.
func NewControllerManager(cfg Config, kubeconfig *rest.Config, logger log.Logger) (manager.Manager, error) {
	mgr, err := controllerruntime.NewManager(kubeconfig, controllerruntime.Options{
		Scheme:                  updraftScheme,
		Metrics:                 metricsserver.Options{BindAddress: cfg.MetricsBindAddress},
		HealthProbeBindAddress:  cfg.HealthProbeBindAddress,
		LeaderElection:          true,
		LeaderElectionID:        "updraft-controller-manager",
		LeaderElectionNamespace: cfg.Orchestrator.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("creating controller manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return nil, fmt.Errorf("setting up health check: %w", err)
	}

	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return nil, fmt.Errorf("setting up ready check: %w", err)
	}

	kube, err := kubernetes.NewForConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}

	hostMetrics := metrics.NewHostMetrics(ctrlmetrics.Registry)
	drainer := drain.New(kube, logger, cfg.SelfPodName)

	orchestrator := shadow.NewOrchestrator(mgr.GetClient(), drainer, hostMetrics, cfg.Orchestrator, logger)
	if err := mgr.Add(orchestrator); err != nil {
		return nil, fmt.Errorf("registering orchestrator: %w", err)
	}

	return mgr, nil
}
