// Package apiserver implements the mediation service agents write through.
// It authenticates callers with projected service-account tokens, authorizes
// them against the node named in the request, and is the only identity with
// write access to HostShadow statuses. It also hosts the v1/v2 conversion
// webhook and the metrics endpoint.
package apiserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"updraft.io/updraft/internal/apiserver/auth"
	"updraft.io/updraft/internal/apiserver/webhook"
	"updraft.io/updraft/internal/drain"
	updatesv1 "updraft.io/updraft/pkg/apis/updates/v1"
	updatesv2 "updraft.io/updraft/pkg/apis/updates/v2"
	"updraft.io/updraft/pkg/apiserver/api"
	"updraft.io/updraft/pkg/constants"
	"updraft.io/updraft/pkg/log"
	"updraft.io/updraft/pkg/metrics"
	"updraft.io/updraft/pkg/options"
)

// hostMetricsInterval is how often the fleet gauges are recomputed.
const hostMetricsInterval = 30 * time.Second

var serverScheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(serverScheme))
	utilruntime.Must(updatesv1.AddToScheme(serverScheme))
	utilruntime.Must(updatesv2.AddToScheme(serverScheme))
}

// Config assembles everything the apiserver needs.
type Config struct {
	Namespace    string
	InternalPort int
	TLS          *options.TLSOptions

	// SelfPodName keeps proxied drains from evicting the apiserver's own pod.
	SelfPodName string
}

// Server is the updraft apiserver.
type Server struct {
	cfg      Config
	logger   log.Logger
	router   *mux.Router
	reloader *certReloader

	client    client.Client
	kube      kubernetes.Interface
	informers informers.SharedInformerFactory

	hostMetrics *metrics.HostMetrics
	registry    *prometheus.Registry
}

// New wires up the server against the given cluster configuration.
func New(cfg Config, restCfg *rest.Config, logger log.Logger) (*Server, error) {
	cli, err := client.New(restCfg, client.Options{Scheme: serverScheme})
	if err != nil {
		return nil, fmt.Errorf("creating cluster client: %w", err)
	}

	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}

	reloader, err := newCertReloader(cfg.TLS.CertPath, cfg.TLS.KeyPath, cfg.TLS.ReloadInterval, logger)
	if err != nil {
		return nil, err
	}

	factory := informers.NewSharedInformerFactoryWithOptions(kube, 0,
		informers.WithNamespace(cfg.Namespace))
	podLister := factory.Core().V1().Pods().Lister()

	authorizer := auth.NewAuthorizer(
		auth.NewK8sTokenReviewer(kube),
		auth.NewListerPodNodeResolver(podLister),
		cfg.Namespace,
		[]string{constants.APIServerAudience},
		logger,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	requestMetrics := metrics.NewRequestMetrics(registry)
	hostMetrics := metrics.NewHostMetrics(registry)

	s := &Server{
		cfg:         cfg,
		logger:      logger.WithName("apiserver"),
		reloader:    reloader,
		client:      cli,
		kube:        kube,
		informers:   factory,
		hostMetrics: hostMetrics,
		registry:    registry,
	}

	h := &handlers{
		client:    cli,
		kube:      kube,
		drainer:   drain.New(kube, logger, cfg.SelfPodName),
		namespace: cfg.Namespace,
		logger:    s.logger,
	}

	s.router = newRouter(h, authorizer, requestMetrics, registry, logger)

	return s, nil
}

func newRouter(h *handlers, authorizer *auth.Authorizer, requestMetrics *metrics.RequestMetrics,
	registry *prometheus.Registry, logger log.Logger,
) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware(requestMetrics))

	r.HandleFunc(constants.APIServerHealthCheckRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}).Methods(http.MethodGet)

	r.Handle(api.MetricsRoute,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc(api.ConvertRoute, webhook.NewHandler(logger)).Methods(http.MethodPost)

	r.HandleFunc(api.ShadowResourceRoute,
		requireNodeAuth(authorizer, "name", h.createShadow)).Methods(http.MethodPost)
	r.HandleFunc(api.ShadowStatusRoute,
		requireNodeAuth(authorizer, "name", h.updateShadowStatus)).Methods(http.MethodPost)
	r.HandleFunc(api.EvictionRoute,
		requireNodeAuth(authorizer, "node", h.evictNode)).Methods(http.MethodPost)

	return r
}

// requireNodeAuth wraps a handler with token review plus the caller-is-on-
// that-node check. Authentication failures return 401, authorization
// failures a deliberately uninformative 403.
func requireNodeAuth(authorizer *auth.Authorizer, nodeVar string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		nodeName := mux.Vars(r)[nodeVar]

		if err := authorizer.AuthorizeNodeWrite(r.Context(), token, nodeName); err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}

			http.Error(w, "forbidden", http.StatusForbidden)

			return
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimPrefix(header, prefix)
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(m *metrics.RequestMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(recorder, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					path = template
				}
			}

			m.Inc(path, recorder.code)
		})
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.informers.Start(ctx.Done())

	for typ, ok := range s.informers.WaitForCacheSync(ctx.Done()) {
		if !ok {
			return fmt.Errorf("informer cache for %v did not sync", typ)
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.InternalPort),
		Handler: s.router,
		TLSConfig: &tls.Config{
			GetCertificate: s.reloader.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.reloader.Run(ctx)
	})

	g.Go(func() error {
		return s.refreshHostMetrics(ctx)
	})

	g.Go(func() error {
		s.logger.Info("serving", "addr", server.Addr)

		if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// refreshHostMetrics keeps the fleet gauges current from the apiserver's own
// view of the shadows.
func (s *Server) refreshHostMetrics(ctx context.Context) error {
	ticker := time.NewTicker(hostMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var shadows updatesv2.HostShadowList
			if err := s.client.List(ctx, &shadows, client.InNamespace(s.cfg.Namespace)); err != nil {
				s.logger.Error(err, "listing shadows for metrics")
				continue
			}

			s.hostMetrics.Observe(shadows.Items)
		case <-ctx.Done():
			return nil
		}
	}
}
