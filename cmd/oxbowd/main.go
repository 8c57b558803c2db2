package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.oxbow.dev/core/coordinator"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	mbp "go.oxbow.dev/core/mainboilerplate"
	"go.oxbow.dev/core/storage/sqlitestore"
	"golang.org/x/sync/errgroup"
)

const iniFilename = "oxbow.ini"

// Config is the top-level configuration object of an oxbowd daemon.
var Config = new(struct {
	Oxbow struct {
		Store           string        `long:"store" env:"STORE" default:"oxbowd.db" description:"Path of the SQLite collection store"`
		ViewSet         string        `long:"view-set" env:"VIEW_SET" default:"views.yaml" description:"Path of the YAML view-set declaration"`
		Replicas        int           `long:"replicas" env:"REPLICAS" default:"2" description:"Number of loopback fabric replicas to simulate"`
		Port            string        `long:"port" env:"PORT" default:":8080" description:"Port for serving the view introspection API"`
		LivenessTimeout time.Duration `long:"liveness-timeout" env:"LIVENESS_TIMEOUT" default:"30s" description:"Duration after which a non-reporting replica is excluded from aggregation"`
		SweepInterval   time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"5s" description:"Period of replica liveness checks"`
		TickInterval    time.Duration `long:"tick-interval" env:"TICK_INTERVAL" default:"1s" description:"Period of loopback fabric ingestion and progress ticks"`
	} `group:"Oxbow" namespace:"oxbow" env-namespace:"OXBOW"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveOxbow struct{}

func (serveOxbow) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("starting oxbowd")

	var set, err = loadViewSet(Config.Oxbow.ViewSet)
	mbp.Must(err, "failed to load view set")

	var store *sqlitestore.Store
	store, err = sqlitestore.Open(Config.Oxbow.Store)
	mbp.Must(err, "failed to open collection store", "path", Config.Oxbow.Store)
	defer store.Close()

	// Register declared source collections. Re-registrations are no-ops:
	// frontiers persisted by a prior run are authoritative.
	var sources []pc.CollectionID
	for _, col := range set.Collections {
		var id = pc.CollectionID(col.ID)
		mbp.Must(store.CreateCollection(id, frontier.At(frontier.Time(col.Read)), frontier.At(frontier.Time(col.Write))),
			"failed to register collection", "collection", id)
		sources = append(sources, id)
	}

	var fabric = newLoopbackFabric(store, sources, Config.Oxbow.Replicas)
	var coord = coordinator.NewCoordinator(store, fabric, time.Now)

	var svc *coordinator.Service
	svc, err = coordinator.NewService(coord, coordinator.ServiceConfig{
		LivenessTimeout: Config.Oxbow.LivenessTimeout,
		SweepInterval:   Config.Oxbow.SweepInterval,
	})
	mbp.Must(err, "failed to build coordinator service")
	fabric.svc = svc

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(groupCtx) })
	group.Go(func() error { return fabric.Run(groupCtx, Config.Oxbow.TickInterval) })
	group.Go(func() error { return serveStatusAPI(groupCtx, svc) })

	// The loopback fabric's replicas join every declared cluster.
	for _, cluster := range clustersOf(set) {
		for _, replica := range fabric.replicas {
			svc.ReplicaAdded(cluster, replica)
		}
	}

	var specs []pc.ViewSpec
	specs, err = set.specs(frontier.FromWall(time.Now()))
	mbp.Must(err, "invalid view set", "path", Config.Oxbow.ViewSet)

	for _, spec := range specs {
		mbp.Must(svc.CreateView(spec), "failed to create view", "view", spec.ID)
	}

	err = group.Wait()
	log.Info("goodbye")
	return err
}

// clustersOf returns the distinct clusters declared by the view set's views.
func clustersOf(set viewSet) []pc.ClusterID {
	var seen = make(map[pc.ClusterID]struct{})
	var out []pc.ClusterID

	for _, v := range set.Views {
		var id = pc.ClusterID(v.Cluster)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// serveStatusAPI serves the JSON view introspection API until |ctx| is
// cancelled: GET /views lists all view statuses, GET /views/{id} one.
func serveStatusAPI(ctx context.Context, svc *coordinator.Service) error {
	var mux = http.NewServeMux()

	mux.HandleFunc("/views", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(svc.StatusAll())
	})
	mux.HandleFunc("/views/", func(w http.ResponseWriter, r *http.Request) {
		var id = pc.CollectionID(strings.TrimPrefix(r.URL.Path, "/views/"))

		var status, err = svc.Status(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	var srv = &http.Server{Addr: Config.Oxbow.Port, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.AddCommand("serve", "Serve as oxbowd daemon", `
serve an oxbowd daemon with the provided configuration, until signaled to
exit (via SIGTERM). The daemon registers the collections and materialized
views declared in the view set, schedules their refreshes, and simulates
their cluster replicas with an in-process loopback fabric.
`, &serveOxbow{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
