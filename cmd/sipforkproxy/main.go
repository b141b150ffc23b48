package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"github.com/emiago/sipgo"

	"github.com/emiago/sipgo/proxy"
)

func main() {
	ip := flag.String("ip", "127.0.0.1:5060", "external ip:port this node is reachable on")
	transportType := flag.String("t", "udp", "transport to listen on")
	homeDomain := flag.String("home-domain", "", "domain this node owns; requests outside it are proxied as-is")
	delayTrying := flag.Bool("delay-trying", false, "delay 100 Trying until the trying timer fires instead of sending it immediately")
	metricsAddr := flag.String("metrics-addr", ":8080", "address to serve /metrics and diagnostics on")
	dnsServers := flag.String("dns-servers", "", "comma separated upstream DNS resolvers used for next-hop resolution (host:port); empty uses literal addresses only")
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)

	zerologLogger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger()
	log := slog.New(slogzerolog.Option{Level: lvl, Logger: &zerologLogger}.NewZerologHandler())
	slog.SetDefault(log)

	log.Info("starting sipforkproxy", "cpus", runtime.NumCPU(), "ip", *ip, "home-domain", *homeDomain)

	go diagnosticsServer(*metricsAddr)

	srv, client, module := setupProxy(zerologLogger, *ip, *homeDomain, *delayTrying, splitServers(*dnsServers))
	if srv == nil {
		os.Exit(1)
	}
	_ = client

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	module.RegisterHandlers()

	if err := srv.ListenAndServe(ctx, *transportType, *ip); err != nil {
		log.Error("sip server stopped", "error", err)
		os.Exit(1)
	}
}

func splitServers(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func diagnosticsServer(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Alive"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	statsviz.Register(mux)

	slog.Info("diagnostics server started", "address", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		slog.Error("diagnostics server stopped", "error", err)
	}
}

func setupProxy(log zerolog.Logger, ip, homeDomain string, delayTrying bool, dnsServers []string) (*sipgo.Server, *sipgo.Client, *proxy.ProxyModule) {
	ua, err := sipgo.NewUA()
	if err != nil {
		log.Error().Err(err).Msg("failed to set up user agent")
		return nil, nil, nil
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		log.Error().Err(err).Msg("failed to set up server handle")
		return nil, nil, nil
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientAddr(ip))
	if err != nil {
		log.Error().Err(err).Msg("failed to set up client handle")
		return nil, nil, nil
	}

	resolver := proxy.NewDNSResolver(dnsServers)
	metrics := proxy.NewMetrics(prometheus.DefaultRegisterer)
	hooks := &proxy.DefaultHooks{HomeDomain: homeDomain}

	module := proxy.NewProxyModule(srv, client, resolver, hooks, metrics, log)
	module.HomeDomain = homeDomain
	module.DelayTrying = delayTrying

	return srv, client, module
}
