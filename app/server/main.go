package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocsp-observatory/ocspdash/api"
	"github.com/ocsp-observatory/ocspdash/app"
	"github.com/ocsp-observatory/ocspdash/censys"
	"github.com/ocsp-observatory/ocspdash/classify"
	"github.com/ocsp-observatory/ocspdash/config"
	"github.com/ocsp-observatory/ocspdash/discovery"
	"github.com/ocsp-observatory/ocspdash/dispatch"
	"github.com/ocsp-observatory/ocspdash/generic"
	"github.com/ocsp-observatory/ocspdash/probe"
	"github.com/ocsp-observatory/ocspdash/store"
	"github.com/ocsp-observatory/ocspdash/store/models"
	"github.com/ocsp-observatory/ocspdash/vantage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

const defaultIssuerCacheSize = 1000

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	flag.Parse()

	conf, err := config.ReadConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}

	tags := map[string]string{"app": "ocspdash"}
	el := app.NewErrLogChain(app.NewZeroLogger(tags, zerolog.DebugLevel))
	if conf.Sentry.Enabled {
		hub, err := app.NewSentryHub(conf.Sentry)
		if err != nil {
			log.Fatal().Msgf("error while creating sentry hub: %s", err)
		}
		el.Add(hub.GetLogger(tags))
	}

	s, err := store.NewStore(conf.Store, store.DefaultOpts)
	if err != nil {
		log.Fatal().Msgf("error while creating store: %s", err)
	}
	defer s.Close()

	intel := censys.NewClient(conf.Censys)

	issuerCacheSize := conf.Discovery.IssuerCacheSize
	if issuerCacheSize <= 0 {
		issuerCacheSize = defaultIssuerCacheSize
	}
	engine, err := discovery.NewEngine(intel, issuerCacheSize)
	if err != nil {
		log.Fatal().Msgf("error while creating discovery engine: %s", err)
	}

	ttl, _ := conf.Discovery.TTL()
	manager, err := discovery.NewManager(engine, discovery.ManagerOpts{
		TTL:       ttl,
		CacheSize: conf.Discovery.CacheSize,
	})
	if err != nil {
		log.Fatal().Msgf("error while creating discovery manager: %s", err)
	}

	registry := vantage.NewRegistry(conf.Vantage)
	registry.Add(vantage.Local("local"))

	locIDs := map[string]uint{}
	for _, loc := range registry.All() {
		var host, keyID string
		var pub []byte
		for _, vc := range conf.Vantage {
			if vc.Name != loc.Name {
				continue
			}
			host = vc.Host
			if vc.Pubkey == "" {
				continue
			}
			raw, err := ioutil.ReadFile(vc.Pubkey)
			if err != nil {
				log.Fatal().Msgf("error while reading public key of '%s': %s", loc.Name, err)
			}
			pub, err = api.PublicKeyFromPEM(raw)
			if err != nil {
				log.Fatal().Msgf("error while parsing public key of '%s': %s", loc.Name, err)
			}
			keyID = api.KeyID(pub)
		}
		l, err := s.EnsureLocation(loc.Name, host, keyID, pub)
		if err != nil {
			log.Fatal().Msgf("error while registering location '%s': %s", loc.Name, err)
		}
		locIDs[loc.Name] = l.ID
	}

	timeout, _ := conf.Probe.ProbeTimeout()
	grace, _ := conf.Probe.Grace()
	classifyOpts := classify.Opts{NextUpdateGrace: grace}
	prober := &probe.Prober{Timeout: timeout}

	go func() {
		addr := fmt.Sprintf("%s:%d", conf.Api.Host, conf.Api.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatal().Msgf("error while listening on %s: %s", addr, err)
		}
		serv := api.Server{
			Conf:         conf.Api,
			Store:        s,
			Log:          el,
			ClassifyOpts: classifyOpts,
		}
		if err := serv.Run(lis); err != nil {
			log.Fatal().Msgf("error while running API server: %s", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msgf("shutting down, letting the running cycle drain")
		cancel()
	}()

	cycle := func(t time.Time) error {
		cardinality := map[string]int{}
		buckets, err := intel.ReportAuthorities(ctx, len(conf.Authorities))
		if err != nil {
			log.Warn().Msgf("could not refresh authority cardinality: %s", err)
		}
		for _, b := range buckets {
			cardinality[b.Key] = b.Count
		}

		var jobs []dispatch.Job
		for _, a := range conf.Authorities {
			entry, err := manager.GetOrRefresh(ctx, a.KeyID)
			if err != nil {
				el.Log(err, app.LogOptions{
					Msg:  "discovery failed",
					Tags: map[string]string{"authority": a.Name},
				})
				continue
			}
			if entry.Degraded {
				log.Warn().Msgf("serving stale responder set for %s", a.Name)
			}

			auth, err := s.EnsureAuthority(a.Name, a.KeyID, cardinality[a.Name])
			if err != nil {
				return err
			}

			responderCard := map[string]int{}
			if urls, err := intel.ReportOCSPURLs(ctx, a.Name); err == nil {
				for _, b := range urls {
					responderCard[b.Key] = b.Count
				}
			}

			pairs, err := s.SyncDiscovery(auth, entry.Pairs, responderCard)
			if err != nil {
				return err
			}

			for _, rc := range pairs {
				for _, loc := range registry.All() {
					jobs = append(jobs, dispatch.Job{
						Location:   loc,
						LocationID: locIDs[loc.Name],
						Target: probe.Target{
							ResponderID: rc.Responder.ID,
							ChainID:     rc.Chain.ID,
							Url:         rc.Responder.Url,
							Subject:     rc.Chain.Subject,
							Issuer:      rc.Chain.Issuer,
						},
					})
				}
			}
		}

		log.Info().Msgf("dispatching %d probes", len(jobs))

		p := mpb.New()
		bar := p.AddBar(int64(len(jobs)),
			mpb.PrependDecorators(
				decor.Name("probing"),
				decor.CountersNoUnit(" %d / %d"),
			),
		)

		d := dispatch.New(prober, s, el, dispatch.Opts{
			GlobalCeiling: conf.Probe.GlobalCeiling,
			PerLocation:   conf.Probe.PerLocation,
			ProbeTimeout:  timeout,
			ClassifyOpts:  classifyOpts,
			AppendRetries: conf.Probe.AppendRetries,
			OnResult: func(res *models.Result) {
				bar.Increment()
			},
		})
		d.Run(ctx, jobs)
		p.Wait()

		return nil
	}

	interval, _ := conf.Probe.CycleInterval()
	if err := generic.Repeat(ctx, cycle, time.Now(), interval, -1); err != nil && err != context.Canceled {
		log.Fatal().Msgf("error while running dispatch cycles: %s", err)
	}
}
