// Command sigzone-server is the online DNSSEC signing daemon: it loads
// a zone's initial content, keeps it continuously re-signed through
// internal/pipeline, answers AXFR/IXFR/NOTIFY over internal/xfr, and
// exposes a control API via internal/api.
//
// Grounded on the teacher's tdnsd/main.go mainloop (signal dispatch via
// a goroutine select over SIGINT/SIGTERM/SIGHUP channels) and
// tdnsd/ParseConfig/ParseZones (config load, then per-zone wiring).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/sigzone/sigzone/internal/api"
	"github.com/sigzone/sigzone/internal/config"
	"github.com/sigzone/sigzone/internal/crypto11"
	"github.com/sigzone/sigzone/internal/pipeline"
	"github.com/sigzone/sigzone/internal/sign"
	"github.com/sigzone/sigzone/internal/sigzonelog"
	"github.com/sigzone/sigzone/internal/store"
	"github.com/sigzone/sigzone/internal/xfr"
	"github.com/sigzone/sigzone/internal/zonefile"
)

var appVersion = "dev"

const cycleInterval = 30 * time.Second

type zoneRuntime struct {
	name   string
	zc     config.ZoneConf
	store  *store.Store
	driver *pipeline.Driver
	module *crypto11.SoftModule

	journalPath string
	journalMu   sync.Mutex
	journalFile *os.File
	cycles      int
}

func main() {
	cfgFile := "/etc/sigzone/sigzone-server.yaml"
	if len(os.Args) > 1 {
		cfgFile = os.Args[1]
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatalf("sigzone-server: %v", err)
	}
	if err := sigzonelog.Setup(cfg.Log.File); err != nil {
		log.Fatalf("sigzone-server: %v", err)
	}

	log.Printf("sigzone-server %s starting, config %s", appVersion, cfgFile)

	reg := api.NewRegistry()
	xreg := xfr.NewRegistry()

	var runtimes []*zoneRuntime
	for name, zc := range cfg.Zones {
		zc.Name = dns.Fqdn(name)
		rt, err := setupZone(zc, cfg.Policies)
		if err != nil {
			log.Fatalf("sigzone-server: zone %s: %v", name, err)
		}
		runtimes = append(runtimes, rt)

		reg.Register(zc.Name, &api.Zone{Store: rt.store, Pipeline: rt.driver, Apex: zc.Name})
		xreg.Register(zc.Name, &xfr.Zone{
			Store:         rt.store,
			Apex:          zc.Name,
			AllowTransfer: zc.AllowTransfer,
			Notify:        zc.Notify,
		})
		log.Printf("sigzone-server: zone %s loaded (type=%s, policy=%s)", zc.Name, zc.Type, zc.Policy)
	}

	apiSrv, err := api.NewServer(reg, cfg.Apiserver.ApiKey)
	if err != nil {
		log.Fatalf("sigzone-server: api.NewServer: %v", err)
	}
	for _, addr := range cfg.Apiserver.Addresses {
		go func(addr string) {
			log.Printf("sigzone-server: control API listening on %s", addr)
			if err := http.ListenAndServe(addr, apiSrv); err != nil {
				log.Printf("sigzone-server: control API on %s: %v", addr, err)
			}
		}(addr)
	}

	var xfrServers []*xfr.Server
	for _, addr := range cfg.DnsEngine.Addresses {
		s := xfr.NewServer(addr, xreg)
		xfrServers = append(xfrServers, s)
		go func(addr string, s *xfr.Server) {
			log.Printf("sigzone-server: serving on %s (do53)", addr)
			if err := s.ListenAndServe(); err != nil {
				log.Printf("sigzone-server: do53 on %s: %v", addr, err)
			}
		}(addr, s)
	}

	var doqServers []*xfr.DoQServer
	if len(cfg.DnsEngine.DoQAddresses) > 0 && cfg.DnsEngine.DoQCertFile != "" {
		// DoQ reuses the same registry-driven query handling as do53/TCP;
		// a handler-only Server (never listening on a socket) gives us
		// that dispatch logic without duplicating it per transport.
		dispatch := xfr.NewServer("", xreg)
		for _, addr := range cfg.DnsEngine.DoQAddresses {
			s, err := xfr.NewDoQServer(addr, cfg.DnsEngine.DoQCertFile, cfg.DnsEngine.DoQKeyFile, dispatch.Handle, cfg.Service.Debug)
			if err != nil {
				log.Printf("sigzone-server: DoQ on %s: %v", addr, err)
				continue
			}
			doqServers = append(doqServers, s)
			go func(addr string, s *xfr.DoQServer) {
				if err := s.ListenAndServe(); err != nil {
					log.Printf("sigzone-server: DoQ on %s: %v", addr, err)
				}
			}(addr, s)
		}
	}

	stop := make(chan struct{})
	go signingLoop(runtimes, stop)

	mainloop(runtimes, xfrServers, doqServers, stop)
}

func setupZone(zc config.ZoneConf, policies map[string]config.PolicyConf) (*zoneRuntime, error) {
	pc, ok := policies[zc.Policy]
	if !ok {
		return nil, fmt.Errorf("undefined policy %q", zc.Policy)
	}

	dbFile := zc.DbFile
	if dbFile == "" {
		dbFile = filepath.Join(os.TempDir(), zc.Name+"keys.db")
	}
	mod, err := crypto11.Open(dbFile)
	if err != nil {
		return nil, fmt.Errorf("crypto11.Open: %w", err)
	}

	alg, err := config.Algorithm(pc)
	if err != nil {
		return nil, err
	}

	keys, err := ensureKeys(mod, zc.Name, alg)
	if err != nil {
		return nil, err
	}
	if err := writeKeysetFile(mod, zc.Name, dbFile+".keys.yaml"); err != nil {
		log.Printf("sigzone-server: zone %s: keyset export: %v", zc.Name, err)
	}

	signCfg, err := config.SignConfig(pc, keys)
	if err != nil {
		return nil, err
	}
	denialCfg := config.DenialConfig(pc)

	journalPath := zc.DbFile
	if journalPath == "" {
		journalPath = filepath.Join(os.TempDir(), zc.Name+"journal")
	} else {
		journalPath += ".journal"
	}
	s, err := store.OpenOrCreate(journalPath, zc.Name)
	if err != nil {
		return nil, fmt.Errorf("store.OpenOrCreate: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	if fi, err := jf.Stat(); err == nil && fi.Size() == 0 {
		if _, err := jf.Write(store.JournalMagic[:]); err != nil {
			jf.Close()
			return nil, fmt.Errorf("write journal magic: %w", err)
		}
	}

	rt := &zoneRuntime{name: zc.Name, zc: zc, store: s, module: mod, journalPath: journalPath, journalFile: jf}

	// Every successful commit, from any view, appends its changed
	// records as further journal tuples -- durable up to the next
	// compaction (see compactJournal) without a full rewrite per cycle.
	s.SetPersistHook(func(cs *store.ChangeSet) {
		rt.journalMu.Lock()
		defer rt.journalMu.Unlock()
		if err := store.AppendJournal(rt.journalFile, cs); err != nil {
			log.Printf("sigzone-server: zone %s: journal append: %v", zc.Name, err)
			return
		}
		_ = rt.journalFile.Sync()
	})

	if zc.Zonefile != "" {
		iv := s.View(store.ViewInput)
		iv.Reset()
		if _, err := zonefile.LoadFile(zc.Zonefile, zc.Name, iv); err != nil {
			return nil, fmt.Errorf("zonefile.LoadFile: %w", err)
		}
		if err := iv.Commit(); err != nil {
			return nil, fmt.Errorf("initial zonefile commit: %w", err)
		}
	}

	pcfg, err := config.PipelineConfig(zc, denialCfg)
	if err != nil {
		return nil, err
	}
	pcfg.Module = mod
	pcfg.SignConfig = signCfg

	driver := pipeline.New(s, pcfg, 48) // store-internal purge every 48 cycles (~24min at cycleInterval=30s)
	rt.driver = driver

	return rt, nil
}

// compactJournal replaces the incrementally-appended journal file with a
// fresh full snapshot (store.WriteJournalFile's atomic temp-then-rename),
// then reopens it for further appends -- the rename swaps the underlying
// inode out from under any already-open append handle, so the handle
// held by rt must be replaced too. Called periodically so the journal
// doesn't grow without bound, and once more on clean shutdown.
func compactJournal(rt *zoneRuntime) error {
	rt.journalMu.Lock()
	defer rt.journalMu.Unlock()

	if err := store.WriteJournalFile(rt.journalPath, rt.store); err != nil {
		return err
	}
	if err := rt.journalFile.Close(); err != nil {
		return err
	}
	jf, err := os.OpenFile(rt.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	rt.journalFile = jf
	return nil
}

// writeKeysetFile dumps zone's current public keyset next to its sqlite
// key store, a convenience snapshot an operator can hand to a parent
// zone or inspect without opening the database directly. Overwritten on
// every restart, not kept as a history.
func writeKeysetFile(mod *crypto11.SoftModule, zone, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return crypto11.ExportPublicKeys(f, mod, zone)
}

// ensureKeys makes sure zone has at least one active KSK and ZSK,
// generating and promoting fresh ones on first run -- the teacher's
// KeyDB.PromoteDnssecKey lifecycle (created -> published -> active),
// collapsed here into an immediate promotion since this daemon has no
// separate "wait for TTL to flush caches" rollover stage yet.
func ensureKeys(mod *crypto11.SoftModule, zone string, alg uint8) ([]sign.Key, error) {
	existing, err := mod.EnumerateKeys(zone)
	if err != nil {
		return nil, err
	}

	haveKSK, haveZSK := false, false
	for _, kh := range existing {
		if kh.State != crypto11.StateActive {
			continue
		}
		if kh.Role == sign.RoleKSK {
			haveKSK = true
		} else {
			haveZSK = true
		}
	}

	if !haveKSK {
		kh, err := mod.GenerateKeypair(zone, alg, sign.RoleKSK)
		if err != nil {
			return nil, fmt.Errorf("generate KSK: %w", err)
		}
		if err := mod.SetState(kh.Locator, crypto11.StateActive); err != nil {
			return nil, err
		}
	}
	if !haveZSK {
		kh, err := mod.GenerateKeypair(zone, alg, sign.RoleZSK)
		if err != nil {
			return nil, fmt.Errorf("generate ZSK: %w", err)
		}
		if err := mod.SetState(kh.Locator, crypto11.StateActive); err != nil {
			return nil, err
		}
	}

	existing, err = mod.EnumerateKeys(zone)
	if err != nil {
		return nil, err
	}
	var keys []sign.Key
	for _, kh := range existing {
		if kh.State != crypto11.StateActive {
			continue
		}
		keys = append(keys, kh.SignKey())
	}
	return keys, nil
}

// journalCompactEvery mirrors the pipeline's own purge cadence: the
// journal is only as useful as the store it mirrors, so there is no
// point rewriting it more often than the store itself gets pruned.
const journalCompactEvery = 48

// signingLoop drives every zone's pipeline on a fixed tick, logging and
// continuing past a single zone's cycle error rather than taking the
// whole daemon down -- a transient key-store hiccup in one zone
// shouldn't stop the others from re-signing.
func signingLoop(runtimes []*zoneRuntime, stop chan struct{}) {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, rt := range runtimes {
				stats, err := rt.driver.RunCycle(context.Background(), now)
				if err != nil {
					log.Printf("sigzone-server: zone %s: cycle error: %v", rt.name, err)
					continue
				}
				if stats.Sign.Produced > 0 || stats.DenialTouched > 0 || stats.Purged > 0 {
					log.Printf("sigzone-server: zone %s: serial=%d signed=%d recycled=%d denial=%d purged=%d",
						rt.name, stats.Serial, stats.Sign.Produced, stats.Sign.Recycled, stats.DenialTouched, stats.Purged)
				}

				rt.cycles++
				if rt.cycles%journalCompactEvery == 0 {
					if err := compactJournal(rt); err != nil {
						log.Printf("sigzone-server: zone %s: journal compaction: %v", rt.name, err)
					}
				}
			}
		}
	}
}

func mainloop(runtimes []*zoneRuntime, xfrServers []*xfr.Server, doqServers []*xfr.DoQServer, stop chan struct{}) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-exit:
				log.Println("sigzone-server: exit signal received, shutting down")
				close(stop)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				for _, s := range xfrServers {
					_ = s.Shutdown(ctx)
				}
				for _, s := range doqServers {
					_ = s.Shutdown()
				}
				for _, rt := range runtimes {
					if err := compactJournal(rt); err != nil {
						log.Printf("sigzone-server: zone %s: final journal compaction: %v", rt.name, err)
					}
					rt.journalMu.Lock()
					_ = rt.journalFile.Close()
					rt.journalMu.Unlock()
					_ = rt.module.Close()
				}
				return
			case <-hup:
				log.Println("sigzone-server: SIGHUP received, forcing an immediate resign of every zone")
				now := time.Now()
				for _, rt := range runtimes {
					if _, err := rt.driver.RunCycle(context.Background(), now); err != nil {
						log.Printf("sigzone-server: zone %s: forced cycle error: %v", rt.name, err)
					}
				}
			}
		}
	}()
	wg.Wait()
	log.Println("sigzone-server: leaving mainloop")
}
