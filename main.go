// saturn-copier is a standalone desktop-companion agent process: it watches
// a master MT5 terminal's trade event queue, fans out each event to every
// configured receiver terminal under the Safety Ledger's gate, reconciles
// open positions on an interval, and exposes a loopback-only control API
// plus a live status websocket for the host desktop shell. Grounded on the
// teacher's main.go wiring order (load config, open stores, construct
// services, start background loops, block on signal, shut down).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"saturn-copier/internal/agentio"
	"saturn-copier/internal/audit"
	"saturn-copier/internal/cmdemit"
	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/controlapi"
	"saturn-copier/internal/discovery"
	"saturn-copier/internal/events"
	"saturn-copier/internal/fanout"
	"saturn-copier/internal/idempotency"
	"saturn-copier/internal/ingest"
	"saturn-copier/internal/queue"
	"saturn-copier/internal/reconcile"
	"saturn-copier/internal/rpc"
	"saturn-copier/internal/runtime"
	"saturn-copier/internal/safety"
	"saturn-copier/internal/submit"
	"saturn-copier/internal/symbolmap"
	"saturn-copier/internal/tradeevent"
	"saturn-copier/internal/wshub"
	"saturn-copier/pkg/config"
	"saturn-copier/pkg/db"
	"saturn-copier/pkg/instanceid"
)

const accountCacheMaxAge = 10 * time.Second

// receiverDirs resolves per-receiver filesystem paths from the discovered
// terminal data folders (manual override) or the env-configured commands
// directory format, falling back between the two the way the teacher's
// config layer separates policy (YAML) from environment.
type receiverDirs struct {
	terminalPaths map[string]string // terminal_id -> MT5 data folder
	commandsFmt   string
}

func (d receiverDirs) dataFolder(r configmodel.ReceiverConfig) (string, bool) {
	p, ok := d.terminalPaths[r.TerminalID]
	return p, ok
}

func (d receiverDirs) commandsDir(r configmodel.ReceiverConfig) string {
	if folder, ok := d.dataFolder(r); ok {
		return filepath.Join(folder, "MQL5", "Files", "CopierCommands")
	}
	return fmt.Sprintf(d.commandsFmt, r.ReceiverID)
}

func (d receiverDirs) accountInfoPath(r configmodel.ReceiverConfig) (string, bool) {
	folder, ok := d.dataFolder(r)
	if !ok {
		return "", false
	}
	return filepath.Join(folder, "MQL5", "Files", "CopierAccountInfo.json"), true
}

func (d receiverDirs) positionsPath(r configmodel.ReceiverConfig) (string, bool) {
	folder, ok := d.dataFolder(r)
	if !ok {
		return "", false
	}
	return filepath.Join(folder, "MQL5", "Files", "copier-positions.json"), true
}

// rpcClients lazily builds and caches one rpc.Client per receiver command
// directory, implementing submit.Clients.
type rpcClients struct {
	dirs    receiverDirs
	rt      *runtime.Runtime
	clients map[string]*rpc.Client
}

func newRPCClients(dirs receiverDirs, rt *runtime.Runtime) *rpcClients {
	return &rpcClients{dirs: dirs, rt: rt, clients: make(map[string]*rpc.Client)}
}

func (c *rpcClients) Client(receiverID string) (*rpc.Client, bool) {
	if cl, ok := c.clients[receiverID]; ok {
		return cl, true
	}
	r, ok := c.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return nil, false
	}
	cl := rpc.New(c.dirs.commandsDir(r))
	c.clients[receiverID] = cl
	return cl, true
}

func (c *rpcClients) TerminalID(receiverID string) string {
	r, ok := c.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return ""
	}
	return r.TerminalID
}

// accountProvider reads a receiver's CopierAccountInfo.json on demand,
// caching readings in the runtime for accountCacheMaxAge so a burst of
// fan-out events for the same receiver does not re-read the filesystem
// for each one.
type accountProvider struct {
	dirs receiverDirs
	rt   *runtime.Runtime
}

func (a accountProvider) AccountInfo(receiverID string) (balance, equity float64, ok bool) {
	if snap, ok := a.rt.CachedAccount(receiverID, accountCacheMaxAge); ok {
		return snap.Balance, snap.Equity, true
	}
	r, ok := a.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return 0, 0, false
	}
	path, ok := a.dirs.accountInfoPath(r)
	if !ok {
		return 0, 0, false
	}
	info, ok := agentio.ReadAccountInfo(path)
	if !ok {
		return 0, 0, false
	}
	a.rt.SetCachedAccount(receiverID, runtime.AccountSnapshot{Balance: info.Balance, Equity: info.Equity})
	return info.Balance, info.Equity, true
}

// symbolCatalog seeds the Symbol Mapper's candidate list from each
// receiver's configured symbol_mappings, since the agent has no separate
// broker symbol-list feed: the mapped set the operator configured IS the
// candidate set.
type symbolCatalog struct {
	rt *runtime.Runtime
}

func (s symbolCatalog) Candidates(receiverID string) []symbolmap.Candidate {
	r, ok := s.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return nil
	}
	out := make([]symbolmap.Candidate, 0, len(r.SymbolMappings))
	for _, m := range r.SymbolMappings {
		if m.Enabled {
			out = append(out, symbolmap.Candidate{
				Symbol:  m.ReceiverSymbol,
				Type:    m.SymbolType,
				MinLot:  m.MinLot,
				MaxLot:  m.MaxLot,
				LotStep: m.LotStep,
			})
		}
	}
	return out
}

func (s symbolCatalog) MasterSpecs(masterSymbol string) symbolmap.Specs {
	return symbolmap.Specs{}
}

// reconcileSource adapts the configured receivers and their discovered
// terminal paths to reconcile.ReceiverSource.
type reconcileSource struct {
	rt         *runtime.Runtime
	dirs       receiverDirs
	masterPath string
}

func (s reconcileSource) ReceiverIDs() []string {
	receivers := s.rt.Config().Receivers
	ids := make([]string, 0, len(receivers))
	for _, r := range receivers {
		ids = append(ids, r.ReceiverID)
	}
	return ids
}

func (s reconcileSource) MasterPositions() ([]reconcile.Position, error) {
	return agentio.ReadMasterPositions(s.masterPath)
}

func (s reconcileSource) ReceiverPositions(receiverID string) ([]reconcile.Position, error) {
	r, ok := s.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return nil, nil
	}
	path, ok := s.dirs.positionsPath(r)
	if !ok {
		return nil, nil
	}
	return agentio.ReadReceiverPositions(path)
}

func (s reconcileSource) Emitter(receiverID string) *cmdemit.Emitter {
	r, ok := s.rt.Config().ReceiverByID(receiverID)
	if !ok {
		return nil
	}
	return cmdemit.New(s.dirs.commandsDir(r))
}

// Flags returns spec.md's stated defaults uniformly: the policy document
// carries no per-receiver reconciliation-action override fields, so every
// receiver reconciles under the same action flags until such a field is
// added.
func (s reconcileSource) Flags(receiverID string) reconcile.ActionFlags {
	return reconcile.DefaultActionFlags()
}

// fanoutProcessor adapts fanout.Engine to ingest.Processor, mirroring every
// per-receiver result into the consolidated runtime state.
type fanoutProcessor struct {
	engine *fanout.Engine
	rt     *runtime.Runtime
}

func (p fanoutProcessor) Process(ctx context.Context, ev tradeevent.Event, cfg configmodel.CopierConfig) error {
	for _, r := range p.engine.Process(ctx, ev, cfg) {
		p.rt.RecordExecution(r)
	}
	p.rt.TouchSync()
	return nil
}

// configReloader adapts configmodel.Load to controlapi.ConfigReloader.
type configReloader struct {
	path string
}

func (c configReloader) Reload() (configmodel.CopierConfig, error) {
	return configmodel.Load(c.path)
}

// parseManualPaths parses "terminal_id=path" entries from
// MANUAL_TERMINAL_PATHS; malformed entries are logged and skipped rather
// than failing startup.
func parseManualPaths(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			log.Printf("config: ignoring malformed MANUAL_TERMINAL_PATHS entry %q (want terminal_id=path)", e)
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("config: create data dir: %v", err)
	}

	instanceID, err := instanceid.Get()
	if err != nil {
		log.Printf("instanceid: falling back to unknown (%v)", err)
		instanceID = "unknown"
	}
	log.Printf("saturn-copier starting, instance=%s", instanceID)

	rt := runtime.New()
	if policy, err := configmodel.Load(cfg.PolicyPath); err != nil {
		log.Printf("config: no policy document loaded yet (%v); waiting for /config/reload", err)
	} else {
		rt.SetConfig(policy)
	}

	idempo := idempotency.New(filepath.Join(cfg.DataDir, "processed_events.txt"), idempotency.DefaultCapacity)
	if err := idempo.Load(); err != nil {
		log.Fatalf("idempotency: load: %v", err)
	}

	ledger := safety.NewLedger(filepath.Join(cfg.DataDir, "safety_state.json"), cfg.DailyResetHourUTC)
	if err := ledger.Load(); err != nil {
		log.Fatalf("safety: load: %v", err)
	}

	execQueue := queue.New(filepath.Join(cfg.DataDir, "execution_queue.json"), filepath.Join(cfg.DataDir, "execution_history.json"))
	if err := execQueue.Load(); err != nil {
		log.Fatalf("queue: load: %v", err)
	}

	bus := events.NewBus()

	var auditStore *audit.Store
	database, err := db.New(cfg.AuditDBPath)
	if err != nil {
		log.Printf("audit: failed to open database, continuing without a supplemental store: %v", err)
	} else if err := db.ApplyMigrations(database); err != nil {
		log.Printf("audit: failed to migrate database, continuing without a supplemental store: %v", err)
	} else {
		auditStore = audit.NewBatched(database, 20, 500*time.Millisecond)
		defer auditStore.Close()
		defer database.Close()
	}

	manualPaths := parseManualPaths(cfg.ManualTerminalPaths)
	disco := discovery.NewManual(manualPaths, nil)

	dirs := receiverDirs{terminalPaths: manualPaths, commandsFmt: cfg.CommandsDirFmt}
	clients := newRPCClients(dirs, rt)
	router := submit.New(execQueue, clients)

	engine := &fanout.Engine{
		Ledger:   ledger,
		Accounts: accountProvider{dirs: dirs, rt: rt},
		Symbols:  symbolCatalog{rt: rt},
		Submit:   router,
		Publish:  bus.Publish,
		Audit:    auditStore,
	}

	watcher := &ingest.Watcher{
		Dir:    cfg.MasterQueueDir,
		Idempo: idempo,
		Config: func() (configmodel.CopierConfig, bool) {
			c := rt.Config()
			return c, c.ConfigHash != ""
		},
		Processor: fanoutProcessor{engine: engine, rt: rt},
	}

	masterOpenPositionsPath := filepath.Join(filepath.Dir(cfg.MasterQueueDir), "open_positions.json")
	reconLoop := &reconcile.Loop{
		Source:   reconcileSource{rt: rt, dirs: dirs, masterPath: masterOpenPositionsPath},
		Interval: time.Duration(cfg.ReconciliationInterval) * time.Second,
		Audit:    auditStore,
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			log.Fatalf("controlapi: failed to mint secret: %v", err)
		}
		jwtSecret = secret
	}

	var wiredReconLoop *reconcile.Loop
	if cfg.ReconciliationEnabled {
		wiredReconLoop = reconLoop
	}

	server := controlapi.New(rt, ledger, wiredReconLoop, configReloader{path: cfg.PolicyPath}, auditStore, jwtSecret)
	server = server.WithHub(wshub.New(bus))

	token, err := controlapi.MintToken(jwtSecret, 24*time.Hour)
	if err != nil {
		log.Fatalf("controlapi: mint token: %v", err)
	}
	tokenPath := filepath.Join(cfg.DataDir, "control_token.txt")
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		log.Printf("controlapi: failed to write token file %s: %v", tokenPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.SetRunning(true)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Printf("ingest: watcher exited: %v", err)
		}
	}()

	router.RunWorkers(ctx, 4, time.Second)

	if cfg.ReconciliationEnabled {
		go reconLoop.Run(ctx)
	}

	if cfg.ControlAPIEnabled {
		go func() {
			if err := server.Start(ctx, cfg.ControlAPIPort); err != nil {
				log.Printf("controlapi: server exited: %v", err)
			}
		}()
		log.Printf("control api listening on %s", cfg.ControlAPIPort)
	}

	if _, err := disco.Discover(ctx); err != nil {
		log.Printf("discovery: initial scan error: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	watcher.Stop()
	rt.SetRunning(false)
	cancel()
}
