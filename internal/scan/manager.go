package scan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localscope/internal/history"
	"localscope/internal/logging"
	"localscope/internal/model"
)

// Options wires the pipeline stages. Nil fields get the system defaults.
type Options struct {
	Resolver  Resolver
	Sweeper   Sweeper
	Neighbors NeighborSource
	Prober    Prober
	Namer     Namer // optional hostname enrichment
	History   *history.Store
	Now       func() time.Time
}

// Manager runs scans one at a time and owns the working device set. All state
// changes go through its mutex.
type Manager struct {
	// writeMu serializes writes to the working set and history: collaborator
	// edits and the merge that ends a scan. It is taken before emitMu and mu.
	writeMu sync.Mutex

	mu       sync.Mutex
	opts     Options
	progress Progress
	devices  []model.Device

	scanCancel context.CancelFunc
	done       chan struct{}

	// emitMu orders progress updates and their delivery to subscribers.
	emitMu      sync.Mutex
	subscribers map[int]func(Progress)
	nextSubID   int
}

// NewManager creates an idle Manager.
func NewManager(opts Options) *Manager {
	if opts.Resolver == nil {
		opts.Resolver = InterfaceResolver{}
	}
	if opts.Sweeper == nil {
		opts.Sweeper = ICMPSweeper{}
	}
	if opts.Neighbors == nil {
		opts.Neighbors = SystemNeighbors{}
	}
	if opts.Prober == nil {
		opts.Prober = TCPProber{}
	}
	if opts.History == nil {
		opts.History = history.NewStore(nil, history.DefaultLimit)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:        opts,
		progress:    Progress{Stage: StageIdle, Updated: opts.Now().UTC()},
		subscribers: make(map[int]func(Progress)),
	}
}

// Subscribe registers fn for every progress change and returns a function
// that removes it. fn runs synchronously and must not call mutating Manager
// methods.
func (m *Manager) Subscribe(fn func(Progress)) func() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.emitMu.Lock()
		delete(m.subscribers, id)
		m.emitMu.Unlock()
	}
}

// StartScan begins a scan in the background. A scan that is already running
// is not disturbed and ErrScanInProgress is returned.
func (m *Manager) StartScan(ctx context.Context) (Progress, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.progress.Stage.Busy() {
		progress := m.progress
		m.mu.Unlock()
		return progress, ErrScanInProgress
	}

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.scanCancel = cancel
	m.done = done
	now := m.opts.Now().UTC()
	m.progress = Progress{
		Stage:    StageResolving,
		Fraction: fractionResolving,
		Message:  "Resolving local address",
		Started:  now,
		Updated:  now,
	}
	progress := m.progress
	m.mu.Unlock()

	logging.Info("scan started")
	m.deliverLocked(progress)

	go m.run(scanCtx, cancel, done)
	return progress, nil
}

// Cancel stops the running scan. The working set and history are left as
// they were before the scan started.
func (m *Manager) Cancel() (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.progress.Stage.Busy() {
		return m.progress, ErrNoActiveScan
	}
	if m.scanCancel != nil {
		m.scanCancel()
	}
	return m.progress, nil
}

// Wait blocks until the current scan, if any, has finished.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// CurrentProgress returns the latest progress.
func (m *Manager) CurrentProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// CurrentDevices returns a copy of the working set: the devices found by the
// last completed scan plus manually added ones.
func (m *Manager) CurrentDevices() []model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.CloneDevices(m.devices)
}

// Snapshot returns progress and working set together.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Progress: m.progress, Devices: model.CloneDevices(m.devices)}
}

// History returns a copy of the persisted device history.
func (m *Manager) History() []model.Device {
	return m.opts.History.Snapshot()
}

// ToggleFavorite flips service in the favorites of the device with ip, in the
// working set and in history. The updated device is returned together with any
// persistence error.
func (m *Manager) ToggleFavorite(ctx context.Context, ip string, service model.ServiceType) (model.Device, error) {
	if !service.Valid() {
		return model.Device{}, fmt.Errorf("%w: %q", model.ErrUnknownService, service)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	var (
		updated model.Device
		found   bool
	)
	for i := range m.devices {
		if m.devices[i].IP == ip {
			m.devices[i].ToggleFavorite(service)
			updated = m.devices[i].Clone()
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		d, ok := m.opts.History.Find(ip)
		if !ok {
			return model.Device{}, fmt.Errorf("%w: %s", model.ErrDeviceNotFound, ip)
		}
		d.ToggleFavorite(service)
		updated = d
	}

	err := m.opts.History.Upsert(ctx, updated)
	m.notePersistence(err)
	return updated, err
}

// AddManualDevice records a device entered by hand. A missing name is filled
// in by Classify. The device joins the working set and history.
func (m *Manager) AddManualDevice(ctx context.Context, d model.Device) (model.Device, error) {
	d.IP = strings.TrimSpace(d.IP)
	if err := d.Validate(); err != nil {
		return model.Device{}, err
	}
	if d.MAC != "" {
		mac := normaliseMAC(d.MAC)
		if mac == "" {
			return model.Device{}, fmt.Errorf("%w: %q is not a MAC address", model.ErrInvalidDevice, d.MAC)
		}
		d.MAC = mac
	}
	for _, s := range append(append([]model.ServiceType{}, d.AvailableServices...), d.FavoriteServices...) {
		if !s.Valid() {
			return model.Device{}, fmt.Errorf("%w: %q", model.ErrUnknownService, s)
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = Classify(d.MAC, d.IP)
	}
	if d.Vendor == "" {
		d.Vendor = lookupVendor(d.MAC)
	}
	d.AvailableServices = model.SortServices(d.AvailableServices)
	d.FavoriteServices = model.SortServices(d.FavoriteServices)
	d.Manual = true

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if existing, ok := m.opts.History.Find(d.IP); ok {
		d.ID = existing.ID
	}
	d.LastSeen = m.opts.Now().UTC()

	m.mu.Lock()
	replaced := false
	for i, existing := range m.devices {
		if existing.IP != d.IP {
			continue
		}
		d.ID = existing.ID
		if len(d.FavoriteServices) == 0 {
			d.FavoriteServices = model.SortServices(existing.FavoriteServices)
		}
		m.devices[i] = d.Clone()
		replaced = true
		break
	}
	if !replaced {
		m.devices = append(m.devices, d.Clone())
		sortByIP(m.devices)
	}
	m.mu.Unlock()

	logging.Info("manual device added", zap.String("ip", d.IP), zap.String("name", d.Name))
	err := m.opts.History.Upsert(ctx, d)
	m.notePersistence(err)
	return d, err
}

// DeleteFromHistory removes the history record for ip. The working set is unchanged.
func (m *Manager) DeleteFromHistory(ctx context.Context, ip string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := m.opts.History.Delete(ctx, ip)
	if errors.Is(err, model.ErrDeviceNotFound) {
		return err
	}
	m.notePersistence(err)
	return err
}

// ClearHistory removes every history record.
func (m *Manager) ClearHistory(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := m.opts.History.Clear(ctx)
	m.notePersistence(err)
	return err
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	local, err := m.opts.Resolver.Resolve(ctx)
	if ctx.Err() != nil {
		m.cancelled()
		return
	}
	if err != nil {
		m.fail(err)
		return
	}

	subnet := local.Subnet
	m.update(func(p *Progress) {
		p.Stage = StageSweeping
		p.Subnet = subnet.String()
		p.LocalIP = local.IP
		p.Message = "Sweeping " + subnet.String()
	})
	logging.Info("sweeping subnet",
		zap.String("interface", local.Interface),
		zap.String("local_ip", local.IP),
		zap.String("subnet", subnet.String()))

	sweepErr := m.opts.Sweeper.Sweep(ctx, subnet, func(done, total int) {
		m.update(func(p *Progress) {
			p.Fraction = interpolate(fractionResolving, fractionSweepEnd, done, total)
		})
	})
	if ctx.Err() != nil {
		m.cancelled()
		return
	}
	var warnings []string
	if sweepErr != nil {
		logging.Warn("sweep failed", zap.Error(sweepErr))
		warnings = append(warnings, "sweep failed: "+sweepErr.Error())
	}

	m.update(func(p *Progress) {
		p.Stage = StageParsing
		p.Fraction = fractionParsing
		p.Message = "Reading neighbor table"
	})
	candidates, stats, err := m.opts.Neighbors.Neighbors(ctx, subnet, local.IP)
	if err != nil {
		logging.Warn("neighbor table unavailable", zap.Error(err))
		warnings = append(warnings, err.Error())
	}
	logging.Info("neighbor table read", zap.Int("entries", stats.Entries), zap.Int("skipped", stats.Skipped))
	if len(candidates) == 0 && err == nil {
		// Pinging does not guarantee the cache was populated.
		logging.Warn("neighbor table has no entries in subnet", zap.String("subnet", subnet.String()))
	}
	if ctx.Err() != nil {
		m.cancelled()
		return
	}

	described := describeDevices(ctx, candidates, m.opts.Namer)

	m.update(func(p *Progress) {
		p.Stage = StageProbing
		p.Message = fmt.Sprintf("Probing %d devices", len(described))
	})
	probed := m.opts.Prober.ProbeAll(ctx, described, func(done, total int) {
		m.update(func(p *Progress) {
			p.Fraction = interpolate(fractionParsing, fractionProbingEnd, done, total)
		})
	})
	if ctx.Err() != nil {
		m.cancelled()
		return
	}

	// Collaborator writes wait until the merged set is committed.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.update(func(p *Progress) {
		p.Stage = StageMerging
		p.Fraction = fractionMerging
		p.Message = "Saving results"
	})

	final := applyFavorites(probed, m.favoriteSnapshot())
	merged, persistErr := m.opts.History.Merge(ctx, final)
	if persistErr != nil {
		warnings = append(warnings, persistErr.Error())
	}
	carryIDs(final, merged)
	sortByIP(final)
	services := countServices(final)

	m.emitMu.Lock()
	m.mu.Lock()
	m.devices = keepManual(final, m.devices)
	m.progress.Stage = StageIdle
	m.progress.Fraction = fractionDone
	m.progress.Devices = len(final)
	m.progress.Services = services
	m.progress.Message = fmt.Sprintf("Found %d devices with %d services", len(final), services)
	m.progress.Warning = strings.Join(warnings, "; ")
	m.progress.Updated = m.opts.Now().UTC()
	progress := m.progress
	m.mu.Unlock()
	m.deliverLocked(progress)
	m.emitMu.Unlock()

	logging.Info("scan completed", zap.Int("devices", len(final)), zap.Int("services", services))
}

// update applies fn to the progress and notifies subscribers. Fraction never
// decreases within a scan.
func (m *Manager) update(fn func(*Progress)) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	previous := m.progress.Fraction
	fn(&m.progress)
	if m.progress.Fraction < previous {
		m.progress.Fraction = previous
	}
	m.progress.Updated = m.opts.Now().UTC()
	progress := m.progress
	m.mu.Unlock()

	m.deliverLocked(progress)
}

func (m *Manager) deliverLocked(progress Progress) {
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		m.subscribers[id](progress)
	}
}

func (m *Manager) fail(err error) {
	logging.Error("scan failed", zap.Error(err))
	m.update(func(p *Progress) {
		p.Stage = StageFailed
		p.Error = err.Error()
		p.Message = "Scan failed: " + err.Error()
	})
}

func (m *Manager) cancelled() {
	logging.Info("scan cancelled")
	m.update(func(p *Progress) {
		p.Stage = StageIdle
		p.Message = "Scan cancelled"
		p.Error = context.Canceled.Error()
	})
}

func (m *Manager) notePersistence(err error) {
	if err == nil || !errors.Is(err, history.ErrPersistence) {
		return
	}
	m.update(func(p *Progress) {
		p.Warning = err.Error()
	})
}

// favoriteSnapshot collects favorites by IP from history and then the working
// set, so the working set wins. It is called once probing has finished, with
// writeMu held, so it sees every collaborator edit made during the scan.
func (m *Manager) favoriteSnapshot() map[string][]model.ServiceType {
	favorites := make(map[string][]model.ServiceType)
	for _, d := range m.opts.History.Snapshot() {
		if len(d.FavoriteServices) > 0 {
			favorites[d.IP] = d.FavoriteServices
		}
	}
	m.mu.Lock()
	for _, d := range m.devices {
		if len(d.FavoriteServices) > 0 {
			favorites[d.IP] = append([]model.ServiceType(nil), d.FavoriteServices...)
		} else {
			delete(favorites, d.IP)
		}
	}
	m.mu.Unlock()
	return favorites
}

// applyFavorites re-attaches favorites by IP. Favorites are kept even when the
// service was not detected this time.
func applyFavorites(devices []model.Device, favorites map[string][]model.ServiceType) []model.Device {
	out := model.CloneDevices(devices)
	for i := range out {
		if favs, ok := favorites[out[i].IP]; ok {
			out[i].FavoriteServices = model.SortServices(append([]model.ServiceType(nil), favs...))
		}
	}
	return out
}

// keepManual returns found plus the manual devices in current that the scan
// did not find, ordered by IP.
func keepManual(found, current []model.Device) []model.Device {
	seen := make(map[string]struct{}, len(found))
	for _, d := range found {
		seen[d.IP] = struct{}{}
	}
	out := found
	for _, d := range current {
		if _, ok := seen[d.IP]; d.Manual && !ok {
			out = append(out, d.Clone())
		}
	}
	sortByIP(out)
	return out
}

func carryIDs(devices, merged []model.Device) {
	ids := make(map[string]string, len(merged))
	for _, d := range merged {
		ids[d.IP] = d.ID
	}
	for i := range devices {
		if id, ok := ids[devices[i].IP]; ok && id != "" {
			devices[i].ID = id
		}
	}
}

func countServices(devices []model.Device) int {
	total := 0
	for _, d := range devices {
		total += len(d.AvailableServices)
	}
	return total
}

func sortByIP(devices []model.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, errA := netip.ParseAddr(devices[i].IP)
		b, errB := netip.ParseAddr(devices[j].IP)
		if errA != nil || errB != nil {
			return devices[i].IP < devices[j].IP
		}
		return a.Less(b)
	})
}

func interpolate(from, to float64, done, total int) float64 {
	if total <= 0 {
		return to
	}
	if done > total {
		done = total
	}
	return from + (to-from)*float64(done)/float64(total)
}
