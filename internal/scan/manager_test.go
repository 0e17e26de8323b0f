package scan

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"localscope/internal/history"
	"localscope/internal/model"
)

func base() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

type staticResolver struct {
	local LocalAddress
	err   error
}

func (r staticResolver) Resolve(context.Context) (LocalAddress, error) {
	return r.local, r.err
}

type fakeSweeper struct {
	err     error
	started chan struct{}
	block   bool
}

func (s *fakeSweeper) Sweep(ctx context.Context, subnet Subnet, report Reporter) error {
	hosts := subnet.Hosts()
	for i := range hosts {
		report(i+1, len(hosts))
	}
	if s.started != nil {
		close(s.started)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

type brokenBackend struct{}

func (brokenBackend) Load(context.Context) ([]model.Device, error) { return nil, nil }
func (brokenBackend) Clear(context.Context) error                  { return nil }
func (brokenBackend) Save(context.Context, []model.Device) error {
	return &history.PersistenceError{Op: "save", Path: "history.json", Err: errors.New("disk full")}
}

// gatedBackend blocks the first Save after arm until release is closed.
type gatedBackend struct {
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *gatedBackend) Load(context.Context) ([]model.Device, error) { return nil, nil }
func (b *gatedBackend) Clear(context.Context) error                  { return nil }

func (b *gatedBackend) arm() {
	b.mu.Lock()
	b.armed = true
	b.mu.Unlock()
}

func (b *gatedBackend) Save(context.Context, []model.Device) error {
	b.mu.Lock()
	armed := b.armed
	b.armed = false
	b.mu.Unlock()
	if armed {
		close(b.entered)
		<-b.release
	}
	return nil
}

const lanTable = `? (192.168.1.1) at aa:bb:cc:0:0:1 on en0 ifscope [ethernet]
? (192.168.1.10) at 11:22:33:44:55:66 on en0 ifscope permanent [ethernet]
? (192.168.1.20) at b8:27:eb:11:22:33 on en0 ifscope [ethernet]
? (192.168.1.30) at (incomplete) on en0 ifscope [ethernet]
`

func newTestManager(t *testing.T, sweeper *fakeSweeper, store *history.Store) *Manager {
	t.Helper()
	if sweeper == nil {
		sweeper = &fakeSweeper{}
	}
	return NewManager(Options{
		Resolver: staticResolver{local: LocalAddress{
			Interface: "en0",
			IP:        "192.168.1.10",
			Subnet:    Subnet{Prefix: "192.168.1"},
		}},
		Sweeper: sweeper,
		Neighbors: SystemNeighbors{
			goos: "darwin",
			run: func(context.Context, string, ...string) ([]byte, error) {
				return []byte(lanTable), nil
			},
		},
		Prober: TCPProber{
			Timeout: time.Second,
			Dial: func(_ context.Context, _, address string) (net.Conn, error) {
				if address == "192.168.1.20:22" {
					return &fakeConn{}, nil
				}
				return nil, syscall.ECONNREFUSED
			},
		},
		History: store,
	})
}

func runScan(t *testing.T, m *Manager) Progress {
	t.Helper()
	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	m.Wait()
	return m.CurrentProgress()
}

func TestManagerScanEndToEnd(t *testing.T) {
	m := newTestManager(t, nil, nil)
	progress := runScan(t, m)

	if progress.Stage != StageIdle || progress.Fraction != 1 {
		t.Fatalf("unexpected final progress %+v", progress)
	}
	if progress.Devices != 2 || progress.Services != 1 {
		t.Fatalf("expected 2 devices and 1 service, got %+v", progress)
	}
	if progress.Subnet != "192.168.1.0/24" || progress.LocalIP != "192.168.1.10" {
		t.Fatalf("unexpected subnet info %+v", progress)
	}
	if progress.Message != "Found 2 devices with 1 services" {
		t.Fatalf("unexpected message %q", progress.Message)
	}

	devices := m.CurrentDevices()
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %+v", devices)
	}
	router, pi := devices[0], devices[1]
	if router.IP != "192.168.1.1" || router.Name != LabelRouter || len(router.AvailableServices) != 0 {
		t.Fatalf("unexpected router %+v", router)
	}
	if pi.IP != "192.168.1.20" || pi.Name != LabelRaspberryPi || pi.MAC != "B8:27:EB:11:22:33" {
		t.Fatalf("unexpected pi %+v", pi)
	}
	if !reflect.DeepEqual(pi.AvailableServices, []model.ServiceType{model.SSH}) {
		t.Fatalf("expected ssh on the pi, got %v", pi.AvailableServices)
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("expected history to hold 2 devices, got %d", len(hist))
	}
	for _, h := range hist {
		for _, d := range devices {
			if h.IP == d.IP && h.ID != d.ID {
				t.Fatalf("working set and history disagree on the ID of %s", d.IP)
			}
		}
	}
}

func TestManagerProgressIsMonotonic(t *testing.T) {
	m := newTestManager(t, nil, nil)

	var mu sync.Mutex
	var seen []Progress
	unsubscribe := m.Subscribe(func(p Progress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	defer unsubscribe()

	runScan(t, m)

	mu.Lock()
	defer mu.Unlock()
	order := map[Stage]int{
		StageResolving: 0,
		StageSweeping:  1,
		StageParsing:   2,
		StageProbing:   3,
		StageMerging:   4,
		StageIdle:      5,
	}
	var stages []Stage
	for i, p := range seen {
		if i > 0 {
			prev := seen[i-1]
			if p.Fraction < prev.Fraction {
				t.Fatalf("fraction went backwards: %v -> %v", prev.Fraction, p.Fraction)
			}
			if order[p.Stage] < order[prev.Stage] {
				t.Fatalf("stage went backwards: %s -> %s", prev.Stage, p.Stage)
			}
		}
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	}
	want := []Stage{StageResolving, StageSweeping, StageParsing, StageProbing, StageMerging, StageIdle}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("unexpected stage sequence %v", stages)
	}
	if last := seen[len(seen)-1]; last.Fraction != 1 {
		t.Fatalf("expected final fraction 1, got %v", last.Fraction)
	}
}

func TestManagerRejectsConcurrentScan(t *testing.T) {
	sweeper := &fakeSweeper{started: make(chan struct{}), block: true}
	m := newTestManager(t, sweeper, nil)

	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	<-sweeper.started

	progress, err := m.StartScan(context.Background())
	if !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
	if progress.Stage != StageSweeping {
		t.Fatalf("running scan should be undisturbed, got stage %s", progress.Stage)
	}

	if _, err := m.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	m.Wait()
}

func TestManagerCancelLeavesStateUntouched(t *testing.T) {
	store := history.NewStore(nil, 0)
	m := newTestManager(t, nil, store)
	runScan(t, m)
	before := m.CurrentDevices()

	sweeper := &fakeSweeper{started: make(chan struct{}), block: true}
	m.opts.Sweeper = sweeper
	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	<-sweeper.started
	if _, err := m.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	m.Wait()

	progress := m.CurrentProgress()
	if progress.Stage != StageIdle || progress.Message != "Scan cancelled" {
		t.Fatalf("unexpected progress after cancel %+v", progress)
	}
	if !reflect.DeepEqual(m.CurrentDevices(), before) {
		t.Fatal("cancel must not change the working set")
	}
	if len(store.Snapshot()) != 2 {
		t.Fatal("cancel must not change history")
	}
	if _, err := m.Cancel(); !errors.Is(err, ErrNoActiveScan) {
		t.Fatalf("expected ErrNoActiveScan, got %v", err)
	}
}

func TestManagerFailsWithoutInterface(t *testing.T) {
	m := NewManager(Options{Resolver: staticResolver{err: ErrNoActiveInterface}})
	progress := runScan(t, m)
	if progress.Stage != StageFailed || !strings.Contains(progress.Error, "no active network interface") {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if len(m.CurrentDevices()) != 0 {
		t.Fatal("failed scan must not produce devices")
	}
	// A failed scan is not busy.
	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("expected a new scan to start after failure, got %v", err)
	}
	m.Wait()
}

func TestManagerSweepFailureIsWarning(t *testing.T) {
	m := newTestManager(t, &fakeSweeper{err: errors.New("socket: operation not permitted")}, nil)
	progress := runScan(t, m)
	if progress.Stage != StageIdle || progress.Devices != 2 {
		t.Fatalf("sweep failure should not abort the scan: %+v", progress)
	}
	if !strings.Contains(progress.Warning, "operation not permitted") {
		t.Fatalf("expected a sweep warning, got %q", progress.Warning)
	}
}

func TestManagerPreservesFavoritesAcrossScans(t *testing.T) {
	m := newTestManager(t, nil, nil)
	runScan(t, m)

	if _, err := m.ToggleFavorite(context.Background(), "192.168.1.20", model.SSH); err != nil {
		t.Fatalf("toggle favorite: %v", err)
	}
	runScan(t, m)

	for _, d := range m.CurrentDevices() {
		if d.IP == "192.168.1.20" && !reflect.DeepEqual(d.FavoriteServices, []model.ServiceType{model.SSH}) {
			t.Fatalf("favorite lost across scans: %+v", d)
		}
	}
}

func TestManagerRestoresFavoritesFromHistory(t *testing.T) {
	store := history.NewStore(nil, 0)
	stored := model.NewDevice("192.168.1.20", "B8:27:EB:11:22:33", base())
	stored.FavoriteServices = []model.ServiceType{model.VNC}
	if err := store.Upsert(context.Background(), stored); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	m := newTestManager(t, nil, store)
	runScan(t, m)

	for _, d := range m.CurrentDevices() {
		if d.IP != "192.168.1.20" {
			continue
		}
		if !reflect.DeepEqual(d.FavoriteServices, []model.ServiceType{model.VNC}) {
			t.Fatalf("expected favorite from history, got %v", d.FavoriteServices)
		}
		if d.ID != stored.ID {
			t.Fatal("device should keep its history ID")
		}
		return
	}
	t.Fatal("pi not found")
}

func TestManagerToggleFavoriteErrors(t *testing.T) {
	m := newTestManager(t, nil, nil)
	runScan(t, m)

	if _, err := m.ToggleFavorite(context.Background(), "192.168.1.20", "telnet"); !errors.Is(err, model.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if _, err := m.ToggleFavorite(context.Background(), "192.168.1.99", model.SSH); !errors.Is(err, model.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	d, err := m.ToggleFavorite(context.Background(), "192.168.1.1", model.RDP)
	if err != nil || !d.IsFavorite(model.RDP) {
		t.Fatalf("expected rdp favorite, got %+v err=%v", d, err)
	}
	d, err = m.ToggleFavorite(context.Background(), "192.168.1.1", model.RDP)
	if err != nil || d.IsFavorite(model.RDP) {
		t.Fatalf("expected second toggle to clear the favorite, got %+v err=%v", d, err)
	}
}

func TestManagerPersistenceFailureIsWarning(t *testing.T) {
	store := history.NewStore(brokenBackend{}, 0)
	m := newTestManager(t, nil, store)
	progress := runScan(t, m)

	if progress.Stage != StageIdle || progress.Devices != 2 {
		t.Fatalf("persistence failure should not fail the scan: %+v", progress)
	}
	if !strings.Contains(progress.Warning, "disk full") {
		t.Fatalf("expected persistence warning, got %q", progress.Warning)
	}
	if len(store.Snapshot()) != 2 {
		t.Fatal("in-memory history should still hold the merged devices")
	}

	_, err := m.ToggleFavorite(context.Background(), "192.168.1.20", model.SSH)
	if !errors.Is(err, history.ErrPersistence) {
		t.Fatalf("expected ErrPersistence from toggle, got %v", err)
	}
}

func TestManagerAddManualDevice(t *testing.T) {
	m := newTestManager(t, nil, nil)
	runScan(t, m)

	d, err := m.AddManualDevice(context.Background(), model.Device{
		IP:                " 192.168.1.50 ",
		MAC:               "b8-27-eb-00-00-01",
		AvailableServices: []model.ServiceType{model.VNC, model.SSH},
	})
	if err != nil {
		t.Fatalf("add manual device: %v", err)
	}
	if d.IP != "192.168.1.50" || d.Name != LabelRaspberryPi || !d.Manual || d.MAC != "B8:27:EB:00:00:01" {
		t.Fatalf("unexpected manual device %+v", d)
	}
	if !reflect.DeepEqual(d.AvailableServices, []model.ServiceType{model.SSH, model.VNC}) {
		t.Fatalf("services should be sorted, got %v", d.AvailableServices)
	}

	devices := m.CurrentDevices()
	if len(devices) != 3 || devices[2].IP != "192.168.1.50" {
		t.Fatalf("manual device should join the working set in IP order: %+v", devices)
	}
	if _, ok := m.opts.History.Find("192.168.1.50"); !ok {
		t.Fatal("manual device should be recorded in history")
	}

	if _, err := m.AddManualDevice(context.Background(), model.Device{IP: "not-an-ip"}); !errors.Is(err, model.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if _, err := m.AddManualDevice(context.Background(), model.Device{IP: "192.168.1.51", MAC: "zz"}); !errors.Is(err, model.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice for bad MAC, got %v", err)
	}
}

func TestManagerHistoryOperations(t *testing.T) {
	m := newTestManager(t, nil, nil)
	runScan(t, m)

	if err := m.DeleteFromHistory(context.Background(), "192.168.1.1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(m.History()) != 1 || len(m.CurrentDevices()) != 2 {
		t.Fatal("delete should only touch history")
	}
	if err := m.DeleteFromHistory(context.Background(), "192.168.1.1"); !errors.Is(err, model.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if err := m.ClearHistory(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(m.History()) != 0 {
		t.Fatal("history should be empty")
	}
}

func findDevice(devices []model.Device, ip string) (model.Device, bool) {
	for _, d := range devices {
		if d.IP == ip {
			return d, true
		}
	}
	return model.Device{}, false
}

func TestManagerToggleDuringMergeIsKept(t *testing.T) {
	backend := newGatedBackend()
	m := newTestManager(t, nil, history.NewStore(backend, 0))
	runScan(t, m)

	backend.arm()
	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	<-backend.entered

	type result struct {
		device model.Device
		err    error
	}
	toggled := make(chan result, 1)
	go func() {
		d, err := m.ToggleFavorite(context.Background(), "192.168.1.20", model.SSH)
		toggled <- result{d, err}
	}()

	select {
	case <-toggled:
		t.Fatal("toggle should wait until the merged devices are committed")
	case <-time.After(50 * time.Millisecond):
	}
	close(backend.release)
	m.Wait()

	res := <-toggled
	if res.err != nil || !res.device.IsFavorite(model.SSH) {
		t.Fatalf("unexpected toggle result %+v err=%v", res.device, res.err)
	}

	working, ok := findDevice(m.CurrentDevices(), "192.168.1.20")
	if !ok || !reflect.DeepEqual(working.FavoriteServices, []model.ServiceType{model.SSH}) {
		t.Fatalf("working set lost the favorite: %+v", working)
	}
	stored, ok := findDevice(m.History(), "192.168.1.20")
	if !ok || !reflect.DeepEqual(stored.FavoriteServices, []model.ServiceType{model.SSH}) {
		t.Fatalf("history lost the favorite: %+v", stored)
	}
	if !stored.LastSeen.Equal(working.LastSeen) || !reflect.DeepEqual(stored.AvailableServices, working.AvailableServices) {
		t.Fatalf("history and working set disagree: %+v vs %+v", stored, working)
	}
}

func TestManagerManualAddDuringMergeIsKept(t *testing.T) {
	backend := newGatedBackend()
	m := newTestManager(t, nil, history.NewStore(backend, 0))

	backend.arm()
	if _, err := m.StartScan(context.Background()); err != nil {
		t.Fatalf("start scan: %v", err)
	}
	<-backend.entered

	added := make(chan error, 1)
	go func() {
		_, err := m.AddManualDevice(context.Background(), model.Device{IP: "192.168.1.50", Name: "Build box"})
		added <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	m.Wait()
	if err := <-added; err != nil {
		t.Fatalf("add manual device: %v", err)
	}

	if _, ok := findDevice(m.CurrentDevices(), "192.168.1.50"); !ok {
		t.Fatalf("manual device missing from working set: %+v", m.CurrentDevices())
	}
	if _, ok := findDevice(m.History(), "192.168.1.50"); !ok {
		t.Fatal("manual device missing from history")
	}
}

func TestManagerKeepsManualDevicesAcrossScans(t *testing.T) {
	m := newTestManager(t, nil, nil)
	if _, err := m.AddManualDevice(context.Background(), model.Device{IP: "192.168.1.50"}); err != nil {
		t.Fatalf("add manual device: %v", err)
	}
	progress := runScan(t, m)

	devices := m.CurrentDevices()
	if len(devices) != 3 || devices[2].IP != "192.168.1.50" || !devices[2].Manual {
		t.Fatalf("manual device should stay in the working set: %+v", devices)
	}
	if progress.Devices != 2 {
		t.Fatalf("scan summary should count found devices only, got %d", progress.Devices)
	}
}
