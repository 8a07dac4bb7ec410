// Command coredemo links a root module out of a module database and runs it
// under the bare-metal hypervisor core, exposing a control socket for
// out-of-process status queries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/turnstone-core/internal/hv"
	"github.com/tinyrange/turnstone-core/internal/ipc"
	"github.com/tinyrange/turnstone-core/internal/linker"
	"github.com/tinyrange/turnstone-core/internal/moduledb"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coredemo: %v\n", err)
		os.Exit(1)
	}
}

// Manifest describes one demo run: which database file backs the module
// catalog, which module to link and boot, and how much guest RAM to give
// the VM.
type Manifest struct {
	DatabasePath string `yaml:"database_path"`
	RootModule   string `yaml:"root_module"`
	RAMBase      uint64 `yaml:"ram_base"`
	RAMSize      uint64 `yaml:"ram_size"`
	ControlPath  string `yaml:"control_socket"`
}

func loadManifest(path string) (Manifest, error) {
	var m Manifest
	f, err := os.Open(path)
	if err != nil {
		return m, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if m.RAMSize == 0 {
		m.RAMSize = 16 << 20
	}
	if m.ControlPath == "" {
		m.ControlPath = ipc.SocketPath()
	}
	return m, nil
}

func run() error {
	manifestPath := flag.String("manifest", "", "path to a YAML run manifest")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *manifestPath == "" {
		return errors.New("coredemo: -manifest is required")
	}

	manifest, err := loadManifest(*manifestPath)
	if err != nil {
		return err
	}

	store, err := moduledb.OpenFileStore(manifest.DatabasePath)
	if err != nil {
		return fmt.Errorf("open module database: %w", err)
	}
	defer store.Close()

	engine, err := moduledb.OpenEngine(store, log)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	db, err := engine.OpenOrCreateDatabase("modules")
	if err != nil {
		return fmt.Errorf("open modules database: %w", err)
	}
	table, err := db.CreateOrOpenTable("modules", 0, 0)
	if err != nil {
		return fmt.Errorf("open modules table: %w", err)
	}

	catalog := linker.DBCatalog{Table: table}

	ctx, err := linker.LinkModule(catalog, manifest.RootModule)
	if err != nil {
		return fmt.Errorf("link %q: %w", manifest.RootModule, err)
	}
	if err := ctx.BindLinearAddresses(manifest.RAMBase); err != nil {
		return fmt.Errorf("bind addresses: %w", err)
	}
	if err := ctx.BindGOTEntryValues(); err != nil {
		return fmt.Errorf("bind got entries: %w", err)
	}
	program, err := ctx.LinkProgram()
	if err != nil {
		return fmt.Errorf("link program: %w", err)
	}
	log.Info("linked root module", "module", manifest.RootModule, "size", len(program), "resolved", ctx.IsAllSymbolsResolved())

	addressSpace := hv.NewAddressSpace(manifest.RAMBase, manifest.RAMSize)
	vcb := hv.NewVMXControlBlock(1)
	vm := hv.NewVM(1, manifest.RootModule, vcb, addressSpace)
	if _, err := vm.WriteAt(program, int64(manifest.RAMBase)); err != nil {
		return fmt.Errorf("load program into guest ram: %w", err)
	}

	dispatch := hv.NewDispatcher(log)
	hv.RegisterDefaultHypercalls(dispatch, &hv.LinkerModuleLoader{Catalog: catalog, BaseAddress: manifest.RAMBase}, func(s string) {
		fmt.Fprint(os.Stdout, s)
	})

	manager := hv.NewManager(dispatch)
	manager.Attach(vm)

	server, err := newControlServer(manifest.ControlPath, manager)
	if err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer server.Close()
	log.Info("control socket listening", "path", manifest.ControlPath)

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		if err := server.Serve(); err != nil {
			log.Error("control server exited", "err", err)
		}
	}()

	if err := manager.RunAll(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run vms: %w", err)
	}

	return nil
}

const (
	msgStatus uint16 = 1
)

func newControlServer(socketPath string, manager *hv.Manager) (*ipc.Server, error) {
	return ipc.NewServer(socketPath, func(msgType uint16, payload []byte) ([]byte, error) {
		switch msgType {
		case msgStatus:
			vms := manager.VMs()
			status := make([]string, 0, len(vms))
			for _, vm := range vms {
				status = append(status, fmt.Sprintf("%s: halted=%v", vm.Name(), vm.Halted()))
			}
			out, err := yaml.Marshal(status)
			if err != nil {
				return nil, err
			}
			return out, nil
		default:
			return nil, fmt.Errorf("coredemo: unknown control message type %d", msgType)
		}
	})
}
