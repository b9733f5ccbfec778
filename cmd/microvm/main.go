// Command microvm is the control-plane entrypoint: it parses CLI flags,
// binds the control-plane HTTP-over-Unix-socket server, and drives the
// VMM thread that owns the actual Vm handle, per spec §6's
// "Environment / flags" and §5's thread/ownership model.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gokvm/microvm/api"
	"github.com/gokvm/microvm/mmds"
	"github.com/gokvm/microvm/seccomp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Process exit codes, per spec §6.
const (
	exitClean           = 0
	exitGeneric         = 1
	exitInternal        = 2
	exitSeccompTrap     = 148
	exitBadConfig       = 151
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.NewEntry(logrus.New())

	app := &cli.App{
		Name:  "microvm",
		Usage: "a minimal type-2 microVM monitor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api-sock", Value: "/run/microvm.sock", Usage: "control-plane unix socket path"},
			&cli.StringFlag{Name: "id", Value: uuid.NewString(), Usage: "instance id"},
			&cli.IntFlag{Name: "seccomp-level", Value: 2, Usage: "0=none, 1=basic, 2=advanced"},
			&cli.StringFlag{Name: "config-file", Usage: "JSON config to boot from without the API socket"},
			&cli.BoolFlag{Name: "no-api", Usage: "run from --config-file only, never bind the API socket"},
			&cli.Int64Flag{Name: "http-max-body", Value: 51200, Usage: "maximum control-plane request body, in bytes"},
		},
		Action: func(c *cli.Context) error {
			return mainAction(c, log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("exiting")

		if ce, ok := err.(*configError); ok {
			_ = ce

			return exitBadConfig
		}

		return exitGeneric
	}

	return exitClean
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func mainAction(c *cli.Context, log *logrus.Entry) error {
	log = log.WithField("id", c.String("id"))

	level, err := seccomp.ParseLevel(c.Int("seccomp-level"))
	if err != nil {
		return &configError{err}
	}

	seccomp.InstallSIGSYSHandler()

	rules := defaultSeccompRules()

	thread := newVMMThread(log, level, rules)

	if c.String("config-file") != "" {
		if err := loadConfigFile(c.String("config-file"), thread); err != nil {
			return &configError{err}
		}

		if err := thread.startInstance(); err != nil {
			return fmt.Errorf("start instance from config file: %w", err)
		}
	}

	if c.Bool("no-api") {
		select {} // the vCPU threads run until killed; nothing left for main to do.
	}

	store := mmds.New()

	server, err := api.New(c.String("api-sock"), c.Int64("http-max-body"), store, log)
	if err != nil {
		return fmt.Errorf("start control-plane server: %w", err)
	}

	go thread.run(server.Requests())

	serveErr := make(chan error, 1)

	// The control-plane HTTP thread gets its own copy of the filter too —
	// it's the third thread in spec §5's ownership model and otherwise
	// runs completely unsandboxed for the life of the process.
	go func() {
		thread.installSeccompOnThread()

		serveErr <- server.Serve()
	}()

	select {
	case <-server.ShutdownRequested():
		server.Close() //nolint:errcheck

		return nil
	case err := <-serveErr:
		if err != nil && !isServerClosed(err) {
			return fmt.Errorf("control-plane server: %w", err)
		}

		return nil
	}
}

// fileConfig is the shape of --config-file: every field the HTTP API
// would otherwise receive across several PUTs, bundled into one document
// for --no-api boots.
type fileConfig struct {
	BootSource        api.BootSource          `json:"boot-source"`
	MachineConfig     api.MachineConfig       `json:"machine-config"`
	Drives            []api.Drive             `json:"drives"`
	NetworkInterfaces []api.NetworkInterface  `json:"network-interfaces"`
	Vsock             *api.Vsock              `json:"vsock,omitempty"`
}

func loadConfigFile(path string, t *vmmThread) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg fileConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}

	t.bootSource = cfg.BootSource
	t.machineConfig = cfg.MachineConfig

	for _, d := range cfg.Drives {
		t.drives[d.ID] = d
	}

	for _, n := range cfg.NetworkInterfaces {
		t.netIfaces[n.ID] = n
	}

	t.vsockCfg = cfg.Vsock

	return nil
}

func isServerClosed(err error) bool {
	return err != nil && err.Error() == "http: Server closed"
}
