package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Manu343726/gdbstub/pkg/debugger"
	"github.com/Manu343726/gdbstub/pkg/gdb"
	"github.com/Manu343726/gdbstub/pkg/target/sim"
	"github.com/Manu343726/gdbstub/pkg/transport"
	"github.com/Manu343726/gdbstub/pkg/utils"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	colorEvent = color.New(color.FgCyan)
	colorAddr  = color.New(color.FgMagenta)
	colorExit  = color.New(color.FgGreen, color.Bold)
	colorError = color.New(color.FgRed, color.Bold)
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated MIPS target to a GDB host",
	Long: `Loads a flat binary image into a simulated MIPS target and waits for a GDB
host to connect, over TCP or a serial line.

The program does not run until the host resumes it for the first time. When the
session ends without a kill the program keeps running with every breakpoint
removed, and the next connection interrupts it.

Example:
  gdbstub stub serve --image prog.bin --listen :2345
  gdbstub stub serve --image prog.bin --serial /dev/ttyUSB0 --baud 115200`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	StubCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringP("listen", "l", ":2345", "TCP address to accept GDB connections on")
	flags.String("serial", "", "Serial device to talk to GDB on instead of TCP")
	flags.Int("baud", transport.DefaultBaudRate, "Serial line speed")
	flags.String("layout", "", "YAML memory layout of the simulated target (default layout if empty)")
	flags.StringP("image", "i", "", "Flat binary image of the program")
	flags.String("base", "", "Load address of the image (default: start of the program range)")
	flags.String("entry", "", "Entry point (default: load address)")
	flags.Duration("poll-interval", gdb.DefaultPollInterval, "How often a running target is checked for stops")
	flags.Int("persistent", debugger.DefaultMaxPersistent, "Number of persistent breakpoint slots")
	flags.Int("transient", debugger.DefaultMaxTransient, "Number of step breakpoint slots")
	flags.Int("thread-page-size", gdb.DefaultThreadPageSize, "Thread IDs per thread info reply")

	for key, flag := range map[string]string{
		"listen":                 "listen",
		"serial.device":          "serial",
		"serial.baud":            "baud",
		"target.layout":          "layout",
		"target.image":           "image",
		"target.base":            "base",
		"target.entry":           "entry",
		"poll_interval":          "poll-interval",
		"breakpoints.persistent": "persistent",
		"breakpoints.transient":  "transient",
		"threads.page_size":      "thread-page-size",
	} {
		cobra.CheckErr(viper.BindPFlag(key, flags.Lookup(flag)))
	}
}

func loadTarget(log *slog.Logger) (*sim.Machine, error) {
	layout := sim.DefaultLayout()
	if path := viper.GetString("target.layout"); path != "" {
		var err error
		if layout, err = sim.LoadLayout(path); err != nil {
			return nil, err
		}
	}

	machine, err := sim.New(layout, log)
	if err != nil {
		return nil, err
	}

	imagePath := viper.GetString("target.image")
	if imagePath == "" {
		return nil, errors.New("no program image given, use --image")
	}
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	base := layout.Program.Base
	if s := viper.GetString("target.base"); s != "" {
		if base, err = utils.ParseUint32(s); err != nil {
			return nil, fmt.Errorf("invalid load address: %w", err)
		}
	}
	entry := base
	if s := viper.GetString("target.entry"); s != "" {
		if entry, err = utils.ParseUint32(s); err != nil {
			return nil, fmt.Errorf("invalid entry point: %w", err)
		}
	}
	if err := machine.LoadImage(base, image, entry); err != nil {
		return nil, err
	}

	colorEvent.Printf("Loaded %d bytes at %s, entry %s\n", len(image),
		colorAddr.Sprint(utils.FormatUint32Hex(base)),
		colorAddr.Sprint(utils.FormatUint32Hex(entry)))
	return machine, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	machine, err := loadTarget(log)
	if err != nil {
		return err
	}
	defer func() { _ = machine.Terminate() }()

	core := debugger.NewCore(machine, debugger.Config{
		MaxPersistent: viper.GetInt("breakpoints.persistent"),
		MaxTransient:  viper.GetInt("breakpoints.transient"),
		PollInterval:  viper.GetDuration("poll_interval"),
	}, log)
	machine.SetHandler(core)

	serverCfg := gdb.Config{
		ThreadPageSize: viper.GetInt("threads.page_size"),
		PacketSize:     gdb.DefaultPacketSize,
		PollInterval:   viper.GetDuration("poll_interval"),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if device := viper.GetString("serial.device"); device != "" {
		g.Go(func() error {
			return serveSerial(ctx, device, viper.GetInt("serial.baud"), machine, core, serverCfg, log)
		})
	} else {
		ln, err := net.Listen("tcp", viper.GetString("listen"))
		if err != nil {
			return err
		}
		colorEvent.Printf("Waiting for GDB on %s\n", colorAddr.Sprint(ln.Addr()))

		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			return acceptLoop(ctx, ln, machine, core, serverCfg, log)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// acceptLoop serves one connection at a time until ctx ends
func acceptLoop(ctx context.Context, ln net.Listener, machine *sim.Machine, core *debugger.Core, cfg gdb.Config, log *slog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		serveSession(ctx, transport.NewConnTransport(conn), machine, core, cfg, log)
	}
}

// serveSerial serves sessions on a serial line, reopening it between sessions
func serveSerial(ctx context.Context, device string, baud int, machine *sim.Machine, core *debugger.Core, cfg gdb.Config, log *slog.Logger) error {
	for ctx.Err() == nil {
		tr, err := transport.OpenSerial(device, baud)
		if err != nil {
			return err
		}
		colorEvent.Printf("Waiting for GDB on %s at %d baud\n", colorAddr.Sprint(device), baud)
		serveSession(ctx, tr, machine, core, cfg, log)
	}
	return nil
}

func serveSession(ctx context.Context, tr transport.Transport, machine *sim.Machine, core *debugger.Core, cfg gdb.Config, log *slog.Logger) {
	defer func() { _ = tr.Close() }()

	colorEvent.Printf("Debugger connected from %s\n", colorAddr.Sprint(tr))
	err := gdb.NewServer(core, tr, cfg, log).Serve(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
		colorEvent.Println("Session ended")
	case errors.Is(err, transport.ErrClosed):
		colorEvent.Println("Debugger disconnected, program resumed")
	default:
		colorError.Printf("Session failed: %v\n", err)
	}

	select {
	case <-machine.Done():
		if code, ok := machine.ExitCode(); ok {
			colorExit.Printf("Program exited with code %d\n", code)
		}
	default:
	}
}
