package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and relay packets",
	Long: `Start the node on the configured radio. Packets delivered to this node are
printed to stdout. Each stdin line "<device-id> <text>" sends text to a
device, and "* <text>" broadcasts it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runNode(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runNode(ctx context.Context, in io.Reader, out io.Writer) error {
	self, err := cfg.DeviceID()
	if err != nil {
		return err
	}
	if self.IsZero() {
		self = mesh.NewDeviceID()
	}

	logger.Info("Opening radio...", "device", cfg.Device.URL)
	radio, closer, err := openRadio(cfg.Device.URL, self, logger)
	if err != nil {
		return fmt.Errorf("failed to open radio: %w", err)
	}
	defer closer.Close()

	adapter := link.NewAdapter(radio, cfg.LinkConfig(), logger)
	store := mesh.NewStoreForwardQueue(cfg.StoreConfig(), logger)
	routerConfig := cfg.RouterConfig()
	routerConfig.DeviceID = self
	router, err := mesh.NewRouter(adapter, store, routerConfig, logger)
	if err != nil {
		return err
	}

	adapter.OnDiscovered(func(device mesh.DeviceID) {
		if device == self || slices.Contains(router.Peers(), device) {
			return
		}
		go func() {
			if err := router.Connect(ctx, device); err != nil {
				logger.Warn("Cannot connect to peer", "peer", device, "error", err)
			}
		}()
	})

	reassembler := mesh.NewReassembler(cfg.LinkConfig().ReassemblyTimeout)
	router.Subscribe(mesh.SubscriberFunc(func(packet *mesh.Packet) {
		payload, done, err := reassembler.AddPacket(packet)
		if err != nil {
			logger.Warn("Dropped malformed fragment", "packet", packet.ID, "error", err)
			return
		}
		if done {
			fmt.Fprintf(out, "[%s] %s\n", packet.Source, payload)
		}
	}))

	if err := router.Initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Node %s is up\n", router.ID())

	go sendLines(ctx, router, in)

	err = router.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sendLines reads "<device-id|*> <text>" lines and sends them until in is exhausted.
func sendLines(ctx context.Context, router *mesh.Router, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		target, text, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok || text == "" {
			fmt.Fprintln(os.Stderr, `expected "<device-id> <text>" or "* <text>"`)
			continue
		}
		if err := sendText(ctx, router, target, []byte(text)); err != nil {
			logger.Warn("Cannot send message", "to", target, "error", err)
		}
	}
}

func sendText(ctx context.Context, router *mesh.Router, target string, payload []byte) error {
	if target == "*" {
		return router.Broadcast(ctx, router.NewPacket(nil, payload))
	}

	destination, err := mesh.ParseDeviceID(target)
	if err != nil {
		return err
	}
	packet := router.NewPacket(&destination, payload)
	if slices.Contains(router.Peers(), destination) {
		return router.Send(ctx, destination, packet)
	}
	// not a neighbour: let the mesh relay it
	return router.Broadcast(ctx, packet)
}
