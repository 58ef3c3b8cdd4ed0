// librats is a thin interactive demo around the Node library type: all
// state lives in the library, this binary only tokenizes stdin lines and
// dispatches them to a cobra command tree (spec.md §6's "CLI surface").
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DEgITx/librats/internal/config"
	"github.com/DEgITx/librats/internal/log"
	"github.com/DEgITx/librats/pkg/types"

	"github.com/DEgITx/librats"
)

var (
	configPath string
	listenPort uint16
	fileDir    string
)

func main() {
	root := &cobra.Command{
		Use:   "librats",
		Short: "Interactive librats peer",
		RunE:  runREPL,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "librats.json", "config file path")
	root.PersistentFlags().Uint16VarP(&listenPort, "port", "p", 42070, "listen port (used only when generating a fresh config)")
	root.PersistentFlags().StringVarP(&fileDir, "file-dir", "f", "librats_files", "received-files directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	logger := log.Named("cli")

	node, err := librats.New(librats.Options{
		ConfigPath: configPath,
		ListenPort: listenPort,
		FileDir:    fileDir,
	})
	if err != nil {
		return fmt.Errorf("librats: build node: %w", err)
	}

	node.SetOnConnect(func(peerHash types.PeerHash) {
		fmt.Printf("[connect] %s\n", peerHash)
	})
	node.SetOnDisconnect(func(peerHash types.PeerHash, reason string) {
		fmt.Printf("[disconnect] %s: %s\n", peerHash, reason)
	})
	node.SetOnString(func(peerHash types.PeerHash, text string) {
		fmt.Printf("[message] %s: %s\n", peerHash, text)
	})
	node.SetOnMessage(func(peerHash types.PeerHash, payload []byte) {
		fmt.Printf("[binary] %s: %d bytes\n", peerHash, len(payload))
	})
	node.SetOnOffer(func(peerHash types.PeerHash, transferID, filename string, totalBytes int64) bool {
		fmt.Printf("[file_offer] %s from %s (%d bytes) -- accepting\n", filename, peerHash, totalBytes)
		return true
	})
	node.SetOnProgress(func(transferID string, chunksDone, totalChunks int) {
		fmt.Printf("[progress] %s: %d/%d chunks\n", transferID, chunksDone, totalChunks)
	})
	node.SetOnComplete(func(transferID string, err error) {
		if err != nil {
			fmt.Printf("[transfer_failed] %s: %v\n", transferID, err)
			return
		}
		fmt.Printf("[transfer_complete] %s\n", transferID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("librats: start node: %w", err)
	}
	port := listenPort
	if cfg, err := config.Load(configPath); err == nil {
		port = cfg.ListenPort
	}
	fmt.Printf("node %s listening on port %d (type \"quit\" to exit)\n", node.ID(), port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runInputLoop(ctx, node)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	if err := node.Stop(); err != nil {
		logger.Warn("error during shutdown", "err", err)
	}
	return nil
}

func runInputLoop(ctx context.Context, node *librats.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := dispatch(ctx, node, fields); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatch builds a fresh cobra command tree per line — cheap, and it
// keeps per-command flag state from leaking across REPL turns — and runs
// it against fields.
func dispatch(ctx context.Context, node *librats.Node, fields []string) error {
	repl := &cobra.Command{Use: "librats-repl", SilenceUsage: true, SilenceErrors: true}
	repl.AddCommand(
		connectCmd(ctx, node),
		listCmd(node),
		broadcastCmd(node),
		sendCmd(node),
		dhtFindCmd(ctx, node),
		dhtAnnounceCmd(ctx, node),
		fileSendCmd(node),
		transferListCmd(node),
	)
	repl.SetArgs(fields)
	return repl.Execute()
}

func connectCmd(ctx context.Context, node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <host> <port>",
		Short: "connect to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("bad port %q: %w", args[1], err)
			}
			peerHash, err := node.Connect(ctx, args[0], uint16(port))
			if err != nil {
				return err
			}
			fmt.Printf("connected: %s\n", peerHash)
			return nil
		},
	}
}

func listCmd(node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list connected peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%d peer(s) connected\n", node.PeerCount())
			return nil
		},
	}
}

func broadcastCmd(node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <text>",
		Short: "broadcast a message to every connected peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := node.Broadcast([]byte(strings.Join(args, " ")))
			for peerHash, err := range failures {
				fmt.Printf("failed to reach %s: %v\n", peerHash, err)
			}
			return nil
		},
	}
}

func sendCmd(node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer_hash> <text>",
		Short: "send a message to one peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerHash, err := types.PeerHashFromHex(args[0])
			if err != nil {
				return fmt.Errorf("bad peer hash: %w", err)
			}
			return node.SendString(peerHash, strings.Join(args[1:], " "))
		},
	}
}

func dhtFindCmd(ctx context.Context, node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "dht_find <infohash>",
		Short: "find peers announced under an infohash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ih, err := parseInfoHash(args[0])
			if err != nil {
				return err
			}
			return node.FindPeers(ctx, ih, func(ep types.Endpoint) {
				fmt.Printf("found peer: %s\n", ep)
			})
		},
	}
}

func dhtAnnounceCmd(ctx context.Context, node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "dht_announce <infohash> <port>",
		Short: "announce this node under an infohash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ih, err := parseInfoHash(args[0])
			if err != nil {
				return err
			}
			port, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("bad port %q: %w", args[1], err)
			}
			return node.Announce(ctx, ih, uint16(port))
		},
	}
}

func fileSendCmd(node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "file_send <peer_hash> <path>",
		Short: "offer a file or directory to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerHash, err := types.PeerHashFromHex(args[0])
			if err != nil {
				return fmt.Errorf("bad peer hash: %w", err)
			}
			transferID, err := node.SendFile(peerHash, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("transfer started: %s\n", transferID)
			return nil
		},
	}
}

func transferListCmd(node *librats.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer_list",
		Short: "list known file transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, snap := range node.Transfers() {
				fmt.Printf("%s  %-10s %-8s %s (%d/%d chunks)\n",
					snap.ID, snap.Direction, snap.Status, snap.Filename, snap.ChunksDone, snap.TotalChunks())
			}
			return nil
		},
	}
}

func parseInfoHash(s string) (types.InfoHash, error) {
	return types.InfoHashFromHex(s)
}
