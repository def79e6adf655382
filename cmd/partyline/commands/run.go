package commands

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"partyline/internal/chat"
	"partyline/internal/config"
	"partyline/internal/directory"
	"partyline/internal/identity"
	"partyline/internal/node"
	"partyline/internal/pprofutil"
	"partyline/internal/roster"
)

const (
	configFile    = "config.json"
	directoryFile = "peers.json"
	trustFile     = "trust.json"
)

// accountID derives a stable account id from the account name. Real game
// accounts bring their own id; self-hosted setups get a deterministic one so
// trust files stay valid across restarts.
func accountID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("partyline.account."+name))
}

// loadIdentity returns the keypair for one account. Keystores are scoped per
// account name, so two accounts sharing a home directory keep distinct keys.
func loadIdentity(name, seed string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if seed != "" {
		pub, priv := identity.KeypairFromSeed(seed)
		return pub, priv, nil
	}
	return identity.LoadOrCreateKeypair(filepath.Join(home, "keys", name))
}

// buildResolver picks the key authority: a remote one when configured,
// otherwise the local trust file with our own key registered in it.
func buildResolver(authority string, id uuid.UUID, pub ed25519.PublicKey) (identity.Resolver, error) {
	if authority != "" {
		return &identity.CachingResolver{
			Next: &identity.HTTPResolver{BaseURL: authority},
			TTL:  time.Hour,
			Log:  log,
		}, nil
	}
	path := filepath.Join(home, trustFile)
	trust, err := identity.LoadTrust(path)
	if err != nil {
		return nil, err
	}
	trust[id] = identity.Key{Public: pub}
	if err := identity.SaveTrust(path, trust); err != nil {
		return nil, err
	}
	return trust, nil
}

func runCmd() *cobra.Command {
	var (
		name      string
		seed      string
		listen    string
		authority string
		names     []string
		connect   []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a chat node and read messages from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pprofutil.StartFromEnv(log); err != nil {
				return err
			}
			pub, priv, err := loadIdentity(name, seed)
			if err != nil {
				return err
			}
			id := accountID(name)
			resolver, err := buildResolver(authority, id, pub)
			if err != nil {
				return err
			}
			cfg, err := config.Open(filepath.Join(home, configFile))
			if err != nil {
				return err
			}
			book, err := directory.Open(filepath.Join(home, directoryFile))
			if err != nil {
				return err
			}
			if len(names) == 0 {
				names = []string{name}
			}
			console := chat.Console{
				Log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
					With().Timestamp().Logger(),
			}
			n, err := node.New(node.Options{
				Log:         log,
				ListenAddr:  listen,
				AccountName: name,
				AccountID:   id,
				Sign:        identity.Signer(priv),
				PublicKey:   pub,
				Resolver:    resolver,
				Roster:      roster.NewStatic(names...),
				Events:      console,
				Config:      cfg,
				Directory:   book,
			})
			if err != nil {
				return err
			}
			if err := n.Start(); err != nil {
				return err
			}
			defer n.Close()
			fmt.Printf("listening, address token: %s\n", n.AddrToken())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for _, token := range connect {
				if err := n.ConnectPeer(ctx, token); err != nil {
					log.Warn().Err(err).Str("token", token).Msg("initial connect failed")
				}
			}
			return repl(ctx, n)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "account name (required)")
	cmd.Flags().StringVar(&seed, "seed", "", "derive the keypair from a passphrase instead of the keystore")
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:47780", "listen address")
	cmd.Flags().StringVar(&authority, "authority", "", "account-key authority base URL (default: local trust file)")
	cmd.Flags().StringSliceVar(&names, "roster", nil, "account names considered co-located (default: just us)")
	cmd.Flags().StringArrayVar(&connect, "connect", nil, "peer address token to dial on startup (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// repl reads chat input until EOF or shutdown. Plain lines broadcast;
// /w <name> <text> whispers, /connect <token> dials, /peers and /stats
// inspect the running node.
func repl(ctx context.Context, n *node.Node) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, n, line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func handleLine(ctx context.Context, n *node.Node, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/peers":
		for _, name := range n.PeerNames() {
			fmt.Println(name)
		}
		return nil
	case line == "/stats":
		raw, err := json.MarshalIndent(n.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	case strings.HasPrefix(line, "/connect "):
		return n.ConnectPeer(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/connect ")))
	case strings.HasPrefix(line, "/w "):
		rest := strings.TrimPrefix(line, "/w ")
		name, text, ok := strings.Cut(rest, " ")
		if !ok || text == "" {
			return fmt.Errorf("usage: /w <name> <text>")
		}
		return n.Whisper(ctx, name, text)
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])
	default:
		n.Broadcast(ctx, line)
		return nil
	}
}
